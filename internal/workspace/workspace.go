package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilocn/specwork/internal/config"
)

// Workspace holds the repository root and its loaded config.
type Workspace struct {
	Root   string
	Config config.Config
}

// configPath returns the path to .sw/config.yaml for the given root.
func configPath(root string) string {
	return filepath.Join(root, ".sw", "config.yaml")
}

// Open reads .sw/config.yaml and returns a Workspace.
func Open(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	path := configPath(abs)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s is not a specwork workspace (.sw/config.yaml not found)", abs)
		}
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return &Workspace{Root: abs, Config: cfg}, nil
}

// FindRoot walks up from dir until a .sw/config.yaml is found.
func FindRoot(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(configPath(abs)); err == nil {
			return Open(abs)
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return nil, fmt.Errorf("no specwork workspace found (.sw/config.yaml not found in %s or any parent)", dir)
		}
		abs = parent
	}
}

// SpecsDirFor returns the spec records directory of the repository at root.
func SpecsDirFor(root string) string { return filepath.Join(root, ".sw", "specs") }

// Path helpers. All state lives under <root>/.sw/.

func (ws *Workspace) SwDir() string        { return filepath.Join(ws.Root, ".sw") }
func (ws *Workspace) SpecsDir() string     { return SpecsDirFor(ws.Root) }
func (ws *Workspace) PromptsDir() string   { return filepath.Join(ws.Root, ".sw", "prompts") }
func (ws *Workspace) LocksDir() string     { return filepath.Join(ws.Root, ".sw", "locks") }
func (ws *Workspace) WorktreesDir() string { return filepath.Join(ws.Root, ".sw", "worktrees") }
func (ws *Workspace) LogsDir() string      { return filepath.Join(ws.Root, ".sw", "logs") }
func (ws *Workspace) ConfigPath() string   { return configPath(ws.Root) }

func (ws *Workspace) SpecPath(id string) string     { return filepath.Join(ws.SpecsDir(), id+".md") }
func (ws *Workspace) LockPath(id string) string     { return filepath.Join(ws.LocksDir(), id+".lock") }
func (ws *Workspace) WorktreePath(id string) string { return filepath.Join(ws.WorktreesDir(), id) }
func (ws *Workspace) LogPath(id string) string      { return filepath.Join(ws.LogsDir(), id+".log") }
func (ws *Workspace) WatchLogPath() string          { return filepath.Join(ws.LogsDir(), "watch.log") }

// BaseBranch returns the configured base branch, falling back to fallback
// (usually the repository's detected default branch).
func (ws *Workspace) BaseBranch(fallback string) string {
	if ws.Config.BaseBranch != "" {
		return ws.Config.BaseBranch
	}
	return fallback
}

// SaveConfig writes the config back to .sw/config.yaml.
func (ws *Workspace) SaveConfig() error {
	if err := ws.Config.Validate(); err != nil {
		return err
	}
	return config.Save(ws.ConfigPath(), ws.Config)
}
