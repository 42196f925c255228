package workspace

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ilocn/specwork/internal/config"
	"github.com/ilocn/specwork/internal/gitutil"
)

// excludePatterns keep runtime state and sandbox marker files out of
// `git status` in the main tree and in every sandbox.
var excludePatterns = []string{
	"/.sw/locks/",
	"/.sw/worktrees/",
	"/.sw/logs/",
	"/.sw/specs/.lock",
	".sw-status.json",
	".sw-spec.md",
}

// Init creates the .sw/ layout inside the git repository at root, writes the
// config and registers the runtime exclude patterns.
func Init(ctx context.Context, root string, cfg config.Config) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(configPath(abs)); err == nil {
		return nil, fmt.Errorf("%s is already a specwork workspace", abs)
	}
	commonDir, err := gitutil.CommonDir(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("%s is not inside a git repository: %w", abs, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ws := &Workspace{Root: abs, Config: cfg}
	for _, d := range []string{ws.SwDir(), ws.SpecsDir(), ws.PromptsDir(), ws.LocksDir(), ws.WorktreesDir(), ws.LogsDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}
	if err := config.Save(ws.ConfigPath(), cfg); err != nil {
		return nil, err
	}
	if err := ensureExcludes(filepath.Join(commonDir, "info", "exclude")); err != nil {
		return nil, fmt.Errorf("updating git excludes: %w", err)
	}
	return ws, nil
}

// ensureExcludes appends any missing excludePatterns to the exclude file.
func ensureExcludes(path string) error {
	present := make(map[string]bool)
	if f, err := os.Open(path); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			present[strings.TrimSpace(sc.Text())] = true
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}

	var missing []string
	for _, p := range excludePatterns {
		if !present[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "\n# specwork\n%s\n", strings.Join(missing, "\n"))
	return err
}
