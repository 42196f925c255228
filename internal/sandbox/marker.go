package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ilocn/specwork/internal/spec"
)

// Files the engine and the agent exchange inside a sandbox. Both are listed
// in info/exclude so they never show up as changes.
const (
	MarkerFile = ".sw-status.json"
	SpecFile   = ".sw-spec.md"
)

// ErrNoMarker is returned when a sandbox has no status marker.
var ErrNoMarker = errors.New("no status marker")

// MarkerStatus is the agent-reported state of a sandbox.
type MarkerStatus string

const (
	MarkerWorking MarkerStatus = "working"
	MarkerDone    MarkerStatus = "done"
	MarkerFailed  MarkerStatus = "failed"
)

// Marker is the status file the agent (or the launcher on its behalf)
// writes when it finishes.
type Marker struct {
	SpecID    string       `json:"spec_id"`
	Status    MarkerStatus `json:"status"`
	Base      string       `json:"base,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
	Error     string       `json:"error,omitempty"`
	Commits   []string     `json:"commits,omitempty"`
	ExitCode  *int         `json:"exit_code,omitempty"`
}

// Terminal reports whether the agent has finished.
func (m *Marker) Terminal() bool {
	return m.Status == MarkerDone || m.Status == MarkerFailed
}

// MarkerPath returns the marker path inside sandbox dir.
func MarkerPath(dir string) string { return filepath.Join(dir, MarkerFile) }

// SpecCopyPath returns the agent's spec record copy inside sandbox dir.
func SpecCopyPath(dir string) string { return filepath.Join(dir, SpecFile) }

// ReadMarker reads the marker in dir.
func ReadMarker(dir string) (*Marker, error) {
	data, err := os.ReadFile(MarkerPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoMarker
		}
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse marker in %s: %w", dir, err)
	}
	return &m, nil
}

// WriteMarker atomically writes m into dir, stamping UpdatedAt.
func WriteMarker(dir string, m *Marker) error {
	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, MarkerFile+".*.tmp")
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(f.Name())
		return werr
	}
	return os.Rename(f.Name(), MarkerPath(dir))
}

// UpdateMarker reads the marker in dir (or starts an empty one), applies fn
// and writes it back.
func UpdateMarker(dir string, fn func(*Marker)) (*Marker, error) {
	m, err := ReadMarker(dir)
	if errors.Is(err, ErrNoMarker) {
		m = &Marker{SpecID: filepath.Base(dir)}
	} else if err != nil {
		return nil, err
	}
	fn(m)
	if err := WriteMarker(dir, m); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteSpecCopy renders sp into the sandbox for the agent to read and edit.
func WriteSpecCopy(dir string, sp *spec.Spec) error {
	data, err := spec.Render(sp)
	if err != nil {
		return err
	}
	tmp := SpecCopyPath(dir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, SpecCopyPath(dir))
}

// ReadSpecCopy parses the agent's copy of the spec record.
func ReadSpecCopy(dir, id string) (*spec.Spec, error) {
	data, err := os.ReadFile(SpecCopyPath(dir))
	if err != nil {
		return nil, err
	}
	return spec.Parse(id, data)
}
