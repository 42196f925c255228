// Package sandbox manages one git worktree per spec. Creation is serialized
// through a single mutex because git is not safe under concurrent worktree
// operations on one repository; everything after creation runs in parallel.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ilocn/specwork/internal/gitutil"
	"github.com/ilocn/specwork/internal/lock"
	"github.com/ilocn/specwork/internal/spec"
)

// ErrExists is returned by Create when the spec already has a sandbox.
var ErrExists = errors.New("sandbox already exists")

// VCS is the version control surface the manager needs.
type VCS interface {
	WorktreeAdd(ctx context.Context, repo, path, branch, base string) error
	WorktreeRemove(ctx context.Context, repo, path string) error
	WorktreePrune(ctx context.Context, repo string) error
	WorktreeList(ctx context.Context, repo string) ([]gitutil.Worktree, error)
	DeleteBranch(ctx context.Context, repo, branch string, force bool) error
	Status(ctx context.Context, dir string) ([]string, error)
	CommitsSince(ctx context.Context, dir, base, ref string) ([]string, error)
	ChangedFiles(ctx context.Context, repo, branch, base string) ([]gitutil.FileChange, error)
}

// Git is the VCS backed by the git binary.
type Git struct{}

func (Git) WorktreeAdd(ctx context.Context, repo, path, branch, base string) error {
	return gitutil.WorktreeAdd(ctx, repo, path, branch, base)
}

func (Git) WorktreeRemove(ctx context.Context, repo, path string) error {
	return gitutil.WorktreeRemove(ctx, repo, path)
}

func (Git) WorktreePrune(ctx context.Context, repo string) error {
	return gitutil.WorktreePrune(ctx, repo)
}

func (Git) WorktreeList(ctx context.Context, repo string) ([]gitutil.Worktree, error) {
	return gitutil.WorktreeList(ctx, repo)
}

func (Git) DeleteBranch(ctx context.Context, repo, branch string, force bool) error {
	return gitutil.DeleteBranch(ctx, repo, branch, force)
}

func (Git) Status(ctx context.Context, dir string) ([]string, error) {
	return gitutil.Status(ctx, dir)
}

func (Git) CommitsSince(ctx context.Context, dir, base, ref string) ([]string, error) {
	return gitutil.CommitsSince(ctx, dir, base, ref)
}

func (Git) ChangedFiles(ctx context.Context, repo, branch, base string) ([]gitutil.FileChange, error) {
	return gitutil.ChangedFiles(ctx, repo, branch, base)
}

// Sandbox is an isolated working copy on its own branch.
type Sandbox struct {
	SpecID string
	Path   string
	Branch string
	Base   string
}

// Manager creates and destroys sandboxes under one root directory.
type Manager struct {
	repo   string
	root   string
	prefix string
	vcs    VCS

	createMu sync.Mutex
}

// NewManager returns a manager for repo keeping sandboxes under root and
// naming branches prefix+id. vcs defaults to Git.
func NewManager(repo, root, prefix string, vcs VCS) *Manager {
	if vcs == nil {
		vcs = Git{}
	}
	return &Manager{repo: repo, root: root, prefix: prefix, vcs: vcs}
}

// Root returns the directory holding every sandbox.
func (m *Manager) Root() string { return m.root }

// Path returns where the sandbox for id lives.
func (m *Manager) Path(id string) string { return filepath.Join(m.root, id) }

// Branch returns the work branch name for id.
func (m *Manager) Branch(id string) string { return m.prefix + id }

// Get returns the sandbox for id if its directory exists.
func (m *Manager) Get(id string) (*Sandbox, bool) {
	path := m.Path(id)
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	sb := &Sandbox{SpecID: id, Path: path, Branch: m.Branch(id)}
	if mk, err := ReadMarker(path); err == nil {
		sb.Base = mk.Base
	}
	return sb, true
}

// Create provisions the sandbox for id branching off base and writes an
// initial working marker. Only one Create runs at a time per manager.
func (m *Manager) Create(ctx context.Context, id, base string) (*Sandbox, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	sb := &Sandbox{SpecID: id, Path: m.Path(id), Branch: m.Branch(id), Base: base}
	if _, err := os.Stat(sb.Path); err == nil {
		return nil, fmt.Errorf("%s: %w at %s", id, ErrExists, sb.Path)
	}
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, err
	}
	if err := m.vcs.WorktreeAdd(ctx, m.repo, sb.Path, sb.Branch, base); err != nil {
		return nil, fmt.Errorf("create sandbox %s: %w", id, err)
	}
	if err := WriteMarker(sb.Path, &Marker{SpecID: id, Status: MarkerWorking, Base: base}); err != nil {
		m.removeTree(ctx, sb.Path)
		return nil, fmt.Errorf("create sandbox %s: %w", id, err)
	}
	slog.Debug("sandbox created", slog.String("spec_id", id), slog.String("path", sb.Path), slog.String("branch", sb.Branch))
	return sb, nil
}

// Destroy removes the worktree and, when deleteBranch is set, its branch.
func (m *Manager) Destroy(ctx context.Context, sb *Sandbox, deleteBranch bool) error {
	var errs []error
	m.removeTree(ctx, sb.Path)
	if _, err := os.Stat(sb.Path); err == nil {
		errs = append(errs, fmt.Errorf("sandbox %s still present at %s", sb.SpecID, sb.Path))
	}
	if deleteBranch && sb.Branch != "" {
		if err := m.vcs.DeleteBranch(ctx, m.repo, sb.Branch, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) removeTree(ctx context.Context, path string) {
	if err := m.vcs.WorktreeRemove(ctx, m.repo, path); err != nil {
		slog.Debug("worktree remove failed, removing directory", slog.String("path", path), slog.Any("error", err))
		os.RemoveAll(path)
		m.vcs.WorktreePrune(ctx, m.repo) //nolint:errcheck
	}
}

// List returns every registered worktree under the sandbox root, sorted by
// spec id.
func (m *Manager) List(ctx context.Context) ([]*Sandbox, error) {
	wts, err := m.vcs.WorktreeList(ctx, m.repo)
	if err != nil {
		return nil, err
	}
	root := resolve(m.root)
	var out []*Sandbox
	for _, wt := range wts {
		path := resolve(wt.Path)
		if !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.Contains(rel, string(filepath.Separator)) {
			continue
		}
		sb := &Sandbox{SpecID: rel, Path: m.Path(rel), Branch: wt.Branch}
		if mk, err := ReadMarker(sb.Path); err == nil {
			sb.Base = mk.Base
		}
		out = append(out, sb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpecID < out[j].SpecID })
	return out, nil
}

// LockInspector classifies the lock of a spec. *lock.Manager satisfies it.
type LockInspector interface {
	Inspect(id string) (lock.Entry, error)
}

// ListOrphans returns sandboxes whose spec is not in progress and whose lock
// is absent or stale.
func (m *Manager) ListOrphans(ctx context.Context, specs []*spec.Spec, locks LockInspector) ([]*Sandbox, error) {
	sbs, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*spec.Spec, len(specs))
	for _, s := range specs {
		byID[s.ID] = s
	}
	var out []*Sandbox
	for _, sb := range sbs {
		if s, ok := byID[sb.SpecID]; ok && s.Status == spec.StatusInProgress {
			continue
		}
		e, err := locks.Inspect(sb.SpecID)
		if err != nil {
			return nil, err
		}
		if e.State == lock.StateHeld {
			continue
		}
		out = append(out, sb)
	}
	return out, nil
}

// Prune drops registrations of worktrees whose directories are gone.
func (m *Manager) Prune(ctx context.Context) error {
	return m.vcs.WorktreePrune(ctx, m.repo)
}

// Status returns the uncommitted changes in the sandbox.
func (m *Manager) Status(ctx context.Context, sb *Sandbox) ([]string, error) {
	return m.vcs.Status(ctx, sb.Path)
}

// Commits lists the commits made on the sandbox branch since base.
func (m *Manager) Commits(ctx context.Context, sb *Sandbox) ([]string, error) {
	return m.vcs.CommitsSince(ctx, sb.Path, sb.Base, "HEAD")
}

// ChangedFiles reports per-file line counts of the branch against base.
func (m *Manager) ChangedFiles(ctx context.Context, sb *Sandbox) ([]gitutil.FileChange, error) {
	return m.vcs.ChangedFiles(ctx, m.repo, sb.Branch, sb.Base)
}

// resolve cleans path and resolves symlinks when possible, so /var and
// /private/var compare equal on macOS.
func resolve(path string) string {
	if r, err := filepath.EvalSymlinks(path); err == nil {
		return r
	}
	return filepath.Clean(path)
}
