// Package engine drives specs through execution: it validates readiness,
// takes the spec's lock, provisions a sandbox, runs the agent, and finalizes
// the outcome back into the spec store and the base branch. Single, chain
// and parallel runs all share the same steps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ilocn/specwork/internal/agent"
	"github.com/ilocn/specwork/internal/config"
	"github.com/ilocn/specwork/internal/gitutil"
	"github.com/ilocn/specwork/internal/graph"
	"github.com/ilocn/specwork/internal/lifecycle"
	"github.com/ilocn/specwork/internal/lock"
	"github.com/ilocn/specwork/internal/merge"
	"github.com/ilocn/specwork/internal/metrics"
	"github.com/ilocn/specwork/internal/sandbox"
	"github.com/ilocn/specwork/internal/spec"
	"github.com/ilocn/specwork/internal/workspace"
)

var (
	// ErrNotReady is wrapped by NotReadyError.
	ErrNotReady = errors.New("spec is not ready")
	// ErrNothingToDo is returned by chain and parallel runs that find no
	// ready spec.
	ErrNothingToDo = errors.New("no ready specs")
	// ErrStillRunning is returned by Finalize while the agent is alive and
	// has not reported.
	ErrStillRunning = errors.New("agent is still running")
	// ErrNoSandbox is returned by Finalize for a spec without a sandbox.
	ErrNoSandbox = errors.New("no sandbox")
	// ErrConfig marks errors caused by workspace configuration rather than
	// by a spec.
	ErrConfig = errors.New("configuration error")
)

// Fatal reports errors that should stop a chain or parallel run and that
// callers surface as configuration failures.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfig) || errors.Is(err, agent.ErrAgentUnstartable)
}

// NotReadyError explains why a spec cannot start.
type NotReadyError struct {
	ID        string
	Status    spec.Status
	Readiness graph.Readiness
	Detail    string
}

func (e *NotReadyError) Error() string {
	switch {
	case e.Detail != "":
		return fmt.Sprintf("spec %s is not ready: %s", e.ID, e.Detail)
	case len(e.Readiness.Unmet) > 0:
		return fmt.Sprintf("spec %s is blocked by %s", e.ID, strings.Join(e.Readiness.Unmet, ", "))
	case e.Readiness.Reason != "":
		return fmt.Sprintf("spec %s is blocked: %s", e.ID, e.Readiness.Reason)
	}
	return fmt.Sprintf("spec %s is %s, not pending", e.ID, e.Status)
}

func (e *NotReadyError) Unwrap() error { return ErrNotReady }

// Options control a run.
type Options struct {
	// IDs restricts chain and parallel runs to these specs.
	IDs []string
	// Labels restricts chain and parallel runs to specs carrying any label.
	Labels         []string
	SkipDeps       bool
	SkipCriteria   bool
	AllowNoCommits bool
	// MaxSpecs caps how many specs a chain run starts (0 = no cap).
	MaxSpecs    int
	Concurrency int
	MaxWaves    int
	// NoMerge keeps completed work on its branch for a later MergeBack.
	NoMerge bool
	// Detach returns once the agent is started; the observer finalizes.
	Detach   bool
	Provider agent.Provider
	Model    string
}

func (o Options) finalize() FinalizeOptions {
	return FinalizeOptions{SkipCriteria: o.SkipCriteria, AllowNoCommits: o.AllowNoCommits, NoMerge: o.NoMerge}
}

// Outcome is the result of one spec execution.
type Outcome struct {
	SpecID   string
	Status   spec.Status
	Detached bool
	AgentPID int
	Commits  []string
	Changes  []merge.FieldChange
	// Skipped is set when a chain or parallel run passed over the spec
	// without starting it (not ready, or locked by another run).
	Skipped bool
	// Err is the reason a spec failed or could not start.
	Err error
}

// Failed reports an outcome that was started and did not complete or
// detach.
func (o Outcome) Failed() bool {
	return !o.Detached && !o.Skipped && o.Status != spec.StatusCompleted
}

// notStarted reports readiness and lock errors: the spec was left untouched
// and may be picked up by a later run.
func notStarted(err error) bool {
	return errors.Is(err, ErrNotReady) ||
		errors.Is(err, lock.ErrLocked) ||
		errors.Is(err, lock.ErrStale) ||
		errors.Is(err, lifecycle.ErrPrecondition)
}

// Report collects the outcomes of a chain or parallel run.
type Report struct {
	Outcomes []Outcome
	Waves    int
}

// Failed returns the outcomes that did not succeed.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// Skipped returns the outcomes of specs that were passed over.
func (r Report) Skipped() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Skipped {
			out = append(out, o)
		}
	}
	return out
}

func (r Report) started() int {
	return len(r.Outcomes) - len(r.Skipped())
}

// Err joins the errors of failed outcomes.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.SpecID, o.Err))
		} else {
			errs = append(errs, fmt.Errorf("%s: %s", o.SpecID, o.Status))
		}
	}
	return errors.Join(errs...)
}

// Engine holds the collaborators every step needs. Fields are exported so
// tests and commands can swap parts.
type Engine struct {
	Root       string
	Base       string
	PromptsDir string
	LogsDir    string
	LocksDir   string

	Store     *spec.Store
	Locks     *lock.Manager
	Sandboxes *sandbox.Manager
	Resolver  graph.Resolver
	Provider  agent.Provider
	Metrics   *metrics.Metrics

	Prompt       string
	Model        string
	AgentTimeout time.Duration
	Reclaim      bool
	// TailLines bounds the agent output kept for last_error.
	TailLines int
	Parallel  config.ParallelConfig
	Now       func() time.Time

	mu    sync.Mutex
	bases map[string]*sync.Mutex
}

// New wires an Engine for ws from its config.
func New(ctx context.Context, ws *workspace.Workspace) (*Engine, error) {
	cfg := ws.Config
	provider, err := agent.NewProvider(cfg.Agent)
	if err != nil {
		return nil, err
	}
	return &Engine{
		Root:         ws.Root,
		Base:         ws.BaseBranch(gitutil.DefaultBranch(ctx, ws.Root)),
		PromptsDir:   ws.PromptsDir(),
		LogsDir:      ws.LogsDir(),
		LocksDir:     ws.LocksDir(),
		Store:        spec.NewStore(ws.SpecsDir()),
		Locks:        lock.NewManager(lock.NewFileStore(ws.LocksDir()), nil),
		Sandboxes:    sandbox.NewManager(ws.Root, ws.WorktreesDir(), cfg.BranchPrefix, nil),
		Resolver:     graph.NewRepoResolver(cfg.Repos),
		Provider:     provider,
		Metrics:      metrics.New(),
		Prompt:       cfg.Agent.Prompt,
		Model:        cfg.Agent.Model,
		AgentTimeout: cfg.Agent.Timeout,
		Reclaim:      cfg.Locks.Stale == config.StaleReclaim,
		TailLines:    40,
		Parallel:     cfg.Parallel,
		Now:          time.Now,
	}, nil
}

// Graph loads every spec and builds a fresh dependency graph.
func (e *Engine) Graph() (*graph.Graph, error) {
	specs, err := e.Store.List()
	if err != nil {
		return nil, err
	}
	return graph.Build(specs, e.Resolver), nil
}

// runGraph is Graph for the run strategies: a graph with a dependency cycle
// is rejected before any lock is taken.
func (e *Engine) runGraph() (*graph.Graph, error) {
	g, err := e.Graph()
	if err != nil {
		return nil, err
	}
	if err := g.CheckCycles(); err != nil {
		return nil, fmt.Errorf("refusing to run: %w", err)
	}
	return g, nil
}

// graphWith builds the graph with s in place of its stored record.
func (e *Engine) graphWith(s *spec.Spec) (*graph.Graph, error) {
	specs, err := e.Store.List()
	if err != nil {
		return nil, err
	}
	for i, cur := range specs {
		if cur.ID == s.ID {
			specs[i] = s
		}
	}
	return graph.Build(specs, e.Resolver), nil
}

// candidates returns the ready specs a chain or parallel run may start,
// sorted by id. Drivers with members never run an agent of their own.
func (e *Engine) candidates(g *graph.Graph, opts Options, exclude map[string]bool) []*spec.Spec {
	var out []*spec.Spec
	for _, s := range g.Ready() {
		switch {
		case exclude[s.ID]:
		case g.Index().IsDriver(s.ID):
		case len(opts.IDs) > 0 && !slices.Contains(opts.IDs, s.ID):
		case len(opts.Labels) > 0 && !slices.ContainsFunc(opts.Labels, s.HasLabel):
		default:
			out = append(out, s)
		}
	}
	return out
}

// withBase serializes fn per base branch, within this process through a
// mutex and across processes through an flock in the locks directory.
func (e *Engine) withBase(base string, fn func() error) error {
	e.mu.Lock()
	if e.bases == nil {
		e.bases = make(map[string]*sync.Mutex)
	}
	mu, ok := e.bases[base]
	if !ok {
		mu = &sync.Mutex{}
		e.bases[base] = mu
	}
	e.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(e.LocksDir, 0755); err != nil {
		return err
	}
	name := "finalize-" + strings.ReplaceAll(base, "/", "_") + ".mutex"
	f, err := os.OpenFile(filepath.Join(e.LocksDir, name), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking base %s: %w", base, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck
	return fn()
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) provider(opts Options) agent.Provider {
	if opts.Provider != nil {
		return opts.Provider
	}
	return e.Provider
}

func (e *Engine) model(opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	if e.Model != "" {
		return e.Model
	}
	if p := e.provider(opts); p != nil {
		return p.Name()
	}
	return ""
}
