package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ilocn/specwork/internal/agent"
	"github.com/ilocn/specwork/internal/graph"
	"github.com/ilocn/specwork/internal/lifecycle"
	"github.com/ilocn/specwork/internal/lock"
	"github.com/ilocn/specwork/internal/logbuf"
	"github.com/ilocn/specwork/internal/sandbox"
	"github.com/ilocn/specwork/internal/spec"
	"github.com/ilocn/specwork/internal/tracing"
)

// Run modes, used as the metrics label.
const (
	modeSingle   = "single"
	modeChain    = "chain"
	modeParallel = "parallel"
)

// RunSingle executes one spec. The returned error is set only when the spec
// did not run (not ready, locked, bad configuration); a spec that ran and
// failed is reported through the Outcome.
func (e *Engine) RunSingle(ctx context.Context, id string, opts Options) (Outcome, error) {
	g, err := e.runGraph()
	if err != nil {
		return Outcome{SpecID: id}, err
	}
	s := g.Get(id)
	if s == nil {
		return Outcome{SpecID: id}, fmt.Errorf("%s: %w", id, spec.ErrNotFound)
	}
	if g.Index().IsDriver(id) {
		return Outcome{SpecID: id, Status: s.Status}, &NotReadyError{ID: id, Status: s.Status, Detail: "driver specs complete through their members"}
	}
	return e.execute(ctx, g, s, opts, modeSingle)
}

// RunChain executes ready specs one at a time in id order, re-reading the
// graph after each so newly unblocked specs are picked up. It stops at the
// first spec that fails; specs that cannot start are skipped.
func (e *Engine) RunChain(ctx context.Context, opts Options) (Report, error) {
	var rep Report
	attempted := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if opts.MaxSpecs > 0 && rep.started() >= opts.MaxSpecs {
			break
		}
		g, err := e.runGraph()
		if err != nil {
			return rep, err
		}
		cands := e.candidates(g, opts, attempted)
		if len(cands) == 0 {
			break
		}
		s := cands[0]
		attempted[s.ID] = true

		o, err := e.execute(ctx, g, s, opts, modeChain)
		if err != nil && o.Err == nil {
			o.Err = err
		}
		if err != nil && notStarted(err) {
			o.Skipped = true
			slog.Info("spec skipped", slog.String("spec_id", s.ID), slog.Any("reason", err))
		}
		rep.Outcomes = append(rep.Outcomes, o)
		if Fatal(err) {
			return rep, err
		}
		if o.Failed() {
			slog.Warn("chain stopped", slog.String("spec_id", s.ID), slog.Any("error", o.Err))
			break
		}
	}
	if rep.started() == 0 {
		return rep, ErrNothingToDo
	}
	return rep, nil
}

// RunParallel executes ready specs in waves. Each wave takes up to
// Concurrency specs from one readiness snapshot and runs them together; the
// next wave is computed only after every spec in the current one has
// finalized. A failure never cancels its siblings.
func (e *Engine) RunParallel(ctx context.Context, opts Options) (Report, error) {
	n := opts.Concurrency
	if n <= 0 {
		n = e.Parallel.Max
	}
	n = max(n, 1)
	maxWaves := opts.MaxWaves
	if maxWaves <= 0 {
		maxWaves = e.Parallel.MaxWaves
	}

	var rep Report
	attempted := make(map[string]bool)
	for maxWaves <= 0 || rep.Waves < maxWaves {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		g, err := e.runGraph()
		if err != nil {
			return rep, err
		}
		cands := e.candidates(g, opts, attempted)
		if len(cands) == 0 {
			break
		}
		if len(cands) > n {
			cands = cands[:n]
		}
		rep.Waves++
		slog.Info("wave started", slog.Int("wave", rep.Waves), slog.Int("specs", len(cands)))

		var (
			mu    sync.Mutex
			wave  []Outcome
			fatal error
			eg    errgroup.Group
		)
		eg.SetLimit(n)
		for _, s := range cands {
			attempted[s.ID] = true
			eg.Go(func() error {
				o, err := e.execute(ctx, g, s, opts, modeParallel)
				if err != nil && o.Err == nil {
					o.Err = err
				}
				if err != nil && notStarted(err) {
					o.Skipped = true
				}
				mu.Lock()
				defer mu.Unlock()
				wave = append(wave, o)
				if Fatal(err) && fatal == nil {
					fatal = err
				}
				return nil
			})
		}
		eg.Wait() //nolint:errcheck
		sort.Slice(wave, func(i, j int) bool { return wave[i].SpecID < wave[j].SpecID })
		rep.Outcomes = append(rep.Outcomes, wave...)
		if fatal != nil {
			return rep, fatal
		}
	}
	if rep.started() == 0 {
		return rep, ErrNothingToDo
	}
	return rep, nil
}

// validateReady checks s against the graph snapshot without side effects.
func (e *Engine) validateReady(g *graph.Graph, s *spec.Spec, opts Options) error {
	if s.Status != spec.StatusPending {
		nr := &NotReadyError{ID: s.ID, Status: s.Status}
		if s.Status == spec.StatusBlocked {
			nr.Readiness = g.Readiness(s.ID)
		}
		return nr
	}
	r := g.Readiness(s.ID)
	if r.Kind == graph.Ready {
		return nil
	}
	if opts.SkipDeps && r.Reason == "" {
		return nil
	}
	return &NotReadyError{ID: s.ID, Status: s.Status, Readiness: r}
}

// execute runs the shared template: validate, lock, transition, provision,
// invoke, await and finalize.
func (e *Engine) execute(ctx context.Context, g *graph.Graph, s *spec.Spec, opts Options, mode string) (out Outcome, err error) {
	ctx, span := tracing.Start(ctx, "engine.execute", s.ID)
	defer span.End()
	out = Outcome{SpecID: s.ID, Status: s.Status}
	defer func() {
		e.Metrics.Runs.WithLabelValues(mode, runOutcome(out, err)).Inc()
	}()

	if err := e.validateReady(g, s, opts); err != nil {
		return out, err
	}
	doc, err := e.loadPrompt(s)
	if err != nil {
		return out, err
	}

	h, err := e.acquire(s.ID)
	if err != nil {
		return out, err
	}

	pre := []lifecycle.Precondition{lifecycle.ApprovalGranted()}
	if !opts.SkipDeps {
		pre = append(pre, lifecycle.DependenciesCompleted(g))
	}
	branch := e.Sandboxes.Branch(s.ID)
	cur, err := lifecycle.ApplyFunc(e.Store, s.ID, spec.StatusInProgress, func(n *spec.Spec) {
		n.Branch = branch
	}, pre...)
	if err != nil {
		e.release(h)
		return out, err
	}
	out.Status = cur.Status
	e.Metrics.Transitions.WithLabelValues(string(spec.StatusPending), string(spec.StatusInProgress)).Inc()
	slog.Info("spec started", slog.String("spec_id", s.ID), slog.String("branch", branch), slog.Int("attempt", cur.RetryCount+1))
	e.startDriver(g, s.ID)

	sb, err := e.provision(ctx, cur)
	if err != nil {
		return e.abort(ctx, h, cur, nil, fmt.Errorf("provisioning sandbox: %w", err)), nil
	}

	model := e.model(opts)
	if doc.Model != "" && opts.Model == "" {
		model = doc.Model
	}
	attempt := cur.RetryCount + 1
	logFile, err := e.openLog(s.ID)
	if err != nil {
		return e.abort(ctx, h, cur, sb, err), nil
	}
	tail := logbuf.New(max(e.TailLines, 1))
	var w io.Writer = io.MultiWriter(logFile, tail)
	if opts.Detach {
		w = logFile
	}
	inv := agent.Invocation{
		SpecID:     s.ID,
		Sandbox:    sb.Path,
		SpecFile:   sandbox.SpecCopyPath(sb.Path),
		StatusFile: sandbox.MarkerPath(sb.Path),
		Workspace:  e.Root,
		Attempt:    attempt,
		Model:      model,
		MaxTurns:   doc.MaxTurns,
		Output:     w,
		Prompt: agent.Render(doc, agent.PromptContext{
			Spec:     cur,
			SpecFile: sandbox.SpecCopyPath(sb.Path),
			Sandbox:  sb.Path,
			Branch:   sb.Branch,
			Attempt:  attempt,
		}),
	}
	proc, err := agent.Start(e.provider(opts), inv)
	if err != nil {
		logFile.Close()
		o := e.abort(ctx, h, cur, sb, err)
		return o, err
	}
	slog.Debug("agent started", slog.String("spec_id", s.ID), slog.Int("pid", proc.PID()), slog.Bool("detached", opts.Detach))

	if opts.Detach {
		derr := e.Locks.Detach(h, proc.PID())
		proc.Release() //nolint:errcheck
		logFile.Close()
		if derr != nil {
			return out, fmt.Errorf("detaching %s: %w", s.ID, derr)
		}
		out.Detached = true
		out.AgentPID = proc.PID()
		return out, nil
	}

	if err := e.Locks.SetAgent(h, proc.PID()); err != nil {
		slog.Warn("recording agent pid", slog.String("spec_id", s.ID), slog.Any("error", err))
	}
	res := proc.Wait(ctx, e.AgentTimeout)
	logFile.Close()
	e.Metrics.AgentDuration.Observe(res.Duration.Seconds())
	e.awaitCompletion(sb, res, tail)

	fopts := opts.finalize()
	fopts.Model = model
	return e.finalize(context.WithoutCancel(ctx), s.ID, h, fopts)
}

// loadPrompt resolves the prompt document before anything is changed.
// Documentation and research specs use the documentation prompt when one is
// available.
func (e *Engine) loadPrompt(s *spec.Spec) (*agent.Doc, error) {
	name := e.Prompt
	if name == "" {
		name = "standard"
	}
	if s.EffectiveKind().TracksDrift() {
		if doc, err := agent.LoadDoc(e.PromptsDir, "documentation"); err == nil {
			return doc, nil
		}
	}
	doc, err := agent.LoadDoc(e.PromptsDir, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return doc, nil
}

// acquire takes the spec lock, reclaiming a stale one when configured to.
func (e *Engine) acquire(id string) (*lock.Handle, error) {
	h, err := e.Locks.AcquireOrReclaim(id, e.Reclaim)
	if err == nil {
		return h, nil
	}
	var locked *lock.AlreadyLockedError
	var stale *lock.StaleLockError
	switch {
	case errors.As(err, &locked):
		e.Metrics.LockConflicts.WithLabelValues(string(lock.StateHeld)).Inc()
	case errors.As(err, &stale):
		e.Metrics.LockConflicts.WithLabelValues(string(lock.StateStale)).Inc()
	}
	return nil, err
}

func (e *Engine) release(h *lock.Handle) {
	if h == nil {
		return
	}
	if err := h.Release(); err != nil {
		slog.Warn("releasing lock", slog.String("spec_id", h.SpecID()), slog.Any("error", err))
	}
}

// provision replaces any leftover sandbox and creates a fresh one holding a
// copy of the record for the agent.
func (e *Engine) provision(ctx context.Context, s *spec.Spec) (*sandbox.Sandbox, error) {
	if old, ok := e.Sandboxes.Get(s.ID); ok {
		slog.Info("removing leftover sandbox", slog.String("spec_id", s.ID), slog.String("path", old.Path))
		if err := e.Sandboxes.Destroy(ctx, old, false); err != nil {
			return nil, err
		}
	}
	sb, err := e.Sandboxes.Create(ctx, s.ID, e.Base)
	if err != nil {
		return nil, err
	}
	if err := sandbox.WriteSpecCopy(sb.Path, s); err != nil {
		e.Sandboxes.Destroy(ctx, sb, false) //nolint:errcheck
		return nil, err
	}
	return sb, nil
}

func (e *Engine) openLog(id string) (*os.File, error) {
	if err := os.MkdirAll(e.LogsDir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(e.LogsDir, id+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// abort fails an in-progress spec that never reached its agent, removes its
// sandbox and releases the lock.
func (e *Engine) abort(ctx context.Context, h *lock.Handle, cur *spec.Spec, sb *sandbox.Sandbox, cause error) Outcome {
	out := Outcome{SpecID: cur.ID, Status: cur.Status, Err: cause}
	if next, err := e.fail(cur, cur.Version, cause); err != nil {
		slog.Error("recording failure", slog.String("spec_id", cur.ID), slog.Any("error", err))
	} else {
		out.Status = next.Status
	}
	if sb != nil {
		if err := e.Sandboxes.Destroy(ctx, sb, false); err != nil {
			slog.Warn("removing sandbox", slog.String("spec_id", cur.ID), slog.Any("error", err))
		}
	}
	e.release(h)
	return out
}

// fail transitions a record to failed, counting the attempt and keeping the
// cause. expect is the on-disk version the record was derived from.
func (e *Engine) fail(s *spec.Spec, expect int64, cause error) (*spec.Spec, error) {
	next, err := lifecycle.Transition(s, spec.StatusFailed)
	if err != nil {
		return nil, err
	}
	next.Version = expect + 1
	next.RetryCount = s.RetryCount + 1
	next.LastError = cause.Error()
	next.NextRetryAt = nil
	if err := e.Store.Replace(next, expect); err != nil {
		return nil, err
	}
	e.Metrics.Transitions.WithLabelValues(string(s.Status), string(spec.StatusFailed)).Inc()
	slog.Warn("spec failed", slog.String("spec_id", s.ID), slog.Int("retry_count", next.RetryCount), slog.Any("error", cause))
	return next, nil
}

// startDriver moves a pending driver to in_progress when its first member
// starts.
func (e *Engine) startDriver(g *graph.Graph, id string) {
	d, ok := g.Index().DriverOf(id)
	if !ok {
		return
	}
	if _, err := lifecycle.Apply(e.Store, d, spec.StatusInProgress); err != nil {
		if !errors.Is(err, lifecycle.ErrIllegalTransition) {
			slog.Debug("starting driver", slog.String("spec_id", d), slog.Any("error", err))
		}
		return
	}
	e.Metrics.Transitions.WithLabelValues(string(spec.StatusPending), string(spec.StatusInProgress)).Inc()
	slog.Info("driver started", slog.String("spec_id", d), slog.String("member", id))
}

// awaitCompletion turns the agent's exit into a terminal marker unless the
// agent already reported one. A non-zero exit always marks failure.
func (e *Engine) awaitCompletion(sb *sandbox.Sandbox, res agent.Result, tail *logbuf.LogBuf) {
	code := res.ExitCode
	_, err := sandbox.UpdateMarker(sb.Path, func(m *sandbox.Marker) {
		m.SpecID = sb.SpecID
		if m.Base == "" {
			m.Base = sb.Base
		}
		m.ExitCode = &code
		if res.Success() {
			if !m.Terminal() {
				m.Status = sandbox.MarkerDone
			}
			return
		}
		m.Status = sandbox.MarkerFailed
		m.Error = failureReason(res, tail, e.TailLines)
	})
	if err != nil {
		slog.Warn("writing status marker", slog.String("spec_id", sb.SpecID), slog.Any("error", err))
	}
}

func failureReason(res agent.Result, tail *logbuf.LogBuf, n int) string {
	reason := fmt.Sprintf("agent exited with code %d", res.ExitCode)
	if res.Err != nil {
		reason = res.Err.Error()
	}
	if t := strings.TrimSpace(tail.Tail(n)); t != "" {
		reason += "\n" + t
	}
	return reason
}

func runOutcome(o Outcome, err error) string {
	switch {
	case o.Skipped, err != nil && o.Status == spec.StatusPending:
		return "skipped"
	case o.Detached:
		return "detached"
	case o.Status == spec.StatusCompleted:
		return "completed"
	}
	return "failed"
}
