package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ilocn/specwork/internal/gitutil"
	"github.com/ilocn/specwork/internal/lifecycle"
	"github.com/ilocn/specwork/internal/lock"
	"github.com/ilocn/specwork/internal/merge"
	"github.com/ilocn/specwork/internal/sandbox"
	"github.com/ilocn/specwork/internal/spec"
	"github.com/ilocn/specwork/internal/tracing"
)

// AutoCompletedModel is recorded as the model of a driver completed by its
// last member.
const AutoCompletedModel = "auto-completed"

// FinalizeOptions relax the completion checks.
type FinalizeOptions struct {
	SkipCriteria   bool
	AllowNoCommits bool
	NoMerge        bool
	// Model is recorded on completion; empty keeps the record's value.
	Model string
}

// Finalize settles a spec whose agent has finished. It takes over the lock
// (refusing while an attached run or a live unreported agent holds it) and
// does not depend on the process that launched the agent.
func (e *Engine) Finalize(ctx context.Context, id string, opts FinalizeOptions) (Outcome, error) {
	entry, err := e.Locks.Inspect(id)
	if err != nil {
		return Outcome{SpecID: id}, err
	}
	if entry.State == lock.StateHeld {
		sb, ok := e.Sandboxes.Get(id)
		if !ok {
			return Outcome{SpecID: id}, fmt.Errorf("%s: %w", id, ErrNoSandbox)
		}
		mk, _ := sandbox.ReadMarker(sb.Path)
		if mk == nil || !mk.Terminal() {
			return Outcome{SpecID: id}, fmt.Errorf("%s: %w (pid %d)", id, ErrStillRunning, entry.Info.OwnerPID())
		}
		if !entry.Info.Detached && entry.Info.PID != e.Locks.PID {
			return Outcome{SpecID: id}, &lock.AlreadyLockedError{Holder: entry.Info}
		}
	}
	h, err := e.Locks.Takeover(id)
	if err != nil {
		return Outcome{SpecID: id}, err
	}
	return e.finalize(ctx, id, h, opts)
}

// finalize runs under the per-base lock and always releases h.
func (e *Engine) finalize(ctx context.Context, id string, h *lock.Handle, opts FinalizeOptions) (Outcome, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "engine.finalize", id)
	defer span.End()
	defer e.release(h)

	out := Outcome{SpecID: id}
	sb, ok := e.Sandboxes.Get(id)
	if !ok {
		return out, fmt.Errorf("%s: %w", id, ErrNoSandbox)
	}
	if sb.Base == "" {
		sb.Base = e.Base
	}

	err := e.withBase(sb.Base, func() error {
		var err error
		out, err = e.settle(ctx, sb, opts)
		if err != nil {
			return err
		}
		if out.Status != spec.StatusCompleted && out.Status != spec.StatusFailed {
			return nil
		}
		deleteBranch := out.Status == spec.StatusCompleted && !opts.NoMerge
		if err := e.Sandboxes.Destroy(ctx, sb, deleteBranch); err != nil {
			slog.Warn("removing sandbox", slog.String("spec_id", id), slog.Any("error", err))
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	e.Metrics.ObserveFinalize(string(out.Status), start)
	if out.Status == spec.StatusCompleted {
		e.completeDriver(id)
		// Dependents waiting on id become runnable.
		changes, err := e.Reconcile()
		if err != nil {
			slog.Debug("reconcile after completion", slog.String("spec_id", id), slog.Any("error", err))
		}
		for _, c := range changes {
			slog.Info("spec status reconciled", slog.String("spec_id", c.ID), slog.String("to", string(c.To)))
		}
	}
	return out, nil
}

// settle merges the agent's record, checks completion and merges the work.
// Spec-level problems fail the spec; an error is returned only when the
// spec could not be settled at all and is left in progress.
func (e *Engine) settle(ctx context.Context, sb *sandbox.Sandbox, opts FinalizeOptions) (Outcome, error) {
	id := sb.SpecID
	out := Outcome{SpecID: id}
	cur, err := e.Store.Load(id)
	if err != nil {
		return out, err
	}
	out.Status = cur.Status
	if cur.Status != spec.StatusInProgress {
		return out, &NotReadyError{ID: id, Status: cur.Status, Detail: "only in_progress specs can be finalized"}
	}

	merged := cur
	if cp, err := sandbox.ReadSpecCopy(sb.Path, id); err == nil {
		res := merge.Merge(cur, cp)
		merged = res.Spec
		merged.Status = spec.StatusInProgress
		merged.Version = cur.Version
		out.Changes = res.Changes
	} else {
		slog.Debug("no spec copy in sandbox", slog.String("spec_id", id), slog.Any("error", err))
	}

	failWith := func(cause error) (Outcome, error) {
		next, err := e.fail(merged, cur.Version, cause)
		if err != nil {
			return out, err
		}
		out.Status = next.Status
		out.Err = cause
		return out, nil
	}

	mk, err := sandbox.ReadMarker(sb.Path)
	switch {
	case err != nil:
		return failWith(fmt.Errorf("reading status marker: %w", err))
	case mk.Status == sandbox.MarkerFailed:
		reason := mk.Error
		if reason == "" {
			reason = "agent reported failure"
		}
		return failWith(errors.New(reason))
	case !mk.Terminal():
		return failWith(errors.New("agent exited without reporting a status"))
	}

	commits, err := e.Sandboxes.Commits(ctx, sb)
	if err != nil {
		return out, fmt.Errorf("listing commits of %s: %w", sb.Branch, err)
	}
	// Dependencies the agent added to its copy count too.
	g, err := e.graphWith(merged)
	if err != nil {
		return out, err
	}
	pre := []lifecycle.Precondition{
		lifecycle.CleanTree(func() ([]string, error) { return e.Sandboxes.Status(ctx, sb) }),
		lifecycle.DependenciesCompleted(g),
	}
	if !opts.SkipCriteria {
		pre = append(pre, lifecycle.CriteriaChecked())
	}
	if !opts.AllowNoCommits {
		pre = append(pre, lifecycle.HasCommits(func() (int, error) { return len(commits), nil }))
	}
	next, err := lifecycle.Transition(merged, spec.StatusCompleted, pre...)
	if err != nil {
		return failWith(err)
	}

	if !opts.NoMerge && len(commits) > 0 {
		if err := e.mergeBranch(ctx, sb.Branch, sb.Base, id); err != nil {
			if errors.Is(err, gitutil.ErrMergeConflict) {
				return failWith(err)
			}
			return out, err
		}
	}

	next.Version = cur.Version + 1
	next.Commits = appendMissing(next.Commits, commits)
	next.CompletedAt = spec.TimePtr(e.now())
	if opts.Model != "" {
		next.Model = opts.Model
	}
	next.LastError = ""
	next.NextRetryAt = nil
	if err := e.Store.Replace(next, cur.Version); err != nil {
		return out, err
	}
	e.Metrics.Transitions.WithLabelValues(string(spec.StatusInProgress), string(spec.StatusCompleted)).Inc()
	slog.Info("spec completed", slog.String("spec_id", id), slog.Int("commits", len(commits)), slog.Bool("merged", !opts.NoMerge && len(commits) > 0))
	out.Status = next.Status
	out.Commits = commits
	return out, nil
}

// mergeBranch merges branch into base in the main checkout, which must have
// base checked out.
func (e *Engine) mergeBranch(ctx context.Context, branch, base, id string) error {
	current, err := gitutil.CurrentBranch(ctx, e.Root)
	if err != nil {
		return err
	}
	if current != base {
		return fmt.Errorf("%w: %s has %s checked out, not base branch %s", ErrConfig, e.Root, current, base)
	}
	conflicts, err := gitutil.MergeConflicts(ctx, e.Root, base, branch)
	switch {
	case err != nil:
		slog.Debug("merge pre-check unavailable", slog.String("branch", branch), slog.Any("error", err))
	case len(conflicts) > 0:
		return fmt.Errorf("%w: %s conflicts with %s in %s", gitutil.ErrMergeConflict, branch, base, strings.Join(conflicts, ", "))
	}
	return gitutil.Merge(ctx, e.Root, branch, fmt.Sprintf("Merge %s (spec %s)", branch, id))
}

// completeDriver completes the driver of id once its last member is done.
func (e *Engine) completeDriver(id string) {
	g, err := e.Graph()
	if err != nil {
		slog.Warn("loading specs", slog.Any("error", err))
		return
	}
	d, ok := g.Index().DriverOf(id)
	if !ok {
		return
	}
	drv := g.Get(d)
	if drv == nil || drv.Status == spec.StatusCompleted {
		return
	}
	if drv.Status == spec.StatusPending {
		if _, err := lifecycle.Apply(e.Store, d, spec.StatusInProgress); err != nil {
			slog.Debug("starting driver", slog.String("spec_id", d), slog.Any("error", err))
			return
		}
	}
	_, err = lifecycle.ApplyFunc(e.Store, d, spec.StatusCompleted, func(n *spec.Spec) {
		n.CompletedAt = spec.TimePtr(e.now())
		n.Model = AutoCompletedModel
	}, lifecycle.MembersCompleted(g.Index()))
	if err != nil {
		if !errors.Is(err, lifecycle.ErrPrecondition) {
			slog.Warn("completing driver", slog.String("spec_id", d), slog.Any("error", err))
		}
		return
	}
	e.Metrics.Transitions.WithLabelValues(string(spec.StatusInProgress), string(spec.StatusCompleted)).Inc()
	slog.Info("driver completed", slog.String("spec_id", d), slog.String("last_member", id))
}

func appendMissing(dst, src []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range src {
		if !seen[v] {
			dst = append(dst, v)
			seen[v] = true
		}
	}
	return dst
}
