package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ilocn/specwork/internal/gitutil"
	"github.com/ilocn/specwork/internal/graph"
	"github.com/ilocn/specwork/internal/lifecycle"
	"github.com/ilocn/specwork/internal/lock"
	"github.com/ilocn/specwork/internal/spec"
)

// Verification statuses accepted by Verify.
const (
	VerifyPassed  = "passed"
	VerifyFailed  = "failed"
	VerifyPartial = "partial"
)

// MergeBack merges the kept branches of completed specs into the base
// branch. With no ids it takes every completed spec whose branch still has
// unmerged commits. Merged branches are deleted.
func (e *Engine) MergeBack(ctx context.Context, ids []string) (Report, error) {
	var rep Report
	if len(ids) == 0 {
		specs, err := e.Store.List()
		if err != nil {
			return rep, err
		}
		for _, s := range specs {
			if s.Status == spec.StatusCompleted && s.Branch != "" && gitutil.BranchExists(ctx, e.Root, s.Branch) {
				ids = append(ids, s.ID)
			}
		}
	}
	if len(ids) == 0 {
		return rep, ErrNothingToDo
	}
	err := e.withBase(e.Base, func() error {
		for _, id := range ids {
			o, err := e.mergeBack(ctx, id)
			if err != nil && o.Err == nil {
				o.Err = err
			}
			rep.Outcomes = append(rep.Outcomes, o)
			if errors.Is(err, ErrConfig) {
				return err
			}
		}
		return nil
	})
	return rep, err
}

func (e *Engine) mergeBack(ctx context.Context, id string) (Outcome, error) {
	out := Outcome{SpecID: id}
	s, err := e.Store.Load(id)
	if err != nil {
		return out, err
	}
	out.Status = s.Status
	if s.Status != spec.StatusCompleted {
		return out, &NotReadyError{ID: id, Status: s.Status, Detail: "only completed specs can be merged"}
	}
	branch := s.Branch
	if branch == "" {
		branch = e.Sandboxes.Branch(id)
	}
	if !gitutil.BranchExists(ctx, e.Root, branch) {
		return out, fmt.Errorf("%s: branch %s does not exist", id, branch)
	}
	commits, err := gitutil.CommitsSince(ctx, e.Root, e.Base, branch)
	if err != nil {
		return out, err
	}
	if len(commits) > 0 {
		if err := e.mergeBranch(ctx, branch, e.Base, id); err != nil {
			return out, err
		}
		slog.Info("branch merged", slog.String("spec_id", id), slog.String("branch", branch), slog.Int("commits", len(commits)))
	}
	out.Commits = commits
	if err := gitutil.DeleteBranch(ctx, e.Root, branch, false); err != nil {
		slog.Warn("deleting merged branch", slog.String("branch", branch), slog.Any("error", err))
	}
	return out, nil
}

// Reset returns a failed spec to pending, or to blocked when its
// dependencies are no longer met, and discards its sandbox and branch.
func (e *Engine) Reset(ctx context.Context, id string) (*spec.Spec, error) {
	if err := e.requireUnlocked(id); err != nil {
		return nil, err
	}
	s, err := lifecycle.ApplyFunc(e.Store, id, spec.StatusPending, func(n *spec.Spec) {
		n.NextRetryAt = nil
	})
	if err != nil {
		return nil, err
	}
	e.Metrics.Transitions.WithLabelValues(string(spec.StatusFailed), string(spec.StatusPending)).Inc()
	e.discard(ctx, id)

	g, err := e.Graph()
	if err != nil {
		return s, err
	}
	if unmet := g.UnmetDependencies(id); len(unmet) > 0 {
		s, err = lifecycle.Apply(e.Store, id, spec.StatusBlocked)
		if err != nil {
			return nil, err
		}
		e.Metrics.Transitions.WithLabelValues(string(spec.StatusPending), string(spec.StatusBlocked)).Inc()
	}
	slog.Info("spec reset", slog.String("spec_id", id), slog.String("status", string(s.Status)))
	return s, nil
}

// Cancel moves a spec to cancelled. Running specs cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) (*spec.Spec, error) {
	if err := e.requireUnlocked(id); err != nil {
		return nil, err
	}
	cur, err := e.Store.Load(id)
	if err != nil {
		return nil, err
	}
	s, err := lifecycle.Apply(e.Store, id, spec.StatusCancelled)
	if err != nil {
		return nil, err
	}
	e.Metrics.Transitions.WithLabelValues(string(cur.Status), string(spec.StatusCancelled)).Inc()
	if cur.Status == spec.StatusFailed {
		e.discard(ctx, id)
	}
	slog.Info("spec cancelled", slog.String("spec_id", id))
	return s, nil
}

// Abandon fails an in-progress spec whose agent is gone without reporting,
// removing its sandbox and breaking its stale lock. The branch is kept.
func (e *Engine) Abandon(ctx context.Context, id, reason string) (*spec.Spec, error) {
	if err := e.requireUnlocked(id); err != nil {
		return nil, err
	}
	cur, err := e.Store.Load(id)
	if err != nil {
		return nil, err
	}
	if cur.Status != spec.StatusInProgress {
		return nil, &NotReadyError{ID: id, Status: cur.Status, Detail: "only in_progress specs can be abandoned"}
	}
	next, err := e.fail(cur, cur.Version, errors.New(reason))
	if err != nil {
		return nil, err
	}
	if sb, ok := e.Sandboxes.Get(id); ok {
		if err := e.Sandboxes.Destroy(ctx, sb, false); err != nil {
			slog.Warn("removing sandbox", slog.String("spec_id", id), slog.Any("error", err))
		}
	}
	return next, nil
}

// Reconcile applies the pending/blocked corrections the graph reports and
// returns those that were written.
func (e *Engine) Reconcile() ([]graph.StatusChange, error) {
	g, err := e.Graph()
	if err != nil {
		return nil, err
	}
	var (
		applied []graph.StatusChange
		errs    []error
	)
	for _, c := range g.Reconcile() {
		if _, err := lifecycle.Apply(e.Store, c.ID, c.To); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.ID, err))
			continue
		}
		e.Metrics.Transitions.WithLabelValues(string(c.From), string(c.To)).Inc()
		applied = append(applied, c)
	}
	return applied, errors.Join(errs...)
}

// Approve grants the approval a spec requires before it may start.
func (e *Engine) Approve(id, by string) (*spec.Spec, error) {
	return e.setApproval(id, by, spec.ApprovalApproved)
}

// Reject records a rejected approval; the spec stays blocked from starting.
func (e *Engine) Reject(id, by string) (*spec.Spec, error) {
	return e.setApproval(id, by, spec.ApprovalRejected)
}

func (e *Engine) setApproval(id, by, status string) (*spec.Spec, error) {
	return e.Store.Update(id, func(s *spec.Spec) error {
		if s.Status != spec.StatusPending && s.Status != spec.StatusBlocked {
			return fmt.Errorf("spec %s is %s; approval only applies before it starts", id, s.Status)
		}
		if s.Approval == nil {
			s.Approval = &spec.Approval{Required: true}
		}
		s.Approval.Status = status
		s.Approval.By = by
		s.Approval.At = spec.TimePtr(e.now())
		return nil
	})
}

// Verify stamps the verification result. A passing verification clears the
// drift flag of documentation and research specs.
func (e *Engine) Verify(id, status string) (*spec.Spec, error) {
	switch status {
	case VerifyPassed, VerifyFailed, VerifyPartial:
	default:
		return nil, fmt.Errorf("unknown verification status %q (want passed, failed or partial)", status)
	}
	return e.Store.Update(id, func(s *spec.Spec) error {
		s.LastVerified = spec.TimePtr(e.now())
		s.VerificationStatus = status
		if status == VerifyPassed && s.EffectiveKind().TracksDrift() {
			s.Drift = false
		}
		return nil
	})
}

// requireUnlocked refuses specs whose lock is held by a live process and
// breaks a stale one.
func (e *Engine) requireUnlocked(id string) error {
	entry, err := e.Locks.Inspect(id)
	if err != nil {
		return err
	}
	switch entry.State {
	case lock.StateHeld:
		return &lock.AlreadyLockedError{Holder: entry.Info}
	case lock.StateStale:
		return e.Locks.Break(id)
	}
	return nil
}

// discard removes a spec's leftover sandbox and work branch.
func (e *Engine) discard(ctx context.Context, id string) {
	if sb, ok := e.Sandboxes.Get(id); ok {
		if err := e.Sandboxes.Destroy(ctx, sb, true); err != nil {
			slog.Warn("removing sandbox", slog.String("spec_id", id), slog.Any("error", err))
		}
		return
	}
	branch := e.Sandboxes.Branch(id)
	if gitutil.BranchExists(ctx, e.Root, branch) {
		if err := gitutil.DeleteBranch(ctx, e.Root, branch, true); err != nil {
			slog.Warn("deleting branch", slog.String("branch", branch), slog.Any("error", err))
		}
	}
}
