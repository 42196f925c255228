// Package recovery repairs state left behind by interrupted runs: dead
// agents, stale locks, orphaned sandboxes and the blocked invariant.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ilocn/specwork/internal/engine"
	"github.com/ilocn/specwork/internal/gitutil"
	"github.com/ilocn/specwork/internal/graph"
	"github.com/ilocn/specwork/internal/lock"
	"github.com/ilocn/specwork/internal/sandbox"
	"github.com/ilocn/specwork/internal/spec"
)

// AbandonedReason is recorded as last_error on specs whose agent died
// without reporting.
const AbandonedReason = "agent exited without reporting a status (recovered)"

// Report lists what a recovery pass did.
type Report struct {
	// Finalized are in-progress specs whose dead agent had reported.
	Finalized []engine.Outcome
	// Abandoned are in-progress specs failed because their agent vanished.
	Abandoned []string
	// BrokenLocks are stale locks removed under the reclaim policy.
	BrokenLocks []string
	// StaleLocks are stale locks left in place under the report policy.
	StaleLocks []lock.Entry
	// RemovedSandboxes are orphaned sandboxes that were destroyed.
	RemovedSandboxes []string
	Reconciled       []graph.StatusChange
}

// Recover runs every repair step. Errors from individual steps are joined;
// later steps still run.
func Recover(ctx context.Context, e *engine.Engine, repos map[string]string) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	slog.Info("starting recovery pass")

	specs, err := e.Store.List()
	if err != nil {
		return rep, fmt.Errorf("listing specs: %w", err)
	}
	idx := spec.NewIndex(specs)

	// 1. In-progress specs whose lock owner is gone: finalize the ones that
	// reported, fail the rest.
	for _, s := range specs {
		if s.Status != spec.StatusInProgress || idx.IsDriver(s.ID) {
			continue
		}
		entry, err := e.Locks.Inspect(s.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if entry.State == lock.StateHeld {
			continue
		}
		if reported(e, s.ID) {
			out, err := e.Finalize(ctx, s.ID, engine.FinalizeOptions{})
			if err != nil {
				errs = append(errs, fmt.Errorf("finalize %s: %w", s.ID, err))
				continue
			}
			slog.Info("finalized reported spec", slog.String("spec_id", s.ID), slog.String("status", string(out.Status)))
			rep.Finalized = append(rep.Finalized, out)
			continue
		}
		slog.Warn("failing abandoned spec", slog.String("spec_id", s.ID), slog.String("lock", string(entry.State)))
		if _, err := e.Abandon(ctx, s.ID, AbandonedReason); err != nil {
			errs = append(errs, fmt.Errorf("abandon %s: %w", s.ID, err))
			continue
		}
		rep.Abandoned = append(rep.Abandoned, s.ID)
	}

	// 2. Remaining stale locks, per policy.
	entries, err := e.Locks.List()
	if err != nil {
		errs = append(errs, fmt.Errorf("listing locks: %w", err))
	}
	for _, entry := range entries {
		if entry.State != lock.StateStale {
			continue
		}
		if !e.Reclaim {
			slog.Warn("stale lock", slog.String("spec_id", entry.Info.SpecID), slog.Int("pid", entry.Info.OwnerPID()))
			rep.StaleLocks = append(rep.StaleLocks, entry)
			continue
		}
		if err := e.Locks.Break(entry.Info.SpecID); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("broke stale lock", slog.String("spec_id", entry.Info.SpecID), slog.Int("pid", entry.Info.OwnerPID()))
		rep.BrokenLocks = append(rep.BrokenLocks, entry.Info.SpecID)
	}

	// 3. Orphaned sandboxes. Re-read specs: step 1 changed some.
	if specs, err = e.Store.List(); err != nil {
		errs = append(errs, fmt.Errorf("listing specs: %w", err))
	} else if orphans, err := e.Sandboxes.ListOrphans(ctx, specs, e.Locks); err != nil {
		errs = append(errs, fmt.Errorf("listing orphan sandboxes: %w", err))
	} else {
		for _, sb := range orphans {
			slog.Info("removing orphan sandbox", slog.String("spec_id", sb.SpecID), slog.String("path", sb.Path))
			if err := e.Sandboxes.Destroy(ctx, sb, false); err != nil {
				errs = append(errs, err)
				continue
			}
			rep.RemovedSandboxes = append(rep.RemovedSandboxes, sb.SpecID)
		}
	}

	// 4. Prune worktree registrations here and in every configured repo.
	if err := e.Sandboxes.Prune(ctx); err != nil {
		slog.Warn("worktree prune warning", slog.String("path", e.Root), slog.Any("error", err))
	}
	for name, repoPath := range repos {
		if _, err := os.Stat(repoPath); os.IsNotExist(err) {
			continue
		}
		slog.Info("pruning worktrees", slog.String("repo", name), slog.String("path", repoPath))
		if err := gitutil.WorktreePrune(ctx, repoPath); err != nil {
			slog.Warn("worktree prune warning", slog.String("repo", name), slog.Any("error", err))
		}
	}

	// 5. Restore the blocked invariant.
	changes, err := e.Reconcile()
	rep.Reconciled = changes
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return rep, fmt.Errorf("recovery completed with %d errors: %w", len(errs), errors.Join(errs...))
	}
	slog.Info("recovery pass complete",
		slog.Int("finalized", len(rep.Finalized)),
		slog.Int("abandoned", len(rep.Abandoned)),
		slog.Int("sandboxes_removed", len(rep.RemovedSandboxes)))
	return rep, nil
}

// reported reports whether the spec's sandbox holds a terminal marker.
func reported(e *engine.Engine, id string) bool {
	sb, ok := e.Sandboxes.Get(id)
	if !ok {
		return false
	}
	mk, err := sandbox.ReadMarker(sb.Path)
	return err == nil && mk.Terminal()
}
