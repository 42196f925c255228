// Package observer watches active sandboxes and settles the ones whose agent
// has reported, so detached runs finish without their launcher. It wakes on
// a fixed interval and, when enabled, on status marker changes.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/ilocn/specwork/internal/config"
	"github.com/ilocn/specwork/internal/engine"
	"github.com/ilocn/specwork/internal/lock"
	"github.com/ilocn/specwork/internal/retry"
	"github.com/ilocn/specwork/internal/sandbox"
	"github.com/ilocn/specwork/internal/spec"
)

// minEventGap bounds how often marker events may trigger a pass.
const minEventGap = 500 * time.Millisecond

// Observer settles finished sandboxes. Zero durations fall back to the
// config defaults.
type Observer struct {
	Engine *engine.Engine

	Interval   time.Duration
	StaleAfter time.Duration
	// Events enables fsnotify wake-ups in addition to the interval.
	Events bool
	// Once makes Run return after a single pass.
	Once bool
	// DryRun reports what a pass would do without changing anything.
	DryRun bool

	Finalize engine.FinalizeOptions
	// Retry is consulted for failed specs when RetryEnabled is set.
	Retry        retry.Policy
	RetryEnabled bool
	// Textfile, when set, receives the metrics after every pass.
	Textfile string

	Now func() time.Time
}

// New returns an observer configured from cfg.
func New(e *engine.Engine, cfg config.Config) *Observer {
	return &Observer{
		Engine:       e,
		Interval:     cfg.Observer.Interval,
		StaleAfter:   cfg.Observer.StaleAfter,
		Events:       cfg.Observer.Events,
		Retry:        retry.FromConfig(cfg.Retry),
		RetryEnabled: cfg.Retry.Enabled,
		Textfile:     cfg.Metrics.Textfile,
		Now:          time.Now,
	}
}

// StaleSandbox is a sandbox flagged as stuck. Flagged specs are not failed.
type StaleSandbox struct {
	SpecID string
	Reason string
}

// Report describes one pass.
type Report struct {
	Active int
	// Finalized holds settled specs; in dry-run mode, the ones that would be.
	Finalized []engine.Outcome
	Stale     []StaleSandbox
	// Scheduled holds failed specs given a retry time during this pass.
	Scheduled []string
	// Retried holds failed specs reset to pending for another attempt.
	Retried []string
	Errors  []error
}

// Err joins the errors of the pass.
func (r Report) Err() error { return errors.Join(r.Errors...) }

// Empty reports a pass that found nothing to do.
func (r Report) Empty() bool {
	return len(r.Finalized) == 0 && len(r.Stale) == 0 && len(r.Scheduled) == 0 && len(r.Retried) == 0 && len(r.Errors) == 0
}

func (o *Observer) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// Tick runs one pass over the sandbox root.
func (o *Observer) Tick(ctx context.Context) (Report, error) {
	e := o.Engine
	var rep Report
	sbs, err := e.Sandboxes.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("listing sandboxes: %w", err)
	}
	rep.Active = len(sbs)
	e.Metrics.ObserverTicks.Inc()
	e.Metrics.ActiveSandboxes.Set(float64(len(sbs)))

	for _, sb := range sbs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		o.inspect(ctx, sb, &rep)
	}
	if o.RetryEnabled {
		o.retryFailed(ctx, &rep)
	}
	if !o.DryRun {
		if err := e.Metrics.WriteTextfile(o.Textfile); err != nil {
			slog.Warn("writing metrics textfile", slog.String("path", o.Textfile), slog.Any("error", err))
		}
	}
	return rep, nil
}

// inspect settles sb when its agent has reported and nothing attached owns
// it, or flags it when it looks stuck.
func (o *Observer) inspect(ctx context.Context, sb *sandbox.Sandbox, rep *Report) {
	e := o.Engine
	s, err := e.Store.Load(sb.SpecID)
	if err != nil || s.Status != spec.StatusInProgress {
		// Orphans are left to recovery.
		return
	}
	entry, err := e.Locks.Inspect(sb.SpecID)
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		return
	}
	mk, mkErr := sandbox.ReadMarker(sb.Path)

	if mkErr == nil && mk.Terminal() {
		if entry.State == lock.StateHeld && !entry.Info.Detached {
			// The attached launcher finalizes its own run.
			return
		}
		if o.DryRun {
			rep.Finalized = append(rep.Finalized, engine.Outcome{SpecID: sb.SpecID, Status: s.Status})
			return
		}
		out, err := e.Finalize(ctx, sb.SpecID, o.Finalize)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("finalizing %s: %w", sb.SpecID, err))
			return
		}
		slog.Info("finalized", slog.String("spec_id", sb.SpecID), slog.String("status", string(out.Status)))
		rep.Finalized = append(rep.Finalized, out)
		return
	}

	switch {
	case entry.State != lock.StateHeld:
		o.flag(rep, sb.SpecID, "agent is gone and never reported a status")
	case mkErr == nil && !mk.UpdatedAt.IsZero() && o.StaleAfter > 0 && o.now().Sub(mk.UpdatedAt) > o.StaleAfter:
		o.flag(rep, sb.SpecID, fmt.Sprintf("no status update for %s", o.now().Sub(mk.UpdatedAt).Round(time.Second)))
	}
}

func (o *Observer) flag(rep *Report, id, reason string) {
	slog.Warn("sandbox looks stuck", slog.String("spec_id", id), slog.String("reason", reason))
	rep.Stale = append(rep.Stale, StaleSandbox{SpecID: id, Reason: reason})
}

// retryFailed schedules failed specs whose last error is retryable and
// resets those whose retry time has passed.
func (o *Observer) retryFailed(ctx context.Context, rep *Report) {
	e := o.Engine
	specs, err := e.Store.List()
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		return
	}
	now := o.now()
	for _, s := range specs {
		if s.Status != spec.StatusFailed {
			continue
		}
		if s.NextRetryAt != nil {
			if now.Before(*s.NextRetryAt) {
				continue
			}
			rep.Retried = append(rep.Retried, s.ID)
			if o.DryRun {
				continue
			}
			if _, err := e.Reset(ctx, s.ID); err != nil {
				rep.Errors = append(rep.Errors, fmt.Errorf("retrying %s: %w", s.ID, err))
				continue
			}
			e.Metrics.Retries.WithLabelValues("retried").Inc()
			slog.Info("spec reset for retry", slog.String("spec_id", s.ID), slog.Int("retry_count", s.RetryCount))
			continue
		}

		d := retry.Decide(retry.StateOf(s.RetryCount), s.LastError, o.Retry)
		if !d.Retry {
			slog.Debug("no retry", slog.String("spec_id", s.ID), slog.String("reason", d.Reason))
			continue
		}
		rep.Scheduled = append(rep.Scheduled, s.ID)
		if o.DryRun {
			continue
		}
		at := now.Add(d.Delay)
		if _, err := e.Store.Update(s.ID, func(n *spec.Spec) error {
			if n.Status != spec.StatusFailed {
				return fmt.Errorf("spec %s is %s", n.ID, n.Status)
			}
			n.NextRetryAt = spec.TimePtr(at)
			return nil
		}); err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("scheduling retry of %s: %w", s.ID, err))
			continue
		}
		e.Metrics.Retries.WithLabelValues("scheduled").Inc()
		slog.Info("retry scheduled", slog.String("spec_id", s.ID), slog.Time("at", at), slog.Duration("delay", d.Delay))
	}
}

// Run ticks until ctx is done, or once when Once is set. Pass errors are
// logged, not returned.
func (o *Observer) Run(ctx context.Context) error {
	if o.Once {
		rep, err := o.Tick(ctx)
		if err != nil {
			return err
		}
		return rep.Err()
	}

	interval := o.Interval
	if interval <= 0 {
		interval = config.Default().Observer.Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var w *fsnotify.Watcher
	if o.Events {
		var err error
		w, err = fsnotify.NewWatcher()
		if err != nil {
			slog.Warn("file events unavailable, polling only", slog.Any("error", err))
		} else {
			defer w.Close()
		}
	}
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w != nil {
		events, errs = w.Events, w.Errors
	}
	limiter := rate.NewLimiter(rate.Every(minEventGap), 1)

	slog.Info("observer starting", slog.Duration("interval", interval), slog.Bool("events", w != nil), slog.Bool("dry_run", o.DryRun))
	pass := func() {
		rep, err := o.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("observer pass failed", slog.Any("error", err))
		}
		for _, perr := range rep.Errors {
			slog.Error("observer", slog.Any("error", perr))
		}
		if w != nil {
			o.watch(w)
		}
	}
	pass()

	for {
		select {
		case <-ctx.Done():
			slog.Info("observer stopping")
			return nil
		case <-ticker.C:
			pass()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Dir(ev.Name) == o.Engine.Sandboxes.Root() {
				w.Add(ev.Name) //nolint:errcheck
				continue
			}
			if filepath.Base(ev.Name) == sandbox.MarkerFile && limiter.Allow() {
				slog.Debug("marker changed", slog.String("path", ev.Name))
				pass()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("file watcher error", slog.Any("error", err))
		}
	}
}

// watch adds the sandbox root and every sandbox directory to w. Removed
// directories drop out of the watch list on their own.
func (o *Observer) watch(w *fsnotify.Watcher) {
	root := o.Engine.Sandboxes.Root()
	if err := os.MkdirAll(root, 0755); err != nil {
		return
	}
	if err := w.Add(root); err != nil {
		slog.Debug("watching sandbox root", slog.String("path", root), slog.Any("error", err))
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, de := range entries {
		if de.IsDir() {
			w.Add(filepath.Join(root, de.Name())) //nolint:errcheck
		}
	}
}
