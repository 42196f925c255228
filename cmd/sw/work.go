package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ilocn/specwork/internal/engine"
	"github.com/ilocn/specwork/internal/logger"
	"github.com/ilocn/specwork/internal/observer"
	"github.com/ilocn/specwork/internal/recovery"
	"github.com/ilocn/specwork/internal/sandbox"
)

// ─── work ────────────────────────────────────────────────────────────────────

type WorkCmd struct {
	ID             string   `arg:"" optional:"" help:"Spec to run (default: the next ready spec)."`
	Chain          bool     `xor:"mode" help:"Run ready specs one after another until none is left or one fails."`
	Parallel       int      `xor:"mode" placeholder:"N" help:"Run up to N ready specs at once, wave after wave."`
	Detach         bool     `help:"Return as soon as the agent starts; sw watch finalizes the run."`
	Labels         []string `name:"labels" sep:"," help:"Only run specs carrying any of these labels."`
	Max            int      `help:"Stop a chain after this many specs (0 = no limit)."`
	MaxWaves       int      `name:"max-waves" help:"Stop a parallel run after this many waves (default from config)."`
	SkipDeps       bool     `name:"skip-deps" help:"Start even when dependencies are not completed."`
	SkipCriteria   bool     `name:"skip-criteria" help:"Complete even with unchecked acceptance criteria."`
	AllowNoCommits bool     `name:"allow-no-commits" help:"Complete even when the agent made no commits."`
	NoMerge        bool     `name:"no-merge" help:"Keep completed work on its branch; merge later with sw merge."`
	Model          string   `help:"Model to hand the agent (overrides config and prompt)."`
}

func (c *WorkCmd) options() engine.Options {
	return engine.Options{
		Labels:         c.Labels,
		SkipDeps:       c.SkipDeps,
		SkipCriteria:   c.SkipCriteria,
		AllowNoCommits: c.AllowNoCommits,
		MaxSpecs:       c.Max,
		Concurrency:    c.Parallel,
		MaxWaves:       c.MaxWaves,
		NoMerge:        c.NoMerge,
		Detach:         c.Detach,
		Model:          c.Model,
	}
}

func (c *WorkCmd) Run(ctx context.Context, g *Globals) error {
	if c.ID != "" && (c.Chain || c.Parallel > 0) {
		return errors.New("a spec id cannot be combined with --chain or --parallel")
	}
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	opts := c.options()
	out := g.Out()

	switch {
	case c.ID != "":
		o, err := e.RunSingle(ctx, c.ID, opts)
		if err != nil {
			return err
		}
		printOutcome(out, o)
		if o.Failed() {
			return fmt.Errorf("%w: %s: %v", errPartial, o.SpecID, o.Err)
		}
		return nil
	case c.Parallel > 0:
		rep, err := e.RunParallel(ctx, opts)
		return finishReport(out, rep, err)
	case c.Chain:
		rep, err := e.RunChain(ctx, opts)
		return finishReport(out, rep, err)
	default:
		opts.MaxSpecs = 1
		rep, err := e.RunChain(ctx, opts)
		return finishReport(out, rep, err)
	}
}

func printOutcome(w io.Writer, o engine.Outcome) {
	switch {
	case o.Detached:
		fmt.Fprintf(w, "%s: detached (agent pid %d); finalize with sw watch or sw finalize %s\n", o.SpecID, o.AgentPID, o.SpecID)
	case o.Skipped:
		fmt.Fprintf(w, "%s: skipped: %v\n", o.SpecID, o.Err)
	case o.Failed():
		fmt.Fprintf(w, "%s: %s: %v\n", o.SpecID, o.Status, o.Err)
	default:
		fmt.Fprintf(w, "%s: %s (%d commit(s))\n", o.SpecID, o.Status, len(o.Commits))
		for _, ch := range o.Changes {
			fmt.Fprintf(w, "  record %s\n", ch)
		}
	}
}

// finishReport prints every outcome and folds failures into errPartial.
// A run-level error (fatal, nothing to do, interrupted) wins.
func finishReport(w io.Writer, rep engine.Report, err error) error {
	for _, o := range rep.Outcomes {
		printOutcome(w, o)
	}
	if rep.Waves > 1 {
		fmt.Fprintf(w, "%d wave(s)\n", rep.Waves)
	}
	if err != nil {
		return err
	}
	if failed := rep.Failed(); len(failed) > 0 {
		return fmt.Errorf("%w: %d of %d", errPartial, len(failed), len(rep.Outcomes))
	}
	return nil
}

// ─── finalize ────────────────────────────────────────────────────────────────

type FinalizeCmd struct {
	ID             string `arg:"" help:"Spec ID."`
	SkipCriteria   bool   `name:"skip-criteria" help:"Complete even with unchecked acceptance criteria."`
	AllowNoCommits bool   `name:"allow-no-commits" help:"Complete even when the agent made no commits."`
	NoMerge        bool   `name:"no-merge" help:"Keep completed work on its branch."`
}

func (c *FinalizeCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	o, err := e.Finalize(ctx, c.ID, engine.FinalizeOptions{
		SkipCriteria:   c.SkipCriteria,
		AllowNoCommits: c.AllowNoCommits,
		NoMerge:        c.NoMerge,
	})
	if err != nil {
		return err
	}
	printOutcome(g.Out(), o)
	if o.Failed() {
		return fmt.Errorf("%w: %s", errPartial, o.SpecID)
	}
	return nil
}

// ─── merge ───────────────────────────────────────────────────────────────────

type MergeCmd struct {
	IDs []string `arg:"" optional:"" help:"Completed specs whose branch to merge."`
	All bool     `help:"Merge every completed spec that still has a branch."`
}

func (c *MergeCmd) Run(ctx context.Context, g *Globals) error {
	if len(c.IDs) == 0 && !c.All {
		return errors.New("name the specs to merge or pass --all")
	}
	if len(c.IDs) > 0 && c.All {
		return errors.New("--all takes no spec ids")
	}
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	rep, err := e.MergeBack(ctx, c.IDs)
	out := g.Out()
	for _, o := range rep.Outcomes {
		if o.Err != nil {
			fmt.Fprintf(out, "%s: not merged: %v\n", o.SpecID, o.Err)
			continue
		}
		fmt.Fprintf(out, "%s: merged %d commit(s)\n", o.SpecID, len(o.Commits))
	}
	if err != nil {
		return err
	}
	var failed int
	for _, o := range rep.Outcomes {
		if o.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d not merged", errPartial, failed, len(rep.Outcomes))
	}
	return nil
}

// ─── reset / cancel ──────────────────────────────────────────────────────────

type ResetCmd struct {
	ID string `arg:"" help:"Failed spec to return to pending."`
}

func (c *ResetCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	s, err := e.Reset(ctx, c.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.Out(), "reset %s to %s\n", s.ID, s.Status)
	return nil
}

type CancelCmd struct {
	ID string `arg:"" help:"Spec ID."`
}

func (c *CancelCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	s, err := e.Cancel(ctx, c.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.Out(), "cancelled %s\n", s.ID)
	return nil
}

// ─── watch ───────────────────────────────────────────────────────────────────

type WatchCmd struct {
	Once     bool          `help:"Run a single pass and exit."`
	DryRun   bool          `name:"dry-run" help:"Report what would be finalized without changing anything."`
	Interval time.Duration `help:"Polling interval (default from config)."`
	NoEvents bool          `name:"no-events" help:"Poll only; do not watch status files."`
	Retry    bool          `help:"Reset retryable failed specs once their backoff passes (default from config)."`
}

func (c *WatchCmd) Run(ctx context.Context, g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	if !c.Once {
		f, err := os.OpenFile(ws.WatchLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening watch log: %w", err)
		}
		defer f.Close()
		logger.SetTee(f)
		defer logger.SetTee(nil)
	}

	o := observer.New(e, ws.Config)
	o.Once = c.Once
	o.DryRun = c.DryRun
	if c.Interval > 0 {
		o.Interval = c.Interval
	}
	if c.NoEvents {
		o.Events = false
	}
	if c.Retry {
		o.RetryEnabled = true
	}
	if !c.Once {
		return o.Run(ctx)
	}

	rep, err := o.Tick(ctx)
	if err != nil {
		return err
	}
	out := g.Out()
	verb := "finalized"
	if c.DryRun {
		verb = "would finalize"
	}
	for _, f := range rep.Finalized {
		fmt.Fprintf(out, "%s %s: %s\n", verb, f.SpecID, f.Status)
	}
	for _, s := range rep.Stale {
		fmt.Fprintf(out, "stuck %s: %s\n", s.SpecID, s.Reason)
	}
	for _, id := range rep.Scheduled {
		fmt.Fprintf(out, "retry scheduled for %s\n", id)
	}
	for _, id := range rep.Retried {
		fmt.Fprintf(out, "reset %s for retry\n", id)
	}
	fmt.Fprintf(out, "%d active sandbox(es)\n", rep.Active)
	return rep.Err()
}

// ─── locks ───────────────────────────────────────────────────────────────────

type LocksCmd struct {
	Break string `placeholder:"ID" help:"Remove the stale lock of this spec."`
}

func (c *LocksCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	out := g.Out()
	if c.Break != "" {
		if err := e.Locks.Break(c.Break); err != nil {
			return err
		}
		fmt.Fprintf(out, "removed lock of %s\n", c.Break)
		return nil
	}
	entries, err := e.Locks.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no locks")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SPEC\tSTATE\tPID\tAGENT\tMODE\tHOST\tAGE")
	for _, en := range entries {
		mode := "attached"
		if en.Detached {
			mode = "detached"
		}
		agentPID := "-"
		if en.AgentPID > 0 {
			agentPID = fmt.Sprint(en.AgentPID)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			en.SpecID, en.State, en.PID, agentPID, mode, en.Host, fmtAge(en.AcquiredAt))
	}
	return w.Flush()
}

// ─── log ─────────────────────────────────────────────────────────────────────

type LogCmd struct {
	ID   string `arg:"" help:"Spec ID."`
	Tail int    `default:"0" help:"Show last N lines (0 = all)."`
}

func (c *LogCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(ws.LogPath(c.ID))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no log found for %s", c.ID)
		}
		return err
	}
	content := string(data)
	if c.Tail > 0 {
		lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
		if c.Tail < len(lines) {
			lines = lines[len(lines)-c.Tail:]
		}
		content = strings.Join(lines, "\n") + "\n"
	}
	_, err = io.WriteString(g.Out(), content)
	return err
}

// ─── cleanup / recover ───────────────────────────────────────────────────────

type CleanupCmd struct {
	DryRun bool `name:"dry-run" help:"List the sandboxes that would be removed."`
}

func (c *CleanupCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	specs, err := e.Store.List()
	if err != nil {
		return err
	}
	orphans, err := e.Sandboxes.ListOrphans(ctx, specs, e.Locks)
	if err != nil {
		return err
	}
	out := g.Out()
	if len(orphans) == 0 {
		fmt.Fprintln(out, "nothing to clean")
		return e.Sandboxes.Prune(ctx)
	}
	var errs []error
	for _, sb := range orphans {
		if c.DryRun {
			fmt.Fprintf(out, "would remove %s (%s)\n", sb.SpecID, sb.Path)
			continue
		}
		if err := e.Sandboxes.Destroy(ctx, sb, false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sb.SpecID, err))
			continue
		}
		fmt.Fprintf(out, "removed %s\n", sb.SpecID)
	}
	if !c.DryRun {
		if err := e.Sandboxes.Prune(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type RecoverCmd struct{}

func (c *RecoverCmd) Run(ctx context.Context, g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	rep, err := recovery.Recover(ctx, e, ws.Config.Repos)
	out := g.Out()
	for _, o := range rep.Finalized {
		fmt.Fprintf(out, "finalized %s: %s\n", o.SpecID, o.Status)
	}
	for _, id := range rep.Abandoned {
		fmt.Fprintf(out, "failed %s: %s\n", id, recovery.AbandonedReason)
	}
	for _, id := range rep.BrokenLocks {
		fmt.Fprintf(out, "removed stale lock of %s\n", id)
	}
	for _, en := range rep.StaleLocks {
		fmt.Fprintf(out, "stale lock of %s (pid %d); remove with sw locks --break %s\n", en.SpecID, en.OwnerPID(), en.SpecID)
	}
	for _, id := range rep.RemovedSandboxes {
		fmt.Fprintf(out, "removed orphan sandbox %s\n", id)
	}
	for _, ch := range rep.Reconciled {
		fmt.Fprintf(out, "%s: %s -> %s\n", ch.ID, ch.From, ch.To)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "recovery complete")
	return nil
}

// ─── version ─────────────────────────────────────────────────────────────────

type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.Out(), "sw %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
	return nil
}

// ─── marker ──────────────────────────────────────────────────────────────────

// MarkerCmd is how an agent reports its result. The launcher writes the
// same marker from the exit code when the agent does not.
type MarkerCmd struct {
	Status  string `arg:"" enum:"done,failed" help:"Result: done or failed."`
	Error   string `help:"Why the work failed."`
	Sandbox string `env:"SW_SANDBOX" help:"Sandbox directory (set for agents)."`
	SpecID  string `name:"spec" env:"SW_SPEC_ID" help:"Spec ID (set for agents)."`
}

func (c *MarkerCmd) Run(g *Globals) error {
	if c.Sandbox == "" {
		return errors.New("not inside an agent run: SW_SANDBOX is not set")
	}
	mk, err := sandbox.UpdateMarker(c.Sandbox, func(m *sandbox.Marker) {
		if c.SpecID != "" {
			m.SpecID = c.SpecID
		}
		m.Status = sandbox.MarkerStatus(c.Status)
		m.Error = c.Error
	})
	if err != nil {
		return fmt.Errorf("writing status marker: %w", err)
	}
	fmt.Fprintf(g.Out(), "%s: %s\n", mk.SpecID, mk.Status)
	return nil
}
