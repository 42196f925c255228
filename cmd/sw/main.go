package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/ilocn/specwork/internal/engine"
	"github.com/ilocn/specwork/internal/logger"
	"github.com/ilocn/specwork/internal/tracing"
	"github.com/ilocn/specwork/internal/workspace"
)

var version = "dev" // injected via ldflags at build time

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitNothing = 2
	exitPartial = 3
	exitConfig  = 4
)

// errPartial marks runs where at least one spec failed.
var errPartial = errors.New("one or more specs failed")

const description = "specwork: run markdown specs through coding agents in isolated git worktrees\n\n" +
	"Specs live in .sw/specs as YAML frontmatter plus a markdown body. Each run takes the\n" +
	"spec's lock, gives the agent its own worktree, and merges the result back.\n\n" +
	"USAGE:  sw <command> [arguments]"

// Globals holds shared state injected into Run methods that need a workspace.
type Globals struct {
	Workspace string `name:"workspace" short:"C" env:"SW_WORKSPACE" placeholder:"DIR" help:"Repository root (default: search upward from the current directory)."`

	out      io.Writer
	once     sync.Once
	ws       *workspace.Workspace
	wsErr    error
	eng      *engine.Engine
	shutdown tracing.Shutdown
}

// Out is where commands print their results.
func (g *Globals) Out() io.Writer {
	if g.out == nil {
		return os.Stdout
	}
	return g.out
}

// WS lazily opens the workspace on first call.
// Commands that don't need a workspace (init, version, marker) must not call this.
func (g *Globals) WS() (*workspace.Workspace, error) {
	g.once.Do(func() {
		g.ws, g.wsErr = openWS(g.Workspace)
		if g.wsErr != nil {
			g.wsErr = fmt.Errorf("%w: %w", engine.ErrConfig, g.wsErr)
			return
		}
		logger.Init(g.ws.Config.LogLevel)
	})
	return g.ws, g.wsErr
}

// Engine builds the execution engine for the workspace, installing the
// tracer on first use.
func (g *Globals) Engine(ctx context.Context) (*engine.Engine, error) {
	if g.eng != nil {
		return g.eng, nil
	}
	ws, err := g.WS()
	if err != nil {
		return nil, err
	}
	e, err := engine.New(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrConfig, err)
	}
	shutdown, err := tracing.Setup(ws.Config.Tracing.File, version)
	if err != nil {
		slog.Warn("tracing disabled", slog.String("path", ws.Config.Tracing.File), slog.Any("error", err))
	} else {
		g.shutdown = shutdown
	}
	g.eng = e
	return e, nil
}

// Close flushes spans and writes the metrics textfile.
func (g *Globals) Close() {
	if g.eng != nil && g.ws != nil {
		if err := g.eng.Metrics.WriteTextfile(g.ws.Config.Metrics.Textfile); err != nil {
			slog.Warn("writing metrics textfile", slog.Any("error", err))
		}
	}
	if g.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.shutdown(ctx); err != nil {
			slog.Warn("flushing traces", slog.Any("error", err))
		}
	}
}

// ─── Top-level CLI struct ────────────────────────────────────────────────────

type CLI struct {
	Globals

	Init    InitCmd    `cmd:"" group:"workspace" help:"Set up specwork in a git repository."`
	Prompts PromptsCmd `cmd:"" group:"workspace" help:"List the prompt documents agents can be given."`

	Add     AddCmd     `cmd:"" group:"specs" help:"Create a spec."`
	List    ListCmd    `cmd:"" group:"specs" help:"List specs with status and readiness."`
	Show    ShowCmd    `cmd:"" group:"specs" help:"Show one spec, its lock and its sandbox."`
	Ready   ReadyCmd   `cmd:"" group:"specs" help:"List specs that can start now."`
	Lint    LintCmd    `cmd:"" group:"specs" help:"Check records, cycles and dangling dependencies."`
	Approve ApproveCmd `cmd:"" group:"specs" help:"Approve a spec that requires approval."`
	Reject  RejectCmd  `cmd:"" group:"specs" help:"Reject a spec that requires approval."`
	Verify  VerifyCmd  `cmd:"" group:"specs" help:"Record a verification result."`

	Work     WorkCmd     `cmd:"" group:"execution" help:"Run one spec, a chain, or parallel waves."`
	Finalize FinalizeCmd `cmd:"" group:"execution" help:"Settle a spec whose agent has finished."`
	Merge    MergeCmd    `cmd:"" group:"execution" help:"Merge kept branches of completed specs."`
	Reset    ResetCmd    `cmd:"" group:"execution" help:"Return a failed spec to pending."`
	Cancel   CancelCmd   `cmd:"" group:"execution" help:"Cancel a spec."`

	Watch WatchCmd `cmd:"" group:"observe" help:"Finalize detached runs as their agents report."`
	Locks LocksCmd `cmd:"" group:"observe" help:"List spec locks and their liveness."`
	Log   LogCmd   `cmd:"" group:"observe" help:"Print a spec's agent log."`

	Cleanup CleanupCmd `cmd:"" group:"maint" help:"Remove sandboxes that no run owns."`
	Recover RecoverCmd `cmd:"" group:"maint" help:"Post-crash repair: dead agents, stale locks, orphans."`
	Version VersionCmd `cmd:"" group:"maint" help:"Print version and platform info."`

	Marker MarkerCmd `cmd:"" group:"protocol" help:"Report the agent's result. (Called by agents.)"`
}

func newParser(cli *CLI, stdout, stderr io.Writer, opts ...kong.Option) (*kong.Kong, error) {
	base := []kong.Option{
		kong.Name("sw"),
		kong.Description(description),
		kong.UsageOnError(),
		kong.Bind(&cli.Globals),
		kong.Writers(stdout, stderr),
		kong.ExplicitGroups([]kong.Group{
			{Key: "workspace", Title: "── WORKSPACE ────────────────────────────────────────────────────────────────────"},
			{Key: "specs", Title: "── SPECS ─────────────────────────────────────────────────────────────────────────"},
			{Key: "execution", Title: "── EXECUTION ─────────────────────────────────────────────────────────────────────"},
			{Key: "observe", Title: "── MONITORING ────────────────────────────────────────────────────────────────────"},
			{Key: "maint", Title: "── MAINTENANCE ───────────────────────────────────────────────────────────────────"},
			{Key: "protocol", Title: "── AGENT PROTOCOL ────────────────────────────────────────────────────────────────"},
		}),
	}
	return kong.New(cli, append(base, opts...)...)
}

// ─── main ────────────────────────────────────────────────────────────────────

func main() {
	logger.Init("")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run parses args, runs the selected command and maps its error to an exit
// code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, opts ...kong.Option) int {
	var cli CLI
	cli.Globals.out = stdout
	parser, err := newParser(&cli, stdout, stderr, append(opts, kong.BindTo(ctx, (*context.Context)(nil)))...)
	if err != nil {
		fmt.Fprintf(stderr, "sw: %v\n", err)
		return exitError
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "sw: %v\n", err)
		return exitError
	}
	err = kctx.Run()
	cli.Globals.Close()
	if err != nil {
		fmt.Fprintf(stderr, "sw: %v\n", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, engine.ErrNothingToDo):
		return exitNothing
	case engine.Fatal(err):
		return exitConfig
	case errors.Is(err, errPartial):
		return exitPartial
	}
	return exitError
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// openWS opens the workspace at dir, or finds it by walking up from the
// current directory when dir is empty. Relative metrics and trace paths in
// the config are resolved against the workspace root.
func openWS(dir string) (*workspace.Workspace, error) {
	var (
		ws  *workspace.Workspace
		err error
	)
	if dir != "" {
		ws, err = workspace.Open(dir)
	} else {
		cwd, cerr := os.Getwd()
		if cerr != nil {
			return nil, fmt.Errorf("cannot determine current directory and SW_WORKSPACE is not set")
		}
		ws, err = workspace.FindRoot(cwd)
		if err != nil {
			err = fmt.Errorf("%w\n\nTo set up this repository:  sw init\nTo use another one:         export SW_WORKSPACE=/path/to/repo", err)
		}
	}
	if err != nil {
		return nil, err
	}
	ws.Config.Metrics.Textfile = underRoot(ws.Root, ws.Config.Metrics.Textfile)
	ws.Config.Tracing.File = underRoot(ws.Root, ws.Config.Tracing.File)
	return ws, nil
}

func underRoot(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// splitPairs parses repeated name=path flags.
func splitPairs(flag string, vals []string) (map[string]string, error) {
	out := make(map[string]string, len(vals))
	for _, v := range vals {
		name, path, ok := strings.Cut(v, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("--%s must be name=path, got: %s", flag, v)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("invalid path: %v", err)
		}
		out[name] = abs
	}
	return out, nil
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "—"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func fmtAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func joinOrDash(vals []string) string {
	if len(vals) == 0 {
		return "-"
	}
	return strings.Join(vals, ",")
}
