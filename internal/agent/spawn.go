// Package agent launches the external process that does the work of a spec.
// Backends implement Provider; Start runs one in the spec's sandbox in its
// own process group with the SW_* environment.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ilocn/specwork/internal/config"
)

// ErrAgentUnstartable means the agent process could not be started at all.
// It is a configuration problem, not a spec failure.
var ErrAgentUnstartable = errors.New("agent could not be started")

// Environment variables handed to every agent.
const (
	EnvSpecID     = "SW_SPEC_ID"
	EnvSandbox    = "SW_SANDBOX"
	EnvAttempt    = "SW_ATTEMPT"
	EnvSpecFile   = "SW_SPEC_FILE"
	EnvStatusFile = "SW_STATUS_FILE"
	EnvWorkspace  = "SW_WORKSPACE"
)

// Invocation describes one agent run.
type Invocation struct {
	SpecID     string
	Sandbox    string
	SpecFile   string
	StatusFile string
	Workspace  string
	Attempt    int
	Prompt     string
	Model      string
	MaxTurns   int
	// Output receives stdout and stderr. Nil discards them.
	Output io.Writer
}

func (inv Invocation) env() []string {
	return append(workerEnv(),
		EnvSpecID+"="+inv.SpecID,
		EnvSandbox+"="+inv.Sandbox,
		EnvAttempt+"="+strconv.Itoa(inv.Attempt),
		EnvSpecFile+"="+inv.SpecFile,
		EnvStatusFile+"="+inv.StatusFile,
		EnvWorkspace+"="+inv.Workspace,
	)
}

// Provider builds the command for an agent backend.
type Provider interface {
	Name() string
	Command(inv Invocation) (*exec.Cmd, error)
}

// Claude runs the claude CLI in print mode.
type Claude struct {
	Binary string
	Model  string
	Args   []string
}

func (c Claude) Name() string { return "claude" }

func (c Claude) Command(inv Invocation) (*exec.Cmd, error) {
	bin := c.Binary
	if bin == "" {
		bin = "claude"
	}
	// --verbose is required with --print and stream-json output.
	args := []string{"--print", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"}
	model := inv.Model
	if model == "" {
		model = c.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if inv.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(inv.MaxTurns))
	}
	args = append(args, c.Args...)
	args = append(args, inv.Prompt)
	return exec.Command(bin, args...), nil
}

// Command runs an arbitrary program with the prompt on stdin.
type Command struct {
	Path string
	Args []string
}

func (c Command) Name() string { return filepath.Base(c.Path) }

func (c Command) Command(inv Invocation) (*exec.Cmd, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("%w: no command configured", ErrAgentUnstartable)
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Stdin = strings.NewReader(inv.Prompt)
	return cmd, nil
}

// NewProvider returns the backend selected by cfg.
func NewProvider(cfg config.AgentConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "claude":
		return Claude{Model: cfg.Model, Args: cfg.Args}, nil
	case "command":
		return Command{Path: cfg.Command, Args: cfg.Args}, nil
	}
	return nil, fmt.Errorf("unknown agent provider %q", cfg.Provider)
}

// Process is a started agent.
type Process struct {
	cmd     *exec.Cmd
	started time.Time
}

// Result is how an agent run ended.
type Result struct {
	ExitCode int
	Duration time.Duration
	Err      error
}

// Success reports a zero exit.
func (r Result) Success() bool { return r.Err == nil && r.ExitCode == 0 }

// Start launches inv with p in the sandbox. The process gets its own
// process group so a terminal interrupt aimed at sw does not reach a
// detached agent. A detached caller must pass an *os.File (or nil) as
// Output, since no one waits to copy a pipe.
func Start(p Provider, inv Invocation) (*Process, error) {
	cmd, err := p.Command(inv)
	if err != nil {
		return nil, err
	}
	cmd.Dir = inv.Sandbox
	cmd.Env = inv.env()
	if inv.Output != nil {
		cmd.Stdout = inv.Output
		cmd.Stderr = inv.Output
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAgentUnstartable, p.Name(), err)
	}
	return &Process{cmd: cmd, started: time.Now()}, nil
}

// PID returns the agent's process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Wait blocks until the agent exits. When ctx is done or timeout (if
// positive) elapses first, the whole process group is terminated.
func (p *Process) Wait(ctx context.Context, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = p.terminate(done)
	}
	res := Result{ExitCode: exitCode(err), Duration: time.Since(p.started)}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		res.Err = err
	}
	if ctx.Err() != nil && res.ExitCode != 0 {
		res.Err = fmt.Errorf("agent stopped: %w", ctx.Err())
	}
	return res
}

// Release detaches from the process without waiting for it. The agent keeps
// running and reports through its status marker.
func (p *Process) Release() error {
	return p.cmd.Process.Release()
}

// terminate signals the process group, escalating to SIGKILL after a grace
// period, and returns the Wait error.
func (p *Process) terminate(done <-chan error) error {
	pgid := -p.cmd.Process.Pid
	unix.Kill(pgid, unix.SIGTERM) //nolint:errcheck
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		unix.Kill(pgid, unix.SIGKILL) //nolint:errcheck
		return <-done
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return -1
}

// filteredEnv returns os.Environ() with the named keys removed. CLAUDECODE
// must not leak into child claude processes or they refuse to start.
func filteredEnv(remove ...string) []string {
	skip := make(map[string]bool, len(remove))
	for _, k := range remove {
		skip[k] = true
	}
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, e := range env {
		if idx := strings.IndexByte(e, '='); idx > 0 && skip[e[:idx]] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// workerEnv strips inherited SW_* and CLAUDECODE variables and puts the
// running sw binary first on PATH so agents can call `sw marker`.
func workerEnv() []string {
	env := filteredEnv("CLAUDECODE", EnvSpecID, EnvSandbox, EnvAttempt, EnvSpecFile, EnvStatusFile, EnvWorkspace)
	exe, err := os.Executable()
	if err != nil {
		return env
	}
	dir := filepath.Dir(exe)
	for i, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			env[i] = "PATH=" + dir + string(os.PathListSeparator) + e[len("PATH="):]
			return env
		}
	}
	return append(env, "PATH="+dir)
}
