//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/ilocn/specwork/internal/gitutil"
	"github.com/ilocn/specwork/internal/lock"
	"github.com/ilocn/specwork/internal/spec"
	"github.com/ilocn/specwork/internal/workspace"
)

// swBin is the path to the compiled sw binary, set once in TestMain.
var swBin string

// agentScript commits one file per spec. Specs whose id starts with "slow"
// record their pid in $AGENT_PIDFILE and hang until killed.
const agentScript = `#!/bin/sh
case "$SW_SPEC_ID" in
slow*) echo $$ > "$AGENT_PIDFILE"; exec sleep 300 ;;
esac
echo "$SW_SPEC_ID" > "out-$SW_SPEC_ID.txt" && git add . && git commit -q -m "work $SW_SPEC_ID"
`

// ─── TestMain: build sw binary once ──────────────────────────────────────────

func TestMain(m *testing.M) {
	if !hasTestTimeoutFlag() {
		os.Args = append(os.Args, "-test.timeout=10m")
	}

	bin, cleanup, err := buildSW()
	if err != nil {
		log.Fatalf("build sw: %v", err)
	}
	swBin = bin
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// hasTestTimeoutFlag reports whether os.Args already carries -test.timeout.
func hasTestTimeoutFlag() bool {
	for _, arg := range os.Args {
		if strings.HasPrefix(arg, "-test.timeout") || strings.HasPrefix(arg, "--test.timeout") {
			return true
		}
	}
	return false
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// buildSW compiles cmd/sw to a temp dir; returns (binPath, cleanup, err).
func buildSW() (string, func(), error) {
	dir, err := os.MkdirTemp("", "sw-bin-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	moduleRoot, err := findModuleRoot()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("find module root: %w", err)
	}

	bin := filepath.Join(dir, "sw")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/sw")
	cmd.Dir = moduleRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("go build: %w\n%s", err, out)
	}
	return bin, cleanup, nil
}

// findModuleRoot returns the directory containing go.mod.
func findModuleRoot() (string, error) {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		return "", err
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		return "", fmt.Errorf("not inside a Go module")
	}
	return filepath.Dir(gomod), nil
}

// initWorkspace creates a git repo with an initial commit on main and runs
// "sw init" in it with the scripted agent; returns the repo dir.
func initWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := gitutil.InitWithBranch(dir, "main"); err != nil {
		t.Fatalf("git init: %v", err)
	}
	if err := gitutil.CommitEmpty(dir, "initial commit"); err != nil {
		t.Fatalf("git commit: %v", err)
	}
	script := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(script, []byte(agentScript), 0755); err != nil {
		t.Fatal(err)
	}
	mustSW(t, dir, "init", dir, "--base", "main", "--agent", "command", "--command", script)
	return dir
}

// swCommand builds an sw invocation run from dir with SW_WORKSPACE set to
// wsDir (when non-empty).
func swCommand(ctx context.Context, dir, wsDir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, swBin, args...)
	cmd.Dir = dir
	env := filterEnv(os.Environ(), "SW_WORKSPACE", "CLAUDECODE")
	if wsDir != "" {
		env = append(env, "SW_WORKSPACE="+wsDir)
	}
	cmd.Env = env
	return cmd
}

// runSW runs sw in wsDir and returns combined output and the exit code.
func runSW(t *testing.T, wsDir string, args ...string) (string, int) {
	t.Helper()
	return runSWIn(t, wsDir, wsDir, args...)
}

func runSWIn(t *testing.T, dir, wsDir string, args ...string) (string, int) {
	t.Helper()
	cmd := swCommand(context.Background(), dir, wsDir, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	code := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			t.Fatalf("sw %s: %v", strings.Join(args, " "), err)
		}
		code = exitErr.ExitCode()
	}
	return strings.TrimSpace(out.String()), code
}

// mustSW runs sw and fatals on non-zero exit.
func mustSW(t *testing.T, wsDir string, args ...string) string {
	t.Helper()
	out, code := runSW(t, wsDir, args...)
	if code != 0 {
		t.Fatalf("sw %s failed (exit %d):\n%s", strings.Join(args, " "), code, out)
	}
	return out
}

// filterEnv returns a copy of env without the given keys.
func filterEnv(env []string, removeKeys ...string) []string {
	remove := make(map[string]bool, len(removeKeys))
	for _, k := range removeKeys {
		remove[k] = true
	}
	result := make([]string, 0, len(env))
	for _, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if !remove[key] {
			result = append(result, entry)
		}
	}
	return result
}

func loadSpec(t *testing.T, wsDir, id string) *spec.Spec {
	t.Helper()
	s, err := spec.NewStore(workspace.SpecsDirFor(wsDir)).Load(id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return s
}

// waitForFile polls until path exists and returns its trimmed contents.
func waitForFile(t *testing.T, path string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && len(bytes.TrimSpace(data)) > 0 {
			return strings.TrimSpace(string(data))
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
	return ""
}

// dumpLogs prints a spec's agent log for diagnosis.
func dumpLogs(t *testing.T, wsDir, id string) {
	t.Helper()
	out, _ := runSW(t, wsDir, "log", id)
	t.Logf("=== log for %s ===\n%s", id, out)
}

// requireClaude skips the test when the claude CLI is not on PATH.
func requireClaude(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("claude"); err != nil {
		t.Skip("claude not on PATH")
	}
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestInitCreatesWorkspace(t *testing.T) {
	t.Parallel()
	wsDir := initWorkspace(t)
	for _, p := range []string{
		filepath.Join(wsDir, ".sw", "config.yaml"),
		filepath.Join(wsDir, ".sw", "specs"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}
	out := mustSW(t, wsDir, "list")
	if strings.Contains(out, "error") {
		t.Errorf("list on fresh workspace:\n%s", out)
	}
}

func TestChainMergesIntoBase(t *testing.T) {
	t.Parallel()
	wsDir := initWorkspace(t)
	mustSW(t, wsDir, "add", "Schema", "--id", "a")
	mustSW(t, wsDir, "add", "API", "--id", "b", "-d", "a")

	out := mustSW(t, wsDir, "work", "--chain")
	if !strings.Contains(out, "a: completed") || !strings.Contains(out, "b: completed") {
		dumpLogs(t, wsDir, "b")
		t.Fatalf("chain output:\n%s", out)
	}
	for _, f := range []string{"out-a.txt", "out-b.txt"} {
		if _, err := os.Stat(filepath.Join(wsDir, f)); err != nil {
			t.Errorf("%s not merged into main: %v", f, err)
		}
	}
	if _, code := runSW(t, wsDir, "work"); code != 2 {
		t.Errorf("idle work exit = %d, want 2", code)
	}
}

func TestDetachedRunOutlivesCLI(t *testing.T) {
	t.Parallel()
	wsDir := initWorkspace(t)
	mustSW(t, wsDir, "add", "Background", "--id", "bg")
	out := mustSW(t, wsDir, "work", "bg", "--detach")
	if !strings.Contains(out, "bg: detached") {
		t.Fatalf("detach output:\n%s", out)
	}

	// The sw process has exited; the agent keeps going in its worktree.
	sbPath := filepath.Join(wsDir, ".sw", "worktrees", "bg")
	deadline := time.Now().Add(20 * time.Second)
	for {
		commits, err := gitutil.CommitsSince(context.Background(), sbPath, "main", "HEAD")
		if err == nil && len(commits) > 0 {
			break
		}
		if time.Now().After(deadline) {
			dumpLogs(t, wsDir, "bg")
			t.Fatal("detached agent never committed")
		}
		time.Sleep(100 * time.Millisecond)
	}
	mustSW(t, "", "marker", "done", "--sandbox", sbPath, "--spec", "bg")

	out = mustSW(t, wsDir, "watch", "--once")
	if !strings.Contains(out, "finalized bg: completed") {
		t.Errorf("watch output:\n%s", out)
	}
	if got := loadSpec(t, wsDir, "bg").Status; got != spec.StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

// TestRecoverAfterKilledRun kills sw mid-run and checks that recover fails
// the abandoned spec and clears its lock.
func TestRecoverAfterKilledRun(t *testing.T) {
	t.Parallel()
	wsDir := initWorkspace(t)
	mustSW(t, wsDir, "add", "Hangs", "--id", "slow")

	pidFile := filepath.Join(t.TempDir(), "agent.pid")
	cmd := swCommand(context.Background(), wsDir, wsDir, "work", "slow")
	cmd.Env = append(cmd.Env, "AGENT_PIDFILE="+pidFile)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	agentPID, err := strconv.Atoi(waitForFile(t, pidFile, 20*time.Second))
	if err != nil {
		t.Fatal(err)
	}

	// SIGKILL skips every cleanup path, like a crashed terminal.
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	_ = syscall.Kill(-agentPID, syscall.SIGKILL)
	_ = syscall.Kill(agentPID, syscall.SIGKILL)

	if got := loadSpec(t, wsDir, "slow").Status; got != spec.StatusInProgress {
		t.Fatalf("status after kill = %s, want in_progress\n%s", got, out.String())
	}
	locks := mustSW(t, wsDir, "locks")
	if !strings.Contains(locks, string(lock.StateStale)) {
		t.Errorf("locks after kill:\n%s", locks)
	}

	rec := mustSW(t, wsDir, "recover")
	if !strings.Contains(rec, "recovery complete") {
		t.Errorf("recover output:\n%s", rec)
	}
	s := loadSpec(t, wsDir, "slow")
	if s.Status != spec.StatusFailed {
		t.Errorf("status after recover = %s, want failed", s.Status)
	}
	if !strings.Contains(s.LastError, "without reporting") {
		t.Errorf("last_error = %q", s.LastError)
	}
	if out := mustSW(t, wsDir, "locks"); !strings.Contains(out, "no locks") {
		t.Errorf("locks after recover:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(wsDir, ".sw", "worktrees", "slow")); !os.IsNotExist(err) {
		t.Errorf("sandbox still present after recover: %v", err)
	}

	// A reset spec is runnable again.
	mustSW(t, wsDir, "reset", "slow")
	if got := loadSpec(t, wsDir, "slow").Status; got != spec.StatusPending {
		t.Errorf("status after reset = %s", got)
	}
}

func TestCLIRunFromSubdirectory(t *testing.T) {
	t.Parallel()
	wsDir := initWorkspace(t)
	mustSW(t, wsDir, "add", "Subdir spec", "--id", "sub")

	nested := filepath.Join(wsDir, "pkg", "nested")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	out, code := runSWIn(t, nested, "", "list")
	if code != 0 {
		t.Fatalf("sw list from subdir failed (exit %d):\n%s", code, out)
	}
	if !strings.Contains(out, "Subdir spec") {
		t.Errorf("output missing spec title:\n%s", out)
	}
}

func TestWorkspaceEnvOverridesCWD(t *testing.T) {
	t.Parallel()
	a := initWorkspace(t)
	b := initWorkspace(t)
	mustSW(t, a, "add", "Only in A", "--id", "only-a")

	out, code := runSWIn(t, b, a, "show", "only-a")
	if code != 0 {
		t.Fatalf("show with SW_WORKSPACE failed (exit %d):\n%s", code, out)
	}
	if !strings.Contains(out, "Only in A") {
		t.Errorf("show output:\n%s", out)
	}
}

func TestCLINoWorkspaceHelpfulMessage(t *testing.T) {
	t.Parallel()
	out, code := runSWIn(t, t.TempDir(), "", "list")
	if code != 4 {
		t.Errorf("exit = %d, want 4", code)
	}
	if !strings.Contains(out, "sw init") {
		t.Errorf("output missing 'sw init' guidance:\n%s", out)
	}
}

// TestClaudeCompletesSpec drives a real claude agent through one spec.
func TestClaudeCompletesSpec(t *testing.T) {
	requireClaude(t)
	dir := t.TempDir()
	if err := gitutil.InitWithBranch(dir, "main"); err != nil {
		t.Fatal(err)
	}
	if err := gitutil.CommitEmpty(dir, "initial commit"); err != nil {
		t.Fatal(err)
	}
	mustSW(t, dir, "init", dir, "--base", "main")
	mustSW(t, dir, "add", "Create hello.txt containing the word hello, then commit it", "--id", "hello")

	out, code := runSW(t, dir, "work", "hello", "--model", "haiku")
	if code != 0 {
		dumpLogs(t, dir, "hello")
		t.Fatalf("work exit %d:\n%s", code, out)
	}
	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil {
		t.Fatalf("hello.txt not merged: %v", err)
	}
	if !strings.Contains(strings.ToLower(string(data)), "hello") {
		t.Errorf("hello.txt = %q", data)
	}
}
