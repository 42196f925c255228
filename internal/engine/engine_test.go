package engine_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilocn/specwork/internal/agent"
	"github.com/ilocn/specwork/internal/config"
	"github.com/ilocn/specwork/internal/engine"
	"github.com/ilocn/specwork/internal/gitutil"
	"github.com/ilocn/specwork/internal/graph"
	"github.com/ilocn/specwork/internal/lifecycle"
	"github.com/ilocn/specwork/internal/lock"
	"github.com/ilocn/specwork/internal/sandbox"
	"github.com/ilocn/specwork/internal/spec"
	"github.com/ilocn/specwork/internal/workspace"
)

// commitScript writes one file named after the spec and commits it.
const commitScript = `echo "$SW_SPEC_ID" > "out-$SW_SPEC_ID.txt" && git add "out-$SW_SPEC_ID.txt" && git commit -q -m "work $SW_SPEC_ID"`

// failFor fails the listed specs and commits for every other one.
func failFor(ids string) string {
	return `case " ` + ids + ` " in *" $SW_SPEC_ID "*) echo "rate limit exceeded"; exit 1;; esac; ` + commitScript
}

func setup(t *testing.T, script string) (*engine.Engine, *workspace.Workspace) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, gitutil.InitWithBranch(dir, "main"))
	require.NoError(t, gitutil.CommitEmpty(dir, "initial commit"))

	cfg := config.Default()
	cfg.BaseBranch = "main"
	cfg.Agent.Provider = "command"
	cfg.Agent.Command = "sh"
	cfg.Agent.Args = []string{"-c", script}
	ws, err := workspace.Init(ctx, dir, cfg)
	require.NoError(t, err)
	e, err := engine.New(ctx, ws)
	require.NoError(t, err)
	return e, ws
}

func add(t *testing.T, e *engine.Engine, s *spec.Spec) {
	t.Helper()
	if s.Body == "" {
		s.Body = "# " + s.ID + "\n"
	}
	require.NoError(t, e.Store.Create(s))
}

func status(t *testing.T, e *engine.Engine, id string) spec.Status {
	t.Helper()
	s, err := e.Store.Load(id)
	require.NoError(t, err)
	return s.Status
}

// assertClean checks that no lock record or sandbox is left behind.
func assertClean(t *testing.T, e *engine.Engine, ws *workspace.Workspace) {
	t.Helper()
	locks, err := e.Locks.List()
	require.NoError(t, err)
	assert.Empty(t, locks, "lock records left behind")

	sbs, err := e.Sandboxes.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sbs, "sandboxes left behind")

	entries, err := os.ReadDir(ws.WorktreesDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "sandbox directories left behind")
}

func TestRunSingleCompletesAndMerges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, ws := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "a"})

	out, err := e.RunSingle(ctx, "a", engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, spec.StatusCompleted, out.Status)
	assert.Len(t, out.Commits, 1)

	s, err := e.Store.Load("a")
	require.NoError(t, err)
	assert.Equal(t, spec.StatusCompleted, s.Status)
	assert.Equal(t, "sw/a", s.Branch)
	assert.Equal(t, out.Commits, s.Commits)
	assert.NotNil(t, s.CompletedAt)
	assert.Equal(t, "sh", s.Model)

	_, err = os.Stat(filepath.Join(ws.Root, "out-a.txt"))
	assert.NoError(t, err, "work should be merged into main")
	assert.False(t, gitutil.BranchExists(ctx, ws.Root, "sw/a"), "merged branch should be deleted")
	assertClean(t, e, ws)

	_, err = os.Stat(ws.LogPath("a"))
	assert.NoError(t, err, "agent log should exist")
}

func TestRunSingleNotReady(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, ws := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "a"})
	add(t, e, &spec.Spec{ID: "b", Dependencies: spec.StringList{"a"}})

	_, err := e.RunSingle(ctx, "b", engine.Options{})
	require.ErrorIs(t, err, engine.ErrNotReady)
	var nr *engine.NotReadyError
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, []string{"a"}, nr.Readiness.Unmet)
	assert.Equal(t, spec.StatusPending, status(t, e, "b"))

	_, err = e.RunSingle(ctx, "missing", engine.Options{})
	assert.ErrorIs(t, err, spec.ErrNotFound)

	out, err := e.RunSingle(ctx, "b", engine.Options{SkipDeps: true})
	require.NoError(t, err)
	assert.Equal(t, spec.StatusCompleted, out.Status)
	assertClean(t, e, ws)
}

func TestRunSingleLocked(t *testing.T) {
	t.Parallel()
	e, _ := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "a"})

	other := lock.NewManager(lock.NewFileStore(e.LocksDir), func(int) bool { return true })
	other.PID = os.Getpid() + 100000
	h, err := other.Acquire("a")
	require.NoError(t, err)
	defer h.Release() //nolint:errcheck

	e.Locks = lock.NewManager(lock.NewFileStore(e.LocksDir), func(int) bool { return true })
	_, err = e.RunSingle(context.Background(), "a", engine.Options{})
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.Equal(t, spec.StatusPending, status(t, e, "a"))
}

func TestAgentFailureRecordsError(t *testing.T) {
	t.Parallel()
	e, ws := setup(t, failFor("a"))
	add(t, e, &spec.Spec{ID: "a"})

	out, err := e.RunSingle(context.Background(), "a", engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, spec.StatusFailed, out.Status)
	assert.True(t, out.Failed())

	s, err := e.Store.Load("a")
	require.NoError(t, err)
	assert.Equal(t, spec.StatusFailed, s.Status)
	assert.Equal(t, 1, s.RetryCount)
	assert.Contains(t, s.LastError, "exited with code 1")
	assert.Contains(t, s.LastError, "rate limit exceeded")
	assertClean(t, e, ws)
}

func TestUnmetCriteriaFailsSpec(t *testing.T) {
	t.Parallel()
	e, ws := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "a", Body: "# A\n\n## Acceptance Criteria\n\n- [ ] output written\n"})

	out, err := e.RunSingle(context.Background(), "a", engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, spec.StatusFailed, out.Status)
	var v *lifecycle.Violation
	require.ErrorAs(t, out.Err, &v)
	assert.Equal(t, lifecycle.CheckCriteria, v.Check)
	assert.True(t, gitutil.BranchExists(context.Background(), ws.Root, "sw/a"), "failed work stays on its branch")
	assertClean(t, e, ws)
}

func TestCheckedCriteriaFlowBackIntoRecord(t *testing.T) {
	t.Parallel()
	script := `sed -i 's/- \[ \]/- [x]/' "$SW_SPEC_FILE" && ` + commitScript
	e, ws := setup(t, script)
	add(t, e, &spec.Spec{ID: "a", Body: "# A\n\n## Acceptance Criteria\n\n- [ ] output written\n"})

	out, err := e.RunSingle(context.Background(), "a", engine.Options{})
	require.NoError(t, err)
	require.Equal(t, spec.StatusCompleted, out.Status, "err: %v", out.Err)

	s, err := e.Store.Load("a")
	require.NoError(t, err)
	assert.Contains(t, s.Body, "- [x] output written")
	assertClean(t, e, ws)
}

func TestNoCommitsFails(t *testing.T) {
	t.Parallel()
	e, _ := setup(t, "true")
	add(t, e, &spec.Spec{ID: "a"})
	add(t, e, &spec.Spec{ID: "b"})

	out, err := e.RunSingle(context.Background(), "a", engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, spec.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, lifecycle.ErrPrecondition)

	out, err = e.RunSingle(context.Background(), "b", engine.Options{AllowNoCommits: true})
	require.NoError(t, err)
	assert.Equal(t, spec.StatusCompleted, out.Status)
}

func TestChainFollowsDependenciesAndStopsOnFailure(t *testing.T) {
	t.Parallel()
	e, ws := setup(t, failFor("c"))
	add(t, e, &spec.Spec{ID: "a"})
	add(t, e, &spec.Spec{ID: "b", Dependencies: spec.StringList{"a"}})
	add(t, e, &spec.Spec{ID: "c", Dependencies: spec.StringList{"b"}})
	add(t, e, &spec.Spec{ID: "d"})

	rep, err := e.RunChain(context.Background(), engine.Options{})
	require.NoError(t, err)

	var ids []string
	for _, o := range rep.Outcomes {
		ids = append(ids, o.SpecID)
	}
	// a unblocks b, b unblocks c, which fails and stops the chain before d.
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, spec.StatusCompleted, status(t, e, "a"))
	assert.Equal(t, spec.StatusCompleted, status(t, e, "b"))
	assert.Equal(t, spec.StatusFailed, status(t, e, "c"))
	assert.Equal(t, spec.StatusPending, status(t, e, "d"))
	require.Len(t, rep.Failed(), 1)
	assert.Error(t, rep.Err())
	assertClean(t, e, ws)
}

func TestChainFiltersAndLimits(t *testing.T) {
	t.Parallel()
	e, _ := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "a", Labels: spec.StringList{"docs"}})
	add(t, e, &spec.Spec{ID: "b"})
	add(t, e, &spec.Spec{ID: "c", Labels: spec.StringList{"docs"}})

	rep, err := e.RunChain(context.Background(), engine.Options{Labels: []string{"docs"}, MaxSpecs: 1})
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, "a", rep.Outcomes[0].SpecID)
	assert.Equal(t, spec.StatusPending, status(t, e, "c"))

	_, err = e.RunChain(context.Background(), engine.Options{Labels: []string{"none"}})
	assert.ErrorIs(t, err, engine.ErrNothingToDo)
}

func TestParallelPartialFailure(t *testing.T) {
	t.Parallel()
	e, ws := setup(t, failFor("p2 p4"))
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		add(t, e, &spec.Spec{ID: id})
	}

	rep, err := e.RunParallel(context.Background(), engine.Options{Concurrency: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Waves)
	require.Len(t, rep.Outcomes, 5)

	completed, failed := 0, 0
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		switch status(t, e, id) {
		case spec.StatusCompleted:
			completed++
		case spec.StatusFailed:
			failed++
		}
	}
	assert.Equal(t, 3, completed)
	assert.Equal(t, 2, failed)
	assert.Len(t, rep.Failed(), 2)
	assertClean(t, e, ws)

	for _, id := range []string{"p1", "p3", "p5"} {
		_, err := os.Stat(filepath.Join(ws.Root, "out-"+id+".txt"))
		assert.NoError(t, err, "%s should be merged", id)
	}
}

func TestParallelWavesTopUp(t *testing.T) {
	t.Parallel()
	e, ws := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "a"})
	add(t, e, &spec.Spec{ID: "b"})
	add(t, e, &spec.Spec{ID: "c", Dependencies: spec.StringList{"a", "b"}})

	rep, err := e.RunParallel(context.Background(), engine.Options{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Waves)
	assert.Empty(t, rep.Failed())
	assert.Equal(t, spec.StatusCompleted, status(t, e, "c"))
	assertClean(t, e, ws)

	e2, _ := setup(t, commitScript)
	add(t, e2, &spec.Spec{ID: "a"})
	add(t, e2, &spec.Spec{ID: "b", Dependencies: spec.StringList{"a"}})
	rep, err = e2.RunParallel(context.Background(), engine.Options{Concurrency: 2, MaxWaves: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Waves)
	assert.Equal(t, spec.StatusPending, status(t, e2, "b"))
}

func TestDriverCompletesWithLastMember(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, ws := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "d", Kind: spec.KindDriver})
	add(t, e, &spec.Spec{ID: "d.1"})
	add(t, e, &spec.Spec{ID: "d.2"})

	_, err := e.RunSingle(ctx, "d", engine.Options{})
	require.ErrorIs(t, err, engine.ErrNotReady)

	_, err = e.RunSingle(ctx, "d.1", engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, spec.StatusInProgress, status(t, e, "d"), "first member starts the driver")

	_, err = e.RunSingle(ctx, "d.2", engine.Options{})
	require.NoError(t, err)
	drv, err := e.Store.Load("d")
	require.NoError(t, err)
	assert.Equal(t, spec.StatusCompleted, drv.Status)
	assert.Equal(t, engine.AutoCompletedModel, drv.Model)
	assertClean(t, e, ws)
}

func TestDriverCompletesInAnyMemberOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, ws := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "d", Kind: spec.KindDriver})
	for _, id := range []string{"d.1", "d.2", "d.3", "d.4"} {
		add(t, e, &spec.Spec{ID: id})
	}

	for _, id := range []string{"d.4", "d.3", "d.2"} {
		out, err := e.RunSingle(ctx, id, engine.Options{})
		require.NoError(t, err)
		require.Equal(t, spec.StatusCompleted, out.Status, "%s: %v", id, out.Err)
		assert.Equal(t, spec.StatusInProgress, status(t, e, "d"), "driver must wait for d.1 (after %s)", id)
	}

	_, err := e.RunSingle(ctx, "d.1", engine.Options{})
	require.NoError(t, err)
	drv, err := e.Store.Load("d")
	require.NoError(t, err)
	assert.Equal(t, spec.StatusCompleted, drv.Status)
	assert.Equal(t, engine.AutoCompletedModel, drv.Model)
	assertClean(t, e, ws)
}

func TestApprovalGate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _ := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "a", Approval: &spec.Approval{Required: true}})

	_, err := e.RunSingle(ctx, "a", engine.Options{})
	require.ErrorIs(t, err, engine.ErrNotReady)

	_, err = e.Reject("a", "alice")
	require.NoError(t, err)
	_, err = e.RunSingle(ctx, "a", engine.Options{SkipDeps: true})
	require.Error(t, err)

	s, err := e.Approve("a", "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", s.Approval.By)
	out, err := e.RunSingle(ctx, "a", engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, spec.StatusCompleted, out.Status)

	_, err = e.Approve("a", "bob")
	assert.Error(t, err, "approval after start is refused")
}

func TestNoMergeThenMergeBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, ws := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "a"})

	out, err := e.RunSingle(ctx, "a", engine.Options{NoMerge: true})
	require.NoError(t, err)
	require.Equal(t, spec.StatusCompleted, out.Status)
	assert.True(t, gitutil.BranchExists(ctx, ws.Root, "sw/a"))
	_, err = os.Stat(filepath.Join(ws.Root, "out-a.txt"))
	assert.True(t, os.IsNotExist(err), "work must not be merged yet")

	rep, err := e.MergeBack(ctx, nil)
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.NoError(t, rep.Outcomes[0].Err)
	_, err = os.Stat(filepath.Join(ws.Root, "out-a.txt"))
	assert.NoError(t, err)
	assert.False(t, gitutil.BranchExists(ctx, ws.Root, "sw/a"))

	_, err = e.MergeBack(ctx, nil)
	assert.ErrorIs(t, err, engine.ErrNothingToDo)
}

func TestResetAndCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, ws := setup(t, failFor("a b"))
	add(t, e, &spec.Spec{ID: "a"})
	add(t, e, &spec.Spec{ID: "b"})
	add(t, e, &spec.Spec{ID: "c", Dependencies: spec.StringList{"a"}})

	_, err := e.RunSingle(ctx, "a", engine.Options{})
	require.NoError(t, err)
	_, err = e.RunSingle(ctx, "b", engine.Options{})
	require.NoError(t, err)
	require.True(t, gitutil.BranchExists(ctx, ws.Root, "sw/a"))

	s, err := e.Reset(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, spec.StatusPending, s.Status)
	assert.Equal(t, 1, s.RetryCount, "reset keeps the attempt count")
	assert.False(t, gitutil.BranchExists(ctx, ws.Root, "sw/a"), "reset discards the old branch")

	_, err = e.Reset(ctx, "a")
	assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)

	s, err = e.Cancel(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, spec.StatusCancelled, s.Status)
	_, err = e.Cancel(ctx, "b")
	assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
}

func TestResetToBlocked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _ := setup(t, failFor("b"))
	add(t, e, &spec.Spec{ID: "a"})
	add(t, e, &spec.Spec{ID: "b"})

	_, err := e.RunSingle(ctx, "b", engine.Options{})
	require.NoError(t, err)
	_, err = e.Store.Update("b", func(s *spec.Spec) error {
		s.Dependencies = spec.StringList{"a"}
		return nil
	})
	require.NoError(t, err)

	s, err := e.Reset(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, spec.StatusBlocked, s.Status)
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	e, _ := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "a"})
	add(t, e, &spec.Spec{ID: "b", Dependencies: spec.StringList{"a"}})
	add(t, e, &spec.Spec{ID: "c", Status: spec.StatusBlocked})

	changes, err := e.Reconcile()
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, spec.StatusBlocked, status(t, e, "b"))
	assert.Equal(t, spec.StatusPending, status(t, e, "c"))

	changes, err = e.Reconcile()
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestVerify(t *testing.T) {
	t.Parallel()
	e, _ := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "doc", Kind: spec.KindDocumentation, Drift: true})

	s, err := e.Verify("doc", engine.VerifyFailed)
	require.NoError(t, err)
	assert.True(t, s.Drift)
	assert.Equal(t, "failed", s.VerificationStatus)

	s, err = e.Verify("doc", engine.VerifyPassed)
	require.NoError(t, err)
	assert.False(t, s.Drift)
	assert.NotNil(t, s.LastVerified)

	_, err = e.Verify("doc", "maybe")
	assert.Error(t, err)
}

func TestUnknownPromptIsFatal(t *testing.T) {
	t.Parallel()
	e, _ := setup(t, commitScript)
	e.Prompt = "no-such-prompt"
	add(t, e, &spec.Spec{ID: "a"})

	_, err := e.RunSingle(context.Background(), "a", engine.Options{})
	require.ErrorIs(t, err, engine.ErrConfig)
	assert.True(t, engine.Fatal(err))
	assert.Equal(t, spec.StatusPending, status(t, e, "a"), "nothing changes before the prompt resolves")
}

func TestUnstartableAgentStopsChain(t *testing.T) {
	t.Parallel()
	e, ws := setup(t, commitScript)
	e.Provider = nil
	add(t, e, &spec.Spec{ID: "a"})
	add(t, e, &spec.Spec{ID: "b"})

	opts := engine.Options{Provider: badProvider{}}
	rep, err := e.RunChain(context.Background(), opts)
	require.True(t, engine.Fatal(err), "err = %v", err)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, spec.StatusFailed, status(t, e, "a"))
	assert.Equal(t, spec.StatusPending, status(t, e, "b"))
	assertClean(t, e, ws)
}

type badProvider struct{}

func (badProvider) Name() string { return "missing" }

func (badProvider) Command(agent.Invocation) (*exec.Cmd, error) {
	return exec.Command(filepath.Join(os.TempDir(), "definitely-not-an-agent-binary")), nil
}

func TestDetachedRunFinalizedLater(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	script := commitScript + ` && printf '{"spec_id":"%s","status":"done"}' "$SW_SPEC_ID" > "$SW_STATUS_FILE"`
	e, ws := setup(t, script)
	add(t, e, &spec.Spec{ID: "a"})

	out, err := e.RunSingle(ctx, "a", engine.Options{Detach: true})
	require.NoError(t, err)
	assert.True(t, out.Detached)
	assert.False(t, out.Failed())
	assert.NotZero(t, out.AgentPID)
	assert.Equal(t, spec.StatusInProgress, status(t, e, "a"))

	entry, err := e.Locks.Inspect("a")
	require.NoError(t, err)
	assert.True(t, entry.Info.Detached)
	assert.Equal(t, out.AgentPID, entry.Info.AgentPID)

	sb, ok := e.Sandboxes.Get("a")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		mk, err := sandbox.ReadMarker(sb.Path)
		return err == nil && mk.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	fo, err := e.Finalize(ctx, "a", engine.FinalizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, spec.StatusCompleted, fo.Status)
	assertClean(t, e, ws)
}

func TestFinalizeRefusesRunningAgent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _ := setup(t, "sleep 30")
	add(t, e, &spec.Spec{ID: "a"})

	out, err := e.RunSingle(ctx, "a", engine.Options{Detach: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		syscall.Kill(-out.AgentPID, syscall.SIGKILL) //nolint:errcheck
	})

	_, err = e.Finalize(ctx, "a", engine.FinalizeOptions{})
	assert.ErrorIs(t, err, engine.ErrStillRunning)

	_, err = e.Finalize(ctx, "missing", engine.FinalizeOptions{})
	assert.ErrorIs(t, err, engine.ErrNoSandbox)
}

func TestReportErr(t *testing.T) {
	t.Parallel()
	rep := engine.Report{Outcomes: []engine.Outcome{
		{SpecID: "a", Status: spec.StatusCompleted},
		{SpecID: "b", Status: spec.StatusInProgress, Detached: true},
		{SpecID: "c", Status: spec.StatusFailed, Err: errors.New("boom")},
	}}
	require.Len(t, rep.Failed(), 1)
	assert.EqualError(t, rep.Err(), "c: boom")
}

func TestCycleRejectedBeforeAnyRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, ws := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "a", Dependencies: spec.StringList{"b"}})
	add(t, e, &spec.Spec{ID: "b", Dependencies: spec.StringList{"a"}})
	add(t, e, &spec.Spec{ID: "c"})

	rep, err := e.RunChain(ctx, engine.Options{})
	require.ErrorIs(t, err, graph.ErrCycle)
	assert.NotErrorIs(t, err, engine.ErrNothingToDo)
	assert.Empty(t, rep.Outcomes)

	rep, err = e.RunParallel(ctx, engine.Options{Concurrency: 3})
	require.ErrorIs(t, err, graph.ErrCycle)
	assert.Empty(t, rep.Outcomes)

	_, err = e.RunSingle(ctx, "c", engine.Options{})
	require.ErrorIs(t, err, graph.ErrCycle)
	assert.Contains(t, err.Error(), "a -> b -> a")

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, spec.StatusPending, status(t, e, id), "%s must be untouched", id)
	}
	assertClean(t, e, ws)
}

func TestAgentAddedDependencyBlocksCompletion(t *testing.T) {
	t.Parallel()
	script := `sed -i '1a depends_on: [y]' "$SW_SPEC_FILE" && ` + commitScript
	e, ws := setup(t, script)
	add(t, e, &spec.Spec{ID: "x"})
	add(t, e, &spec.Spec{ID: "y"})

	out, err := e.RunSingle(context.Background(), "x", engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, spec.StatusFailed, out.Status)
	var v *lifecycle.Violation
	require.ErrorAs(t, out.Err, &v)
	assert.Equal(t, lifecycle.CheckDependencies, v.Check)
	assert.Contains(t, v.Detail, "y")

	s, err := e.Store.Load("x")
	require.NoError(t, err)
	assert.Equal(t, spec.StatusFailed, s.Status)
	assert.Equal(t, []string{"y"}, []string(s.Dependencies), "the added dependency is kept")
	assert.Equal(t, spec.StatusPending, status(t, e, "y"))
	_, err = os.Stat(filepath.Join(ws.Root, "out-x.txt"))
	assert.True(t, os.IsNotExist(err), "work must not be merged")
	assertClean(t, e, ws)
}

func TestChainSkipsLockedSpec(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _ := setup(t, commitScript)
	add(t, e, &spec.Spec{ID: "a"})
	add(t, e, &spec.Spec{ID: "b"})

	other := lock.NewManager(lock.NewFileStore(e.LocksDir), func(int) bool { return true })
	other.PID = os.Getpid() + 100000
	h, err := other.Acquire("a")
	require.NoError(t, err)
	defer h.Release() //nolint:errcheck
	e.Locks = lock.NewManager(lock.NewFileStore(e.LocksDir), func(int) bool { return true })

	rep, err := e.RunChain(ctx, engine.Options{})
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 2)
	assert.True(t, rep.Outcomes[0].Skipped)
	assert.ErrorIs(t, rep.Outcomes[0].Err, lock.ErrLocked)
	assert.Equal(t, spec.StatusCompleted, rep.Outcomes[1].Status)
	assert.Empty(t, rep.Failed())
	assert.Len(t, rep.Skipped(), 1)
	assert.NoError(t, rep.Err())
	assert.Equal(t, spec.StatusPending, status(t, e, "a"))
	assert.Equal(t, spec.StatusCompleted, status(t, e, "b"))

	// Only the locked spec is left: nothing can start.
	rep, err = e.RunChain(ctx, engine.Options{})
	require.ErrorIs(t, err, engine.ErrNothingToDo)
	require.Len(t, rep.Outcomes, 1)
	assert.True(t, rep.Outcomes[0].Skipped)

	rep, err = e.RunParallel(ctx, engine.Options{Concurrency: 2})
	require.ErrorIs(t, err, engine.ErrNothingToDo)
	assert.Empty(t, rep.Failed())
}

// conflictScript commits conflict.txt with the spec id as content and
// reports done.
const conflictScript = `echo "$SW_SPEC_ID" > conflict.txt && git add conflict.txt && git commit -q -m "work $SW_SPEC_ID" && ` +
	`printf '{"spec_id":"%s","status":"done"}' "$SW_SPEC_ID" > "$SW_STATUS_FILE"`

func commitOnMain(t *testing.T, root, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0644))
	for _, args := range [][]string{{"add", name}, {"commit", "-q", "-m", "main edit"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
}

func TestMergeConflictFailsSpecWithPaths(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, ws := setup(t, conflictScript)
	add(t, e, &spec.Spec{ID: "a"})

	out, err := e.RunSingle(ctx, "a", engine.Options{Detach: true})
	require.NoError(t, err)
	sb, ok := e.Sandboxes.Get("a")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		mk, err := sandbox.ReadMarker(sb.Path)
		return err == nil && mk.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return syscall.Kill(out.AgentPID, 0) != nil }, 10*time.Second, 20*time.Millisecond)

	// main moves on underneath the run.
	commitOnMain(t, ws.Root, "conflict.txt", "main\n")

	fo, err := e.Finalize(ctx, "a", engine.FinalizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, spec.StatusFailed, fo.Status)
	assert.ErrorIs(t, fo.Err, gitutil.ErrMergeConflict)

	s, err := e.Store.Load("a")
	require.NoError(t, err)
	assert.Contains(t, s.LastError, "conflict.txt")
	data, err := os.ReadFile(filepath.Join(ws.Root, "conflict.txt"))
	require.NoError(t, err)
	assert.Equal(t, "main\n", string(data), "main is left untouched")
	assert.True(t, gitutil.BranchExists(ctx, ws.Root, "sw/a"), "conflicting work stays on its branch")
}

func TestMergeBackReportsConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, ws := setup(t, conflictScript)
	add(t, e, &spec.Spec{ID: "a"})

	out, err := e.RunSingle(ctx, "a", engine.Options{NoMerge: true})
	require.NoError(t, err)
	require.Equal(t, spec.StatusCompleted, out.Status, "err: %v", out.Err)
	commitOnMain(t, ws.Root, "conflict.txt", "main\n")

	rep, err := e.MergeBack(ctx, []string{"a"})
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.ErrorIs(t, rep.Outcomes[0].Err, gitutil.ErrMergeConflict)
	assert.Contains(t, rep.Outcomes[0].Err.Error(), "conflict.txt")
	assert.Len(t, rep.Failed(), 0, "the spec itself stays completed")
	assert.Equal(t, spec.StatusCompleted, status(t, e, "a"))
	assert.True(t, gitutil.BranchExists(ctx, ws.Root, "sw/a"))
}
