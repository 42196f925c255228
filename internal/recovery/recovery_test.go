package recovery_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ilocn/specwork/internal/config"
	"github.com/ilocn/specwork/internal/engine"
	"github.com/ilocn/specwork/internal/gitutil"
	"github.com/ilocn/specwork/internal/lifecycle"
	"github.com/ilocn/specwork/internal/lock"
	"github.com/ilocn/specwork/internal/recovery"
	"github.com/ilocn/specwork/internal/sandbox"
	"github.com/ilocn/specwork/internal/spec"
	"github.com/ilocn/specwork/internal/workspace"
)

// deadPID stands in for a process that has exited.
const deadPID = 999999

func newEngine(t *testing.T, stale config.StalePolicy) *engine.Engine {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	dir := t.TempDir()
	if err := gitutil.InitWithBranch(dir, "main"); err != nil {
		t.Fatal(err)
	}
	if err := gitutil.CommitEmpty(dir, "initial commit"); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.BaseBranch = "main"
	cfg.Agent.Provider = "command"
	cfg.Agent.Command = "true"
	cfg.Locks.Stale = stale
	ws, err := workspace.Init(ctx, dir, cfg)
	if err != nil {
		t.Fatalf("workspace.Init: %v", err)
	}
	e, err := engine.New(ctx, ws)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	e.Locks = lock.NewManager(lock.NewFileStore(e.LocksDir), func(pid int) bool { return pid != deadPID })
	return e
}

func create(t *testing.T, e *engine.Engine, s *spec.Spec) {
	t.Helper()
	if s.Body == "" {
		s.Body = "# " + s.ID + "\n"
	}
	if err := e.Store.Create(s); err != nil {
		t.Fatalf("Create %s: %v", s.ID, err)
	}
}

func status(t *testing.T, e *engine.Engine, id string) *spec.Spec {
	t.Helper()
	s, err := e.Store.Load(id)
	if err != nil {
		t.Fatalf("Load %s: %v", id, err)
	}
	return s
}

// deadLock leaves a lock for id owned by a process that no longer runs.
func deadLock(t *testing.T, e *engine.Engine, id string) {
	t.Helper()
	m := lock.NewManager(lock.NewFileStore(e.LocksDir), nil)
	m.PID = deadPID
	if _, err := m.Acquire(id); err != nil {
		t.Fatalf("Acquire %s: %v", id, err)
	}
}

// start puts id in progress with a sandbox, as a launcher would before
// spawning its agent.
func start(t *testing.T, e *engine.Engine, id string) *sandbox.Sandbox {
	t.Helper()
	if _, err := lifecycle.Apply(e.Store, id, spec.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	sb, err := e.Sandboxes.Create(context.Background(), id, "main")
	if err != nil {
		t.Fatal(err)
	}
	if err := sandbox.WriteSpecCopy(sb.Path, status(t, e, id)); err != nil {
		t.Fatal(err)
	}
	return sb
}

func TestRecoverFailsAbandonedSpec(t *testing.T) {
	t.Parallel()
	e := newEngine(t, config.StaleReport)
	create(t, e, &spec.Spec{ID: "a"})
	start(t, e, "a")
	deadLock(t, e, "a")

	rep, err := recovery.Recover(context.Background(), e, nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(rep.Abandoned) != 1 || rep.Abandoned[0] != "a" {
		t.Fatalf("abandoned = %v", rep.Abandoned)
	}
	s := status(t, e, "a")
	if s.Status != spec.StatusFailed {
		t.Errorf("status = %s, want failed", s.Status)
	}
	if s.LastError != recovery.AbandonedReason {
		t.Errorf("last_error = %q", s.LastError)
	}
	if s.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", s.RetryCount)
	}
	if _, ok := e.Sandboxes.Get("a"); ok {
		t.Error("sandbox survived recovery")
	}
	if entry, _ := e.Locks.Inspect("a"); entry.State != lock.StateAbsent {
		t.Errorf("lock = %s, want absent", entry.State)
	}
	if !gitutil.BranchExists(context.Background(), e.Root, e.Sandboxes.Branch("a")) {
		t.Error("branch of abandoned spec was deleted")
	}
}

func TestRecoverFinalizesReportedSpec(t *testing.T) {
	t.Parallel()
	e := newEngine(t, config.StaleReport)
	create(t, e, &spec.Spec{ID: "a"})
	sb := start(t, e, "a")
	if err := os.WriteFile(filepath.Join(sb.Path, "out.txt"), []byte("a\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := gitutil.CommitAll(context.Background(), sb.Path, "work"); err != nil {
		t.Fatal(err)
	}
	if err := sandbox.WriteMarker(sb.Path, &sandbox.Marker{SpecID: "a", Status: sandbox.MarkerDone}); err != nil {
		t.Fatal(err)
	}
	deadLock(t, e, "a")

	rep, err := recovery.Recover(context.Background(), e, nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(rep.Finalized) != 1 || rep.Finalized[0].Status != spec.StatusCompleted {
		t.Fatalf("finalized = %+v", rep.Finalized)
	}
	if got := status(t, e, "a").Status; got != spec.StatusCompleted {
		t.Errorf("status = %s", got)
	}
	if _, err := os.Stat(filepath.Join(e.Root, "out.txt")); err != nil {
		t.Errorf("work was not merged: %v", err)
	}
}

func TestRecoverLeavesLiveRunAlone(t *testing.T) {
	t.Parallel()
	e := newEngine(t, config.StaleReclaim)
	create(t, e, &spec.Spec{ID: "a"})
	start(t, e, "a")
	if _, err := e.Locks.Acquire("a"); err != nil {
		t.Fatal(err)
	}

	rep, err := recovery.Recover(context.Background(), e, nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(rep.Abandoned)+len(rep.Finalized)+len(rep.BrokenLocks)+len(rep.RemovedSandboxes) != 0 {
		t.Errorf("live run touched: %+v", rep)
	}
	if got := status(t, e, "a").Status; got != spec.StatusInProgress {
		t.Errorf("status = %s", got)
	}
	if _, ok := e.Sandboxes.Get("a"); !ok {
		t.Error("sandbox of live run removed")
	}
}

func TestRecoverStaleLockPolicy(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		policy config.StalePolicy
		broken bool
	}{
		{config.StaleReport, false},
		{config.StaleReclaim, true},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			t.Parallel()
			e := newEngine(t, tc.policy)
			create(t, e, &spec.Spec{ID: "a"})
			deadLock(t, e, "a")

			rep, err := recovery.Recover(context.Background(), e, nil)
			if err != nil {
				t.Fatalf("Recover: %v", err)
			}
			entry, _ := e.Locks.Inspect("a")
			if tc.broken {
				if len(rep.BrokenLocks) != 1 || entry.State != lock.StateAbsent {
					t.Errorf("reclaim: broken %v, state %s", rep.BrokenLocks, entry.State)
				}
				return
			}
			if len(rep.StaleLocks) != 1 || rep.StaleLocks[0].SpecID != "a" {
				t.Errorf("report: stale %v", rep.StaleLocks)
			}
			if entry.State != lock.StateStale {
				t.Errorf("report policy removed the lock: %s", entry.State)
			}
		})
	}
}

func TestRecoverRemovesOrphanSandbox(t *testing.T) {
	t.Parallel()
	e := newEngine(t, config.StaleReport)
	create(t, e, &spec.Spec{ID: "a", Status: spec.StatusFailed})
	if _, err := e.Sandboxes.Create(context.Background(), "a", "main"); err != nil {
		t.Fatal(err)
	}

	rep, err := recovery.Recover(context.Background(), e, nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if strings.Join(rep.RemovedSandboxes, ",") != "a" {
		t.Errorf("removed = %v", rep.RemovedSandboxes)
	}
	if _, err := os.Stat(e.Sandboxes.Path("a")); !os.IsNotExist(err) {
		t.Errorf("orphan sandbox still present: %v", err)
	}
	if !gitutil.BranchExists(context.Background(), e.Root, e.Sandboxes.Branch("a")) {
		t.Error("orphan branch deleted")
	}
}

func TestRecoverReconciles(t *testing.T) {
	t.Parallel()
	e := newEngine(t, config.StaleReport)
	create(t, e, &spec.Spec{ID: "base"})
	create(t, e, &spec.Spec{ID: "top", Dependencies: spec.StringList{"base"}})
	create(t, e, &spec.Spec{ID: "loose", Status: spec.StatusBlocked})

	rep, err := recovery.Recover(context.Background(), e, nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(rep.Reconciled) != 2 {
		t.Errorf("reconciled = %+v", rep.Reconciled)
	}
	if got := status(t, e, "top").Status; got != spec.StatusBlocked {
		t.Errorf("top = %s, want blocked", got)
	}
	if got := status(t, e, "loose").Status; got != spec.StatusPending {
		t.Errorf("loose = %s, want pending", got)
	}
}

func TestRecoverPrunesConfiguredRepos(t *testing.T) {
	t.Parallel()
	e := newEngine(t, config.StaleReport)
	other := t.TempDir()
	if err := gitutil.InitWithBranch(other, "main"); err != nil {
		t.Fatal(err)
	}
	repos := map[string]string{"other": other, "missing": filepath.Join(other, "nope")}
	if _, err := recovery.Recover(context.Background(), e, repos); err != nil {
		t.Errorf("Recover: %v", err)
	}
}

func TestRecoverSkipsDrivers(t *testing.T) {
	t.Parallel()
	e := newEngine(t, config.StaleReport)
	create(t, e, &spec.Spec{ID: "drv", Kind: spec.KindDriver, Status: spec.StatusInProgress})
	create(t, e, &spec.Spec{ID: "drv.1"})

	rep, err := recovery.Recover(context.Background(), e, nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(rep.Abandoned) != 0 {
		t.Errorf("driver abandoned: %v", rep.Abandoned)
	}
	if got := status(t, e, "drv").Status; got != spec.StatusInProgress {
		t.Errorf("driver = %s", got)
	}
}
