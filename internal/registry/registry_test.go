package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/store"
	"github.com/scrawlhq/scrawl/internal/store/sqlite"
)

func testRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "index.sqlite3"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return New(db), db
}

func TestMachineCached(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	m1, err := r.Machine(ctx)
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	if m1.GUID == "" || m1.Hostname == "" {
		t.Fatalf("machine fields: %+v", m1)
	}
	m2, err := r.Machine(ctx)
	if err != nil {
		t.Fatalf("machine 2: %v", err)
	}
	if m1 != m2 {
		t.Fatalf("second call should return the cached row")
	}
	r.Reset()
	m3, err := r.Machine(ctx)
	if err != nil {
		t.Fatalf("machine 3: %v", err)
	}
	if m3.ID != m1.ID {
		t.Fatalf("same host must map to the same row after reset")
	}
}

func TestRegisterSelf(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	p, err := r.RegisterSelf(ctx, SelfOptions{ProcessType: model.ProcessTypeCLI})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.PID != os.Getpid() || p.Status != model.ProcessRunning {
		t.Fatalf("row: %+v", p)
	}
	if r.Current() == nil || r.Current().ID != p.ID {
		t.Fatalf("current not cached")
	}
	if err := r.MarkSelfExited(ctx, 0); err != nil {
		t.Fatalf("exit: %v", err)
	}
	got, err := r.Store().GetProcess(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.ProcessExited {
		t.Fatalf("row not exited: %+v", got)
	}
}

func TestRegisterSelfAdoptsLaunchRow(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()
	m, err := r.Machine(ctx)
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	// simulate the row Launch pre-created for this process
	pre := &model.Process{
		ID: model.NewID(), MachineID: m.ID, PID: os.Getpid(),
		ProcessType: model.ProcessTypeWorker, WorkerType: model.WorkerTypeCrawl,
		Status: model.ProcessRunning, Cmd: []string{"scrawl", "worker"},
		StartedAt: time.Now().UTC(),
	}
	if err := st.InsertProcess(ctx, pre); err != nil {
		t.Fatalf("insert: %v", err)
	}
	t.Setenv(SelfProcessEnv, pre.ID)

	p, err := r.RegisterSelf(ctx, SelfOptions{ProcessType: model.ProcessTypeWorker, WorkerType: model.WorkerTypeCrawl})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.ID != pre.ID {
		t.Fatalf("expected adoption of the launch row, got new row %s", p.ID)
	}
	running, err := st.ListRunningProcesses(ctx, m.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(running) != 1 {
		t.Fatalf("duplicate row registered: %d running", len(running))
	}
}

func TestIsRunningAndAlive(t *testing.T) {
	r, _ := testRegistry(t)
	if !r.IsRunning(os.Getpid()) {
		t.Fatalf("own pid should be running")
	}
	if r.IsRunning(-1) || r.IsRunning(0) {
		t.Fatalf("invalid pids should not be running")
	}

	// dead but recently started: signal-0 fails
	dead := &model.Process{PID: 1 << 22, StartedAt: time.Now().UTC()}
	if r.Alive(dead) {
		t.Fatalf("unlikely pid should be dead")
	}
	// alive pid but ancient row start: start time mismatch means PID reuse
	reused := &model.Process{PID: os.Getpid(), StartedAt: time.Now().UTC().Add(-72 * time.Hour)}
	if start := procStartUnix(os.Getpid()); start > 0 && r.Alive(reused) {
		t.Fatalf("start time mismatch should count as dead")
	}
}

func TestPollMarksDeadRows(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()
	m, _ := r.Machine(ctx)
	p := &model.Process{
		ID: model.NewID(), MachineID: m.ID, PID: 1 << 22,
		ProcessType: model.ProcessTypeWorker, Status: model.ProcessRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := st.InsertProcess(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	changed, err := r.Poll(ctx, p)
	if err != nil || !changed {
		t.Fatalf("poll: changed=%v err=%v", changed, err)
	}
	got, _ := st.GetProcess(ctx, p.ID)
	if got.Status != model.ProcessExited || got.ExitCode == nil || *got.ExitCode != KilledExitCode {
		t.Fatalf("dead row not reconciled: %+v", got)
	}
	// already-exited rows are left alone
	changed, err = r.Poll(ctx, got)
	if err != nil || changed {
		t.Fatalf("re-poll: changed=%v err=%v", changed, err)
	}
}

func TestLaunchAndWait(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()
	dir := t.TempDir()
	h, err := r.Launch(ctx, LaunchSpec{
		Name:          "hello",
		Argv:          []string{"sh", "-c", "echo out-line; echo err-line >&2; exit 3"},
		Dir:           dir,
		Env:           map[string]string{"PATH": os.Getenv("PATH")},
		ProcessType:   model.ProcessTypeHook,
		CaptureStdout: true,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	code, err := h.Wait(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != 3 {
		t.Fatalf("exit=%d", code)
	}
	if got := h.Stdout(); got != "out-line\n" {
		t.Fatalf("stdout capture: %q", got)
	}
	row, err := st.GetProcess(ctx, h.Proc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != model.ProcessExited || *row.ExitCode != 3 {
		t.Fatalf("row: %+v", row)
	}
	if _, err := os.Stat(filepath.Join(dir, "cmd.sh")); err != nil {
		t.Fatalf("cmd.sh: %v", err)
	}
	// pid file is removed once the process finishes
	if _, err := os.Stat(filepath.Join(dir, "hello.pid")); !os.IsNotExist(err) {
		t.Fatalf("pid file not removed: %v", err)
	}
}

func TestLaunchTimeoutKillsGroup(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	h, err := r.Launch(ctx, LaunchSpec{
		Name:        "slow",
		Argv:        []string{"sh", "-c", "sleep 30"},
		Dir:         t.TempDir(),
		Env:         map[string]string{"PATH": os.Getenv("PATH")},
		ProcessType: model.ProcessTypeHook,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	start := time.Now()
	code, err := h.Wait(ctx, 500*time.Millisecond)
	if err == nil || err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if code != KilledExitCode {
		t.Fatalf("exit=%d", code)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("wait did not return promptly")
	}
}

func TestKillTree(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()

	parent, err := r.Launch(ctx, LaunchSpec{
		Name:        "parent",
		Argv:        []string{"sh", "-c", "sleep 60"},
		Dir:         t.TempDir(),
		Env:         map[string]string{"PATH": os.Getenv("PATH")},
		ProcessType: model.ProcessTypeWorker,
	})
	if err != nil {
		t.Fatalf("launch parent: %v", err)
	}
	child, err := r.Launch(ctx, LaunchSpec{
		Name:        "child",
		Argv:        []string{"sh", "-c", "sleep 60"},
		Dir:         t.TempDir(),
		Env:         map[string]string{"PATH": os.Getenv("PATH")},
		ProcessType: model.ProcessTypeHook,
		ParentID:    parent.Proc.ID,
	})
	if err != nil {
		t.Fatalf("launch child: %v", err)
	}

	killed, err := r.KillTree(ctx, parent.Proc, 2*time.Second)
	if err != nil {
		t.Fatalf("killtree: %v", err)
	}
	if killed != 2 {
		t.Fatalf("killed=%d, want parent and child", killed)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !pidAlive(parent.Proc.PID) && !pidAlive(child.Proc.PID) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if pidAlive(parent.Proc.PID) || pidAlive(child.Proc.PID) {
		t.Fatalf("tree still alive after KillTree")
	}
	for _, id := range []string{parent.Proc.ID, child.Proc.ID} {
		row, err := st.GetProcess(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if row.Status != model.ProcessExited {
			t.Fatalf("row %s not exited", id)
		}
	}
	// reap, otherwise the launch goroutines leak zombies into later tests
	_, _ = parent.TryWait(ctx)
	_, _ = child.TryWait(ctx)
}

func TestCleanupStaleRunning(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()
	m, _ := r.Machine(ctx)

	stale := &model.Process{
		ID: model.NewID(), MachineID: m.ID, PID: 1 << 22,
		ProcessType: model.ProcessTypeWorker, Status: model.ProcessRunning,
		StartedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	fresh := &model.Process{
		ID: model.NewID(), MachineID: m.ID, PID: (1 << 22) + 1,
		ProcessType: model.ProcessTypeWorker, Status: model.ProcessRunning,
		StartedAt: time.Now().UTC(),
	}
	for _, p := range []*model.Process{stale, fresh} {
		if err := st.InsertProcess(ctx, p); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := r.CleanupStaleRunning(ctx, DefaultReuseWindow)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed=%d, want only the old dead row", n)
	}
	got, _ := st.GetProcess(ctx, fresh.ID)
	if got.Status != model.ProcessRunning {
		t.Fatalf("fresh row must survive the reuse window: %+v", got)
	}
}

func TestRunningCountScoped(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()
	m, _ := r.Machine(ctx)

	root := &model.Process{ID: model.NewID(), MachineID: m.ID, PID: os.Getpid(),
		ProcessType: model.ProcessTypeOrchestrator, Status: model.ProcessRunning,
		StartedAt: time.Now().UTC()}
	inScope := &model.Process{ID: model.NewID(), MachineID: m.ID, PID: os.Getpid(),
		ProcessType: model.ProcessTypeWorker, WorkerType: model.WorkerTypeCrawl,
		ParentID: root.ID, Status: model.ProcessRunning, StartedAt: time.Now().UTC()}
	outOfScope := &model.Process{ID: model.NewID(), MachineID: m.ID, PID: os.Getpid(),
		ProcessType: model.ProcessTypeWorker, WorkerType: model.WorkerTypeCrawl,
		Status: model.ProcessRunning, StartedAt: time.Now().UTC()}
	for _, p := range []*model.Process{root, inScope, outOfScope} {
		if err := st.InsertProcess(ctx, p); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := r.RunningCount(ctx, model.ProcessTypeWorker, model.WorkerTypeCrawl, "")
	if err != nil || n != 2 {
		t.Fatalf("unscoped=%d err=%v", n, err)
	}
	n, err = r.RunningCount(ctx, model.ProcessTypeWorker, model.WorkerTypeCrawl, root.ID)
	if err != nil || n != 1 {
		t.Fatalf("scoped=%d err=%v", n, err)
	}
}

func TestFindLiveSingleton(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()
	m, _ := r.Machine(ctx)

	// a dead orchestrator row does not block
	dead := &model.Process{ID: model.NewID(), MachineID: m.ID, PID: 1 << 22,
		ProcessType: model.ProcessTypeOrchestrator, Status: model.ProcessRunning,
		StartedAt: time.Now().UTC()}
	if err := st.InsertProcess(ctx, dead); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.FindLiveSingleton(ctx, model.ProcessTypeOrchestrator, "")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != nil {
		t.Fatalf("dead row should not count as a live singleton")
	}

	live := &model.Process{ID: model.NewID(), MachineID: m.ID, PID: os.Getpid(),
		ProcessType: model.ProcessTypeOrchestrator, Status: model.ProcessRunning,
		StartedAt: time.Now().UTC()}
	if err := st.InsertProcess(ctx, live); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err = r.FindLiveSingleton(ctx, model.ProcessTypeOrchestrator, "")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.ID != live.ID {
		t.Fatalf("live singleton not found")
	}
	// crawl-scoped lookup ignores the unscoped row
	got, err = r.FindLiveSingleton(ctx, model.ProcessTypeOrchestrator, "crawl-1")
	if err != nil || got != nil {
		t.Fatalf("scoped lookup: got=%v err=%v", got, err)
	}
}
