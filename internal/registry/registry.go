package registry

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/store"
)

// Defaults for liveness and termination handling.
const (
	// DefaultReuseWindow guards against OS PID reuse: a running row younger
	// than this is never reclaimed by stale cleanup even when its PID looks
	// dead, because a fresh unrelated process may have the same PID.
	DefaultReuseWindow = 24 * time.Hour

	// StartTimeTolerance is the allowed skew between a row's started_at and
	// the OS-reported process start time before the PID is considered reused.
	StartTimeTolerance = 10 * time.Second

	// DefaultGracefulTimeout is how long KillTree waits between SIGTERM and
	// SIGKILL.
	DefaultGracefulTimeout = 5 * time.Second

	// KilledExitCode is the conventional 128+SIGKILL exit code recorded for
	// processes that died without reporting.
	KilledExitCode = 137
)

// ParentProcessEnv carries the spawner's Process row id to a child so the
// child can self-register under the right parent.
const ParentProcessEnv = "SCRAWL_PARENT_PROCESS_ID"

// SelfProcessEnv carries the Process row id Launch created for a child, so
// a spawned worker adopts that row instead of inserting a duplicate.
const SelfProcessEnv = "SCRAWL_PROCESS_ID"

const machineRecheckInterval = 5 * time.Minute

// Registry is the durable cross-process substitute for pidfiles, sockets and
// shared memory. Every OS process the system spawns or observes gets a row;
// liveness is a signal-0 probe, tree relations come from parent_id, and
// orphan cleanup is driven from here.
type Registry struct {
	st store.Store

	mu        sync.Mutex
	machine   *model.Machine
	machineAt time.Time
	current   *model.Process
}

func New(st store.Store) *Registry {
	return &Registry{st: st}
}

func (r *Registry) Store() store.Store { return r.st }

// Machine returns the row for this host, creating it lazily and refreshing
// the cached copy at most every machineRecheckInterval.
func (r *Registry) Machine(ctx context.Context) (*model.Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.machine != nil && time.Since(r.machineAt) < machineRecheckInterval {
		return r.machine, nil
	}
	guid := hostGUID()
	hostname, _ := os.Hostname()
	m := &model.Machine{
		ID:         model.NewID(),
		GUID:       guid,
		Hostname:   hostname,
		OSArch:     runtime.GOARCH,
		OSPlatform: runtime.GOOS,
		OSRelease:  osRelease(),
	}
	if err := r.st.UpsertMachine(ctx, m); err != nil {
		return nil, err
	}
	got, err := r.st.GetMachineByGUID(ctx, guid)
	if err != nil {
		return nil, err
	}
	r.machine = got
	r.machineAt = time.Now()
	return got, nil
}

// SelfOptions parameterize self-registration of the current OS process.
type SelfOptions struct {
	ProcessType string
	WorkerType  string
	ParentID    string // empty: taken from SCRAWL_PARENT_PROCESS_ID
	CrawlID     string
	SnapshotID  string
	TimeoutSec  int
}

// RegisterSelf inserts a running row for the current OS process and caches it
// as Current. Called once at process startup.
func (r *Registry) RegisterSelf(ctx context.Context, opts SelfOptions) (*model.Process, error) {
	m, err := r.Machine(ctx)
	if err != nil {
		return nil, err
	}
	if id := os.Getenv(SelfProcessEnv); id != "" {
		if p, err := r.st.GetProcess(ctx, id); err == nil &&
			p.Status == model.ProcessRunning && p.PID == os.Getpid() {
			r.mu.Lock()
			r.current = p
			r.mu.Unlock()
			return p, nil
		}
	}
	parent := opts.ParentID
	if parent == "" {
		parent = os.Getenv(ParentProcessEnv)
	}
	pwd, _ := os.Getwd()
	p := &model.Process{
		ID:          model.NewID(),
		MachineID:   m.ID,
		PID:         os.Getpid(),
		ProcessType: opts.ProcessType,
		WorkerType:  opts.WorkerType,
		Status:      model.ProcessRunning,
		ParentID:    parent,
		CrawlID:     opts.CrawlID,
		SnapshotID:  opts.SnapshotID,
		Cmd:         append([]string(nil), os.Args...),
		Pwd:         pwd,
		Env:         envMap(os.Environ()),
		StartedAt:   time.Now().UTC(),
		TimeoutSec:  opts.TimeoutSec,
	}
	if err := r.st.InsertProcess(ctx, p); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.current = p
	r.mu.Unlock()
	return p, nil
}

// Current returns the row registered for this OS process, or nil.
func (r *Registry) Current() *model.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reset drops the process-local caches. Must be called in a child after fork
// before any registry use; never re-derived implicitly.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.current = nil
	r.machine = nil
	r.machineAt = time.Time{}
	r.mu.Unlock()
}

// MarkSelfExited records a clean shutdown of the current process.
func (r *Registry) MarkSelfExited(ctx context.Context, exitCode int) error {
	p := r.Current()
	if p == nil {
		return nil
	}
	return r.st.MarkProcessExited(ctx, p.ID, time.Now().UTC(), exitCode, "", "")
}

// IsRunning is the signal-0 liveness probe. It never mutates the row.
func (r *Registry) IsRunning(pid int) bool { return pidAlive(pid) }

// Alive reports whether the row still corresponds to its live OS process:
// the PID must answer signal 0 and, when the OS exposes it, the process
// start time must match started_at within tolerance (PID reuse).
func (r *Registry) Alive(p *model.Process) bool {
	if !pidAlive(p.PID) {
		return false
	}
	if start := procStartUnix(p.PID); start > 0 {
		diff := time.Duration(start-p.StartedAt.Unix()) * time.Second
		if diff < 0 {
			diff = -diff
		}
		if diff > StartTimeTolerance {
			return false
		}
	}
	return true
}

// Poll reconciles one row against the OS: a running row whose process died
// without self-reporting is transitioned to exited with exit code 137.
// Returns true when the row was transitioned.
func (r *Registry) Poll(ctx context.Context, p *model.Process) (bool, error) {
	if p.Status != model.ProcessRunning {
		return false, nil
	}
	if r.Alive(p) {
		return false, nil
	}
	if err := r.st.MarkProcessExited(ctx, p.ID, time.Now().UTC(), KilledExitCode, "", ""); err != nil {
		return false, err
	}
	p.Status = model.ProcessExited
	removePIDFile(p)
	return true, nil
}

// Descendants walks parent_id links breadth-first from root (exclusive).
func (r *Registry) Descendants(ctx context.Context, rootID string) ([]model.Process, error) {
	var out []model.Process
	frontier := []string{rootID}
	for len(frontier) > 0 {
		next := frontier[:0:0]
		for _, id := range frontier {
			children, err := r.st.ListChildren(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				out = append(out, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// KillTree terminates p and every registered descendant: SIGTERM to each
// live process group, a graceful wait, then SIGKILL for stragglers. Rows are
// marked exited with 128+signal. Returns the number of processes actually
// killed.
func (r *Registry) KillTree(ctx context.Context, p *model.Process, gracefulTimeout time.Duration) (int, error) {
	if gracefulTimeout <= 0 {
		gracefulTimeout = DefaultGracefulTimeout
	}
	desc, err := r.Descendants(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	targets := append(desc, *p)
	var live []model.Process
	for _, t := range targets {
		if t.Status == model.ProcessRunning && pidAlive(t.PID) {
			live = append(live, t)
			_ = signalGroup(t.PID, syscall.SIGTERM)
		}
	}
	if len(live) == 0 {
		return 0, nil
	}
	deadline := time.Now().Add(gracefulTimeout)
	for time.Now().Before(deadline) {
		anyAlive := false
		for _, t := range live {
			if pidAlive(t.PID) {
				anyAlive = true
				break
			}
		}
		if !anyAlive {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	killed := 0
	now := time.Now().UTC()
	for _, t := range live {
		code := 128 + int(syscall.SIGTERM)
		if pidAlive(t.PID) {
			_ = signalGroup(t.PID, syscall.SIGKILL)
			code = KilledExitCode
		}
		_ = r.st.MarkProcessExited(ctx, t.ID, now, code, "", "")
		removePIDFile(&t)
		killed++
	}
	return killed, nil
}

// CleanupStaleRunning reclaims running rows whose process is gone. A row is
// reclaimed only when both the PID is dead and the row is older than
// reuseWindow, so a recycled PID can never shadow a fresh process.
func (r *Registry) CleanupStaleRunning(ctx context.Context, reuseWindow time.Duration) (int, error) {
	if reuseWindow <= 0 {
		reuseWindow = DefaultReuseWindow
	}
	m, err := r.Machine(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := r.st.ListRunningProcesses(ctx, m.ID)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	reclaimed := 0
	for i := range rows {
		p := &rows[i]
		if now.Sub(p.StartedAt) <= reuseWindow {
			continue
		}
		if r.Alive(p) {
			continue
		}
		if err := r.st.MarkProcessExited(ctx, p.ID, now, KilledExitCode, "", ""); err != nil {
			return reclaimed, err
		}
		removePIDFile(p)
		reclaimed++
	}
	if reclaimed > 0 {
		slog.Info("reclaimed stale process rows", "count", reclaimed)
	}
	return reclaimed, nil
}

// RunningCount counts running rows matching processType (and workerType if
// non-empty). scopeRootID restricts counting to registered descendants of
// that row, for crawl-scoped orchestrators.
func (r *Registry) RunningCount(ctx context.Context, processType, workerType, scopeRootID string) (int, error) {
	m, err := r.Machine(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := r.st.ListRunningProcesses(ctx, m.ID)
	if err != nil {
		return 0, err
	}
	var inScope map[string]bool
	if scopeRootID != "" {
		desc, err := r.Descendants(ctx, scopeRootID)
		if err != nil {
			return 0, err
		}
		inScope = make(map[string]bool, len(desc))
		for _, d := range desc {
			inScope[d.ID] = true
		}
	}
	n := 0
	for _, p := range rows {
		if p.ProcessType != processType {
			continue
		}
		if workerType != "" && p.WorkerType != workerType {
			continue
		}
		if inScope != nil && !inScope[p.ID] {
			continue
		}
		n++
	}
	return n, nil
}

// RunningHooks lists running hook rows, optionally filtered by crawl or
// snapshot scope. Used by crawl cleanup to find orphaned background hooks.
func (r *Registry) RunningHooks(ctx context.Context, crawlID, snapshotID string) ([]model.Process, error) {
	m, err := r.Machine(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.st.ListRunningProcesses(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	var out []model.Process
	for _, p := range rows {
		if p.ProcessType != model.ProcessTypeHook {
			continue
		}
		if crawlID != "" && p.CrawlID != crawlID {
			continue
		}
		if snapshotID != "" && p.SnapshotID != snapshotID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// FindLiveSingleton returns a running row of the given process type whose
// PID is still alive, or nil. Used for orchestrator singleton enforcement.
func (r *Registry) FindLiveSingleton(ctx context.Context, processType, crawlID string) (*model.Process, error) {
	m, err := r.Machine(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.st.ListRunningProcesses(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	self := r.Current()
	for i := range rows {
		p := &rows[i]
		if p.ProcessType != processType || p.CrawlID != crawlID {
			continue
		}
		if self != nil && p.ID == self.ID {
			continue
		}
		if r.Alive(p) {
			return p, nil
		}
	}
	return nil, nil
}

func envMap(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func hostGUID() string {
	if b, err := os.ReadFile("/etc/machine-id"); err == nil {
		if s := strings.TrimSpace(string(b)); s != "" {
			return s
		}
	}
	hostname, _ := os.Hostname()
	return "host-" + hostname
}

func osRelease() string {
	if b, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		return strings.TrimSpace(string(b))
	}
	return ""
}
