package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scrawlhq/scrawl/internal/config"
	"github.com/scrawlhq/scrawl/internal/engine"
	"github.com/scrawlhq/scrawl/internal/metrics"
	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/registry"
)

// ErrAlreadyRunning means a live orchestrator row exists for this machine
// (or crawl scope) and a second one refused to start.
var ErrAlreadyRunning = errors.New("orchestrator already running")

// Orchestrator is the top-level scheduler process: it owns no entity state
// machine itself, it spawns worker subprocesses toward the queues and keeps
// the process table honest.
type Orchestrator struct {
	Eng *engine.Engine
	Cfg *config.Config

	// CrawlID scopes the orchestrator to one crawl's process tree.
	CrawlID    string
	ExitOnIdle bool

	lastCleanup time.Time
}

func New(eng *engine.Engine, cfg *config.Config) *Orchestrator {
	return &Orchestrator{Eng: eng, Cfg: cfg}
}

// Run executes the scheduling loop until a signal arrives or, with
// ExitOnIdle, until all queues drain with no future work pending.
func (o *Orchestrator) Run(ctx context.Context) error {
	if live, err := o.Eng.Reg.FindLiveSingleton(ctx, model.ProcessTypeOrchestrator, o.CrawlID); err != nil {
		return err
	} else if live != nil {
		return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, live.PID)
	}

	self, err := o.Eng.Reg.RegisterSelf(ctx, registry.SelfOptions{
		ProcessType: model.ProcessTypeOrchestrator,
		CrawlID:     o.CrawlID,
	})
	if err != nil {
		return fmt.Errorf("register orchestrator: %w", err)
	}
	oc := o.Cfg.Orchestrator
	slog.Info("orchestrator started",
		"process", self.ID, "pid", self.PID,
		"poll", oc.PollInterval, "exit_on_idle", o.ExitOnIdle || oc.ExitOnIdle)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sampler := metrics.NewSampler(0)
	if err := sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		slog.Debug("sampler register failed", "err", err)
	}
	sampler.Start(ctx, o.sampledProcesses)
	defer sampler.Stop()

	exitCode := 0
	defer func() {
		o.shutdown(context.Background())
		if err := o.Eng.Reg.MarkSelfExited(context.Background(), exitCode); err != nil {
			slog.Warn("orchestrator exit mark failed", "err", err)
		}
	}()

	idle := 0
	t := time.NewTicker(oc.PollInterval)
	defer t.Stop()
	for {
		n, err := o.cycle(ctx)
		if err != nil {
			slog.Warn("orchestrator cycle failed", "err", err)
		}
		if n > 0 {
			idle = 0
		} else {
			idle++
		}
		if (o.ExitOnIdle || oc.ExitOnIdle) && idle >= oc.IdleTimeout {
			done, err := o.quiescent(ctx)
			if err != nil {
				slog.Warn("idle check failed", "err", err)
			} else if done {
				slog.Info("orchestrator idle, exiting", "idle_cycles", idle)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			slog.Info("orchestrator interrupted")
			exitCode = registry.KilledExitCode
			return ctx.Err()
		case <-t.C:
		}
	}
}

// cycle does one scheduling pass: poll children, reclaim stale rows, then
// spawn workers toward whatever queues have depth. Binary installs drain
// before any crawl worker starts so crawl hooks find their tools.
func (o *Orchestrator) cycle(ctx context.Context) (int, error) {
	o.pollChildren(ctx)

	if time.Since(o.lastCleanup) >= o.Cfg.Orchestrator.CleanupInterval {
		o.lastCleanup = time.Now()
		if n, err := o.Eng.Reg.CleanupStaleRunning(ctx, registry.DefaultReuseWindow); err != nil {
			slog.Warn("stale cleanup failed", "err", err)
		} else if n > 0 {
			slog.Info("stale processes reclaimed", "count", n)
		}
	}

	now := time.Now().UTC()
	depths := map[model.Kind]int{}
	for _, k := range []model.Kind{model.KindCrawl, model.KindSnapshot, model.KindArchiveResult, model.KindBinary} {
		d, err := o.Eng.St.QueueDepth(ctx, k, now)
		if err != nil {
			return 0, err
		}
		depths[k] = d
		metrics.SetQueueDepth(string(k), d)
	}

	spawned := 0
	binRunning, err := o.runningWorkers(ctx, model.WorkerTypeBinary)
	if err != nil {
		return spawned, err
	}
	if depths[model.KindBinary] > 0 || binRunning > 0 {
		n, err := o.spawnBinaryWorkers(ctx, depths[model.KindBinary], binRunning)
		return spawned + n, err
	}

	n, err := o.spawnCrawlWorkers(ctx)
	return spawned + n, err
}

// quiescent reports whether nothing is pending anywhere: no due rows, no
// running workers, and no future retry_at that would wake the system later.
func (o *Orchestrator) quiescent(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	for _, k := range []model.Kind{model.KindCrawl, model.KindSnapshot, model.KindArchiveResult, model.KindBinary} {
		d, err := o.Eng.St.QueueDepth(ctx, k, now)
		if err != nil {
			return false, err
		}
		if d > 0 {
			return false, nil
		}
		f, err := o.Eng.St.FutureWork(ctx, k, now)
		if err != nil {
			return false, err
		}
		if f > 0 {
			return false, nil
		}
	}
	for _, wt := range []string{model.WorkerTypeCrawl, model.WorkerTypeSnapshot, model.WorkerTypeBinary} {
		n, err := o.runningWorkers(ctx, wt)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (o *Orchestrator) runningWorkers(ctx context.Context, workerType string) (int, error) {
	scope := ""
	if o.CrawlID != "" {
		if self := o.Eng.Reg.Current(); self != nil {
			scope = self.ID
		}
	}
	return o.Eng.Reg.RunningCount(ctx, model.ProcessTypeWorker, workerType, scope)
}

// sampledProcesses snapshots the machine's running process rows for the
// resource sampler, keyed by type and pid so concurrent workers stay apart.
func (o *Orchestrator) sampledProcesses() map[string]int32 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := o.Eng.Reg.Machine(ctx)
	if err != nil {
		return nil
	}
	procs, err := o.Eng.St.ListRunningProcesses(ctx, m.ID)
	if err != nil {
		return nil
	}
	out := make(map[string]int32, len(procs))
	for i := range procs {
		p := &procs[i]
		name := p.ProcessType
		if p.WorkerType != "" {
			name += "-" + p.WorkerType
		}
		out[fmt.Sprintf("%s-%d", name, p.PID)] = int32(p.PID)
	}
	return out
}

// pollChildren reconciles running Process rows against live pids so dead
// children free their worker slots immediately.
func (o *Orchestrator) pollChildren(ctx context.Context) {
	m, err := o.Eng.Reg.Machine(ctx)
	if err != nil {
		return
	}
	procs, err := o.Eng.St.ListRunningProcesses(ctx, m.ID)
	if err != nil {
		return
	}
	for i := range procs {
		if self := o.Eng.Reg.Current(); self != nil && procs[i].ID == self.ID {
			continue
		}
		if _, err := o.Eng.Reg.Poll(ctx, &procs[i]); err != nil {
			slog.Debug("child poll failed", "process", procs[i].ID, "err", err)
		}
	}
}

// spawnCrawlWorkers CAS-claims due crawls with a long lock and hands each to
// a dedicated worker subprocess.
func (o *Orchestrator) spawnCrawlWorkers(ctx context.Context) (int, error) {
	oc := o.Cfg.Orchestrator
	running, err := o.runningWorkers(ctx, model.WorkerTypeCrawl)
	if err != nil {
		return 0, err
	}
	if running >= oc.MaxCrawlWorkers {
		return 0, nil
	}
	due, err := o.Eng.St.ListDueCrawls(ctx, time.Now().UTC(), oc.MaxCrawlWorkers-running)
	if err != nil {
		return 0, err
	}
	spawned := 0
	for i := range due {
		c := &due[i]
		if o.CrawlID != "" && c.ID != o.CrawlID {
			continue
		}
		if len(due) <= running*oc.MaxConcurrentTasks {
			break
		}
		// long lock: the dedicated worker owns this crawl until it seals
		// or dies and the lock expires
		_, claimed, err := o.Eng.Claim(ctx, model.KindCrawl, c.ID, c.RetryAt, c.Status, engine.CrawlClaimLock)
		if err != nil || !claimed {
			continue
		}
		if err := o.spawnWorker(ctx, model.WorkerTypeCrawl, c.ID, ""); err != nil {
			slog.Warn("crawl worker spawn failed", "crawl", c.ID, "err", err)
			// release the long lock so another orchestrator can pick it up
			now := time.Now().UTC()
			fresh, gerr := o.Eng.St.GetCrawl(ctx, c.ID)
			if gerr == nil {
				_, _ = o.Eng.St.UpdateStatus(ctx, model.KindCrawl, c.ID, fresh.RetryAt, fresh.Status, &now)
			}
			continue
		}
		spawned++
		running++
	}
	return spawned, nil
}

func (o *Orchestrator) spawnBinaryWorkers(ctx context.Context, depth, running int) (int, error) {
	oc := o.Cfg.Orchestrator
	spawned := 0
	for running+spawned < oc.MaxBinaryWorkers && depth > (running+spawned)*oc.MaxConcurrentTasks {
		if err := o.spawnWorker(ctx, model.WorkerTypeBinary, "", ""); err != nil {
			return spawned, err
		}
		spawned++
	}
	return spawned, nil
}

func (o *Orchestrator) spawnWorker(ctx context.Context, workerType, crawlID, snapshotID string) error {
	self := o.Eng.Reg.Current()
	parentID := ""
	if self != nil {
		parentID = self.ID
	}
	argv := []string{selfExe(), "worker", "--type=" + workerType}
	if crawlID != "" {
		argv = append(argv, "--crawl-id="+crawlID)
	}
	if snapshotID != "" {
		argv = append(argv, "--snapshot-id="+snapshotID)
	}
	if o.Cfg.Path != "" {
		argv = append(argv, "--config="+o.Cfg.Path)
	}
	name := "worker-" + workerType
	if crawlID != "" && len(crawlID) >= 8 {
		name += "-" + crawlID[:8]
	}
	_, err := o.Eng.Reg.Launch(ctx, registry.LaunchSpec{
		Name:        name,
		Argv:        argv,
		Dir:         filepath.Join(o.Cfg.DataDir, "logs", "workers"),
		Env:         o.childEnv(),
		ProcessType: model.ProcessTypeWorker,
		WorkerType:  workerType,
		ParentID:    parentID,
		CrawlID:     crawlID,
		SnapshotID:  snapshotID,
	})
	if err != nil {
		return err
	}
	metrics.RecordSpawn(workerType)
	slog.Info("worker spawned", "type", workerType, "crawl", crawlID)
	return nil
}

func (o *Orchestrator) childEnv() map[string]string {
	env := o.Cfg.Flatten()
	path := os.Getenv("PATH")
	if lib := o.Cfg.LibBinDir; lib != "" {
		path = lib + string(os.PathListSeparator) + path
	}
	env["PATH"] = path
	if home := os.Getenv("HOME"); home != "" {
		env["HOME"] = home
	}
	return env
}

// shutdown terminates the orchestrator's process tree so no worker or hook
// outlives it unsupervised.
func (o *Orchestrator) shutdown(ctx context.Context) {
	self := o.Eng.Reg.Current()
	if self == nil {
		return
	}
	children, err := o.Eng.Reg.Descendants(ctx, self.ID)
	if err != nil {
		slog.Warn("descendant lookup failed", "err", err)
		return
	}
	for i := range children {
		if children[i].ParentID != self.ID {
			continue // KillTree descends, only roots need the signal
		}
		if n, err := o.Eng.Reg.KillTree(ctx, &children[i], registry.DefaultGracefulTimeout); err != nil {
			slog.Warn("worker kill failed", "process", children[i].ID, "err", err)
		} else if n > 0 {
			slog.Info("worker tree terminated", "process", children[i].ID, "killed", n)
		}
	}
}

func selfExe() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}
