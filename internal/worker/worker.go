package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/scrawlhq/scrawl/internal/engine"
	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/registry"
)

// Default loop tunables. The binary worker polls much faster because crawl
// startup blocks on binary installs.
const (
	BinaryPoll        = 500 * time.Millisecond
	BinaryIdleTimeout = 10
)

// Worker is one OS process dedicated to a single entity kind. It claims due
// rows with an optimistic lock and ticks their state machines. The snapshot
// variant can be bound to a single snapshot id, which is how the crawl
// worker fans out.
type Worker struct {
	Eng  *engine.Engine
	Type string // model.WorkerType*

	CrawlID    string // crawl worker: restrict to one crawl
	SnapshotID string // snapshot worker: process exactly one snapshot

	Poll        time.Duration
	IdleTimeout int
	MaxTasks    int

	MaxSnapshotWorkers int // crawl worker fan-out limit

	mu sync.Mutex
	bg []bgRun // background hooks tracked for supervision
}

type bgRun struct {
	ar       *model.ArchiveResult
	handle   *registry.Handle
	deadline time.Time
}

// Run registers the worker in the process registry and executes the claim
// loop until idle or a termination signal.
func (w *Worker) Run(ctx context.Context) error {
	if w.Poll <= 0 {
		w.Poll = 2 * time.Second
	}
	if w.IdleTimeout <= 0 {
		w.IdleTimeout = 3
	}
	if w.MaxTasks <= 0 {
		w.MaxTasks = 1
	}
	if w.Type == model.WorkerTypeBinary {
		w.Poll = BinaryPoll
		if w.IdleTimeout < BinaryIdleTimeout {
			w.IdleTimeout = BinaryIdleTimeout
		}
	}

	self, err := w.Eng.Reg.RegisterSelf(ctx, registry.SelfOptions{
		ProcessType: model.ProcessTypeWorker,
		WorkerType:  w.Type,
		CrawlID:     w.CrawlID,
		SnapshotID:  w.SnapshotID,
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	slog.Info("worker started", "type", w.Type, "process", self.ID, "pid", self.PID)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	defer func() {
		w.killTracked(context.Background())
		if err := w.Eng.Reg.MarkSelfExited(context.Background(), exitCode); err != nil {
			slog.Warn("worker exit mark failed", "err", err)
		}
	}()

	idle := 0
	t := time.NewTicker(w.Poll)
	defer t.Stop()
	for {
		n, err := w.runOnce(ctx)
		if err != nil {
			slog.Warn("worker cycle failed", "type", w.Type, "err", err)
		}
		if n > 0 {
			idle = 0
		} else {
			idle++
		}
		if w.SnapshotID != "" {
			// bound workers run to completion: backoff waits between hook
			// retries look idle but the snapshot still owns this process
			if w.snapshotDone(ctx) {
				slog.Info("snapshot worker done", "snapshot", w.SnapshotID)
				return nil
			}
		} else if idle >= w.IdleTimeout {
			slog.Info("worker idle, exiting", "type", w.Type, "idle_cycles", idle)
			return nil
		}
		select {
		case <-ctx.Done():
			slog.Info("worker interrupted", "type", w.Type)
			exitCode = registry.KilledExitCode
			return ctx.Err()
		case <-t.C:
		}
	}
}

// runOnce performs one claim-and-tick cycle, returning how many rows it made
// progress on.
func (w *Worker) runOnce(ctx context.Context) (int, error) {
	switch w.Type {
	case model.WorkerTypeCrawl:
		return w.runCrawlCycle(ctx)
	case model.WorkerTypeSnapshot:
		return w.runSnapshotCycle(ctx)
	case model.WorkerTypeBinary:
		return w.runBinaryCycle(ctx)
	}
	return 0, fmt.Errorf("unknown worker type %q", w.Type)
}

// track remembers a background hook so shutdown can kill it.
func (w *Worker) track(ar *model.ArchiveResult, h *registry.Handle, deadline time.Time) {
	w.mu.Lock()
	w.bg = append(w.bg, bgRun{ar: ar, handle: h, deadline: deadline})
	w.mu.Unlock()
}

func (w *Worker) takeTracked() []bgRun {
	w.mu.Lock()
	runs := w.bg
	w.bg = nil
	w.mu.Unlock()
	return runs
}

// killTracked terminates any background hooks still alive, in parallel with
// a short grace period each, and settles their rows.
func (w *Worker) killTracked(ctx context.Context) {
	runs := w.takeTracked()
	if len(runs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, run := range runs {
		wg.Add(1)
		go func(run bgRun) {
			defer wg.Done()
			code := run.handle.Terminate(ctx, registry.DefaultGracefulTimeout)
			if err := w.Eng.FinalizeBackgroundResult(ctx, run.ar, code, true); err != nil {
				slog.Warn("background hook finalize failed", "hook", run.ar.HookName, "err", err)
			}
		}(run)
	}
	wg.Wait()
}

func (w *Worker) snapshotDone(ctx context.Context) bool {
	s, err := w.Eng.St.GetSnapshot(ctx, w.SnapshotID)
	if err != nil {
		return false
	}
	return model.IsFinal(model.KindSnapshot, s.Status)
}

// spawnArgs builds the argv for a child worker subprocess of the same
// binary.
func spawnArgs(workerType, crawlID, snapshotID, configPath string) []string {
	argv := []string{"worker", "--type=" + workerType}
	if crawlID != "" {
		argv = append(argv, "--crawl-id="+crawlID)
	}
	if snapshotID != "" {
		argv = append(argv, "--snapshot-id="+snapshotID)
	}
	if configPath != "" {
		argv = append(argv, "--config="+configPath)
	}
	return argv
}

func selfExe() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}
