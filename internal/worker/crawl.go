package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/scrawlhq/scrawl/internal/engine"
	"github.com/scrawlhq/scrawl/internal/metrics"
	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/registry"
)

// runCrawlCycle ticks due crawls and fans snapshot work out to dedicated
// snapshot worker subprocesses.
func (w *Worker) runCrawlCycle(ctx context.Context) (int, error) {
	n := 0
	now := time.Now().UTC()

	if w.CrawlID != "" {
		c, err := w.Eng.St.GetCrawl(ctx, w.CrawlID)
		if err != nil {
			return 0, err
		}
		if model.IsFinal(model.KindCrawl, c.Status) {
			return 0, nil
		}
		if c.RetryAt != nil && !c.RetryAt.After(now) {
			if err := w.Eng.Tick(ctx, model.KindCrawl, c.ID); err != nil {
				return n, err
			}
			n++
		}
		spawned, err := w.spawnSnapshotWorkers(ctx, c.ID)
		return n + spawned, err
	}

	due, err := w.Eng.St.ListDueCrawls(ctx, now, w.MaxTasks)
	if err != nil {
		return 0, err
	}
	for i := range due {
		if err := w.Eng.Tick(ctx, model.KindCrawl, due[i].ID); err != nil {
			slog.Warn("crawl tick failed", "crawl", due[i].ID, "err", err)
			continue
		}
		n++
	}
	spawned, err := w.spawnSnapshotWorkers(ctx, "")
	return n + spawned, err
}

// spawnSnapshotWorkers claims due snapshots and hands each to a subprocess
// of this binary, up to the fan-out limit.
func (w *Worker) spawnSnapshotWorkers(ctx context.Context, crawlID string) (int, error) {
	limit := w.MaxSnapshotWorkers
	if limit <= 0 {
		limit = 8
	}
	running, err := w.Eng.Reg.RunningCount(ctx, model.ProcessTypeWorker, model.WorkerTypeSnapshot, "")
	if err != nil {
		return 0, err
	}
	if running >= limit {
		return 0, nil
	}

	now := time.Now().UTC()
	due, err := w.Eng.St.ListDueSnapshots(ctx, now, limit-running)
	if err != nil {
		return 0, err
	}
	self := w.Eng.Reg.Current()
	parentID := ""
	if self != nil {
		parentID = self.ID
	}
	spawned := 0
	for i := range due {
		s := &due[i]
		if crawlID != "" && s.CrawlID != crawlID {
			continue
		}
		if s.Status != model.StatusQueued {
			continue
		}
		// lock the snapshot so no other spawner grabs it while the child
		// boots; the child re-claims from the fresh row
		_, claimed, err := w.Eng.Claim(ctx, model.KindSnapshot, s.ID, s.RetryAt, s.Status, engine.ClaimLock)
		if err != nil || !claimed {
			continue
		}
		dir := filepath.Join(w.Eng.Cfg.DataDir, "logs", "workers")
		argv := append([]string{selfExe()}, spawnArgs(model.WorkerTypeSnapshot, s.CrawlID, s.ID, w.Eng.Cfg.Path)...)
		_, err = w.Eng.Reg.Launch(ctx, registry.LaunchSpec{
			Name:        "worker-snapshot-" + shortID(s.ID),
			Argv:        argv,
			Dir:         dir,
			Env:         w.childEnv(),
			ProcessType: model.ProcessTypeWorker,
			WorkerType:  model.WorkerTypeSnapshot,
			ParentID:    parentID,
			CrawlID:     s.CrawlID,
			SnapshotID:  s.ID,
		})
		if err != nil {
			slog.Warn("snapshot worker spawn failed", "snapshot", s.ID, "err", err)
			continue
		}
		metrics.RecordSpawn(model.WorkerTypeSnapshot)
		spawned++
	}
	return spawned, nil
}

func (w *Worker) childEnv() map[string]string {
	env := w.Eng.Cfg.Flatten()
	path := os.Getenv("PATH")
	if lib := w.Eng.Cfg.LibBinDir; lib != "" {
		path = lib + string(os.PathListSeparator) + path
	}
	env["PATH"] = path
	if home := os.Getenv("HOME"); home != "" {
		env["HOME"] = home
	}
	return env
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
