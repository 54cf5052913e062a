package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/scrawlhq/scrawl/internal/config"
	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/registry"
)

// runSnapshotCycle drives archiving for one snapshot (when bound) or for
// whatever due snapshots it can claim.
func (w *Worker) runSnapshotCycle(ctx context.Context) (int, error) {
	if w.SnapshotID != "" {
		return w.processSnapshot(ctx, w.SnapshotID)
	}
	due, err := w.Eng.St.ListDueSnapshots(ctx, time.Now().UTC(), w.MaxTasks)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range due {
		pn, err := w.processSnapshot(ctx, due[i].ID)
		if err != nil {
			slog.Warn("snapshot processing failed", "snapshot", due[i].ID, "err", err)
		}
		n += pn
	}
	return n, nil
}

// processSnapshot advances one snapshot: start it, materialize its archive
// results, run each due hook (foreground inline, background supervised),
// then attempt to seal.
func (w *Worker) processSnapshot(ctx context.Context, id string) (int, error) {
	s, err := w.Eng.St.GetSnapshot(ctx, id)
	if err != nil {
		return 0, err
	}
	if model.IsFinal(model.KindSnapshot, s.Status) {
		return 0, nil
	}
	n := 0
	if s.Status == model.StatusQueued {
		if err := w.Eng.Tick(ctx, model.KindSnapshot, s.ID); err != nil {
			return 0, err
		}
		s, err = w.Eng.St.GetSnapshot(ctx, s.ID)
		if err != nil {
			return 0, err
		}
		n++
	}
	if s.Status != model.StatusStarted {
		return n, nil
	}
	c, err := w.Eng.St.GetCrawl(ctx, s.CrawlID)
	if err != nil {
		return n, err
	}
	ars, err := w.Eng.PlanArchiveResults(ctx, s, c)
	if err != nil {
		return n, err
	}

	merged := w.Eng.Cfg.Flatten(c.Config)
	now := time.Now().UTC()
	for i := range ars {
		ar := &ars[i]
		if model.IsFinal(model.KindArchiveResult, ar.Status) {
			continue
		}
		if ar.RetryAt != nil && ar.RetryAt.After(now) {
			continue // backoff not yet due
		}
		if ar.Status == model.StatusStarted {
			// stale claim from a previous owner
			if err := w.Eng.Tick(ctx, model.KindArchiveResult, ar.ID); err != nil {
				slog.Warn("archive result recovery failed", "result", ar.ID, "err", err)
			}
			continue
		}
		res, handle, claimed, err := w.Eng.StartArchiveResult(ctx, ar, s, c)
		if err != nil {
			slog.Warn("archive result start failed", "result", ar.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}
		n++
		if handle != nil {
			timeout := config.PluginTimeout(merged, ar.Plugin)
			w.track(ar, handle, time.Now().Add(timeout))
			continue
		}
		if err := w.Eng.FinalizeArchiveResult(ctx, ar, s, c, res); err != nil {
			slog.Warn("archive result finalize failed", "result", ar.ID, "err", err)
		}
	}

	w.finalizeBackground(ctx)

	if err := w.Eng.Tick(ctx, model.KindSnapshot, s.ID); err != nil {
		return n, err
	}
	return n, nil
}

// finalizeBackground waits for tracked background hooks in parallel, each up
// to its own remaining deadline, kills stragglers and settles their rows.
func (w *Worker) finalizeBackground(ctx context.Context) {
	runs := w.takeTracked()
	if len(runs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, run := range runs {
		wg.Add(1)
		go func(run bgRun) {
			defer wg.Done()
			remaining := time.Until(run.deadline)
			var (
				code     int
				timedOut bool
			)
			if remaining <= 0 {
				// deadline already expired, kill without waiting
				code = run.handle.Terminate(ctx, registry.DefaultGracefulTimeout)
				timedOut = true
			} else {
				var werr error
				code, werr = run.handle.Wait(ctx, remaining)
				timedOut = errors.Is(werr, registry.ErrTimeout)
			}
			if err := w.Eng.FinalizeBackgroundResult(ctx, run.ar, code, timedOut); err != nil {
				slog.Warn("background hook finalize failed", "hook", run.ar.HookName, "err", err)
			}
		}(run)
	}
	wg.Wait()
}
