package engine

import (
	"context"

	"github.com/scrawlhq/scrawl/internal/hooks"
	"github.com/scrawlhq/scrawl/internal/model"
)

// Snapshot state machine: queued -> started -> sealed.
//
//	queued  -> started  once the parent crawl is started or sealed
//	started -> sealed   once every archive result reached a final state
//
// A started snapshot is parked (retry_at NULL): the worker that claimed it
// drives its archive results synchronously and ticks it again to seal.
func (e *Engine) tickSnapshot(ctx context.Context, s *model.Snapshot) error {
	switch s.Status {
	case model.StatusSealed:
		return nil

	case model.StatusQueued:
		c, err := e.St.GetCrawl(ctx, s.CrawlID)
		if err != nil {
			return err
		}
		if c.Status != model.StatusStarted && c.Status != model.StatusSealed {
			return e.bump(ctx, model.KindSnapshot, s.ID, s.RetryAt, s.Status, DefaultBackoff)
		}
		claimed, err := e.transition(ctx, model.KindSnapshot, s.ID, s.RetryAt, model.StatusStarted, nil, s.Status)
		if err != nil || !claimed {
			return err
		}
		s.Status = model.StatusStarted
		s.RetryAt = nil
		return nil

	case model.StatusStarted:
		done, err := e.snapshotFinished(ctx, s)
		if err != nil || !done {
			return err
		}
		sealed, err := e.transition(ctx, model.KindSnapshot, s.ID, s.RetryAt, model.StatusSealed, nil, s.Status)
		if err != nil || !sealed {
			return err
		}
		s.Status = model.StatusSealed
		return e.sealParentIfDone(ctx, s.CrawlID)
	}
	return nil
}

// snapshotFinished reports whether no archive result of the snapshot is
// still pending. A snapshot with zero results (no archive hooks installed)
// counts as finished.
func (e *Engine) snapshotFinished(ctx context.Context, s *model.Snapshot) (bool, error) {
	active, err := e.St.CountArchiveResults(ctx, s.ID,
		model.StatusQueued, model.StatusStarted, model.StatusBackoff)
	if err != nil {
		return false, err
	}
	return active == 0, nil
}

// PlanArchiveResults materializes one queued ArchiveResult per discovered
// on_Snapshot hook. Re-planning an already planned snapshot is a no-op per
// hook thanks to the (snapshot, plugin, hook) natural key.
func (e *Engine) PlanArchiveResults(ctx context.Context, s *model.Snapshot, c *model.Crawl) ([]model.ArchiveResult, error) {
	merged := e.mergedConfig(ctx, c.Config)
	now := e.Now()
	for _, h := range hooks.Discover(hooks.EventSnapshot, e.Cfg, merged) {
		ar := &model.ArchiveResult{
			ID:         model.NewID(),
			SnapshotID: s.ID,
			Plugin:     h.Plugin,
			HookName:   h.Name,
			Status:     model.StatusQueued,
			RetryAt:    &now,
		}
		if _, _, err := e.St.GetOrCreateArchiveResult(ctx, ar); err != nil {
			return nil, err
		}
	}
	return e.St.ListArchiveResultsBySnapshot(ctx, s.ID)
}

// sealParentIfDone seals the parent crawl when its last pending snapshot
// just sealed. Losing the CAS means someone else is already on it.
func (e *Engine) sealParentIfDone(ctx context.Context, crawlID string) error {
	c, err := e.St.GetCrawl(ctx, crawlID)
	if err != nil {
		return err
	}
	if c.Status != model.StatusStarted {
		return nil
	}
	finished, err := e.crawlFinished(ctx, c)
	if err != nil || !finished {
		return err
	}
	sealed, err := e.transition(ctx, model.KindCrawl, c.ID, c.RetryAt, model.StatusSealed, nil, c.Status)
	if err != nil || !sealed {
		return err
	}
	return e.cleanupCrawl(ctx, c)
}
