package engine

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"

	"log/slog"

	"github.com/scrawlhq/scrawl/internal/hooks"
	"github.com/scrawlhq/scrawl/internal/model"
)

// Binary state machine: queued -> installed.
//
// The queued entry runs on_Binary hooks in filename order until one of them
// reports a usable install. No provider succeeding is not an error: the row
// stays queued at a later retry_at so installation is retried once a
// provider plugin appears or starts working.
func (e *Engine) tickBinary(ctx context.Context, b *model.Binary) error {
	if b.Status == model.StatusInstalled {
		return nil
	}
	lock, claimed, err := e.Claim(ctx, model.KindBinary, b.ID, b.RetryAt, b.Status, BinaryInstallLock)
	if err != nil || !claimed {
		return err
	}
	b.RetryAt = lock

	merged := e.mergedConfig(ctx)
	self := e.Reg.Current()
	parentID := ""
	if self != nil {
		parentID = self.ID
	}
	workDir := filepath.Join(e.Cfg.DataDir, "binaries", b.Name)
	for _, h := range hooks.Discover(hooks.EventBinary, e.Cfg, merged) {
		res, _, err := e.Runner.Run(ctx, h, hooks.RunOptions{
			OutputDir: workDir,
			Merged:    merged,
			Args: map[string]string{
				"name":         b.Name,
				"binproviders": b.BinProviders,
			},
			ParentID: parentID,
		})
		if err != nil {
			slog.Warn("binary hook failed to launch", "hook", h.Name, "err", err)
			continue
		}
		if res == nil {
			continue
		}
		if _, err := hooks.Apply(ctx, e.St, e.Reg, hooks.ApplyContext{}, res.Records); err != nil {
			slog.Warn("binary hook records failed to apply", "hook", h.Name, "err", err)
		}
		cur, err := e.St.GetBinary(ctx, b.ID)
		if err != nil {
			return err
		}
		if cur.Status == model.StatusInstalled {
			*b = *cur
			return nil
		}
		if cur.Valid() {
			done, err := e.transition(ctx, model.KindBinary, b.ID, cur.RetryAt, model.StatusInstalled, nil, cur.Status)
			if err != nil {
				return err
			}
			if done {
				cur.Status = model.StatusInstalled
				cur.RetryAt = nil
				*b = *cur
			}
			return nil
		}
	}
	return e.bump(ctx, model.KindBinary, b.ID, b.RetryAt, b.Status, DefaultBackoff)
}

// EnsureBinary queues an install request for name on the current machine if
// none exists, then drives it through one tick.
func (e *Engine) EnsureBinary(ctx context.Context, name, binproviders string) (*model.Binary, error) {
	m, err := e.Reg.Machine(ctx)
	if err != nil {
		return nil, err
	}
	b, err := e.St.GetBinaryByName(ctx, m.ID, name)
	if errors.Is(err, sql.ErrNoRows) {
		now := e.Now()
		b = &model.Binary{
			ID:           model.NewID(),
			MachineID:    m.ID,
			Name:         name,
			BinProviders: binproviders,
			Status:       model.StatusQueued,
			RetryAt:      &now,
		}
		if err := e.St.UpsertBinary(ctx, b); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if err := e.tickBinary(ctx, b); err != nil {
		return nil, err
	}
	return e.St.GetBinary(ctx, b.ID)
}
