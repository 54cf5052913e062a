package engine

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"log/slog"

	"github.com/scrawlhq/scrawl/internal/hooks"
	"github.com/scrawlhq/scrawl/internal/model"
)

// Crawl state machine: queued -> started -> sealed.
//
//	queued  -> queued  (bump)  unless it has URLs to work on
//	queued  -> started         runs on_Crawl hooks, drains binaries, creates snapshots
//	started -> sealed          when no snapshot is queued or started
func (e *Engine) tickCrawl(ctx context.Context, c *model.Crawl) error {
	switch c.Status {
	case model.StatusSealed:
		return nil

	case model.StatusQueued:
		if strings.TrimSpace(c.URLs) == "" {
			return e.bump(ctx, model.KindCrawl, c.ID, c.RetryAt, c.Status, DefaultBackoff)
		}
		lock := e.Now().Add(CrawlRunLock)
		claimed, err := e.transition(ctx, model.KindCrawl, c.ID, c.RetryAt, model.StatusStarted, &lock, c.Status)
		if err != nil || !claimed {
			return err
		}
		created, runErr := e.runCrawl(ctx, c)
		if runErr != nil {
			slog.Warn("crawl run failed", "crawl", c.ID, "err", runErr)
			return e.bump(ctx, model.KindCrawl, c.ID, &lock, model.StatusStarted, DefaultBackoff)
		}
		if created == 0 {
			// nothing to snapshot: seal immediately
			if _, err := e.transition(ctx, model.KindCrawl, c.ID, &lock, model.StatusSealed, nil, model.StatusStarted); err != nil {
				return err
			}
			return e.cleanupCrawl(ctx, c)
		}
		requeue := e.Now().Add(CrawlRequeue)
		_, err = e.St.UpdateStatus(ctx, model.KindCrawl, c.ID, &lock, model.StatusStarted, &requeue)
		return err

	case model.StatusStarted:
		// Re-seal snapshots a dead worker left parked in started.
		snaps, err := e.St.ListSnapshotsByCrawl(ctx, c.ID)
		if err != nil {
			return err
		}
		for i := range snaps {
			if snaps[i].Status != model.StatusStarted || snaps[i].RetryAt != nil {
				continue
			}
			due, err := e.St.ListDueArchiveResults(ctx, snaps[i].ID, e.Now(), 10)
			if err != nil {
				return err
			}
			for j := range due {
				if err := e.tickArchiveResult(ctx, &due[j]); err != nil {
					slog.Warn("archive result sweep failed", "result", due[j].ID, "err", err)
				}
			}
			if err := e.tickSnapshot(ctx, &snaps[i]); err != nil {
				slog.Warn("snapshot sweep failed", "snapshot", snaps[i].ID, "err", err)
			}
		}

		finished, err := e.crawlFinished(ctx, c)
		if err != nil {
			return err
		}
		if !finished {
			return e.bump(ctx, model.KindCrawl, c.ID, c.RetryAt, c.Status, DefaultBackoff)
		}
		sealed, err := e.transition(ctx, model.KindCrawl, c.ID, c.RetryAt, model.StatusSealed, nil, c.Status)
		if err != nil || !sealed {
			return err
		}
		return e.cleanupCrawl(ctx, c)
	}
	return nil
}

// crawlFinished: a started crawl is done once it has snapshots and none of
// them is still queued or started.
func (e *Engine) crawlFinished(ctx context.Context, c *model.Crawl) (bool, error) {
	total, err := e.St.CountSnapshots(ctx, c.ID)
	if err != nil {
		return false, err
	}
	if total == 0 {
		return true, nil
	}
	active, err := e.St.CountSnapshots(ctx, c.ID, model.StatusQueued, model.StatusStarted)
	if err != nil {
		return false, err
	}
	return active == 0, nil
}

// runCrawl is the started-state entry: run on_Crawl hooks, apply their
// records, drain queued binary installs, then create the crawl's snapshots.
// Returns how many snapshots now exist.
func (e *Engine) runCrawl(ctx context.Context, c *model.Crawl) (int, error) {
	outputDir := c.OutputDir
	if outputDir == "" {
		outputDir = e.crawlOutputDir(c)
		if err := e.St.UpdateCrawlOutputDir(ctx, c.ID, outputDir); err != nil {
			return 0, err
		}
		c.OutputDir = outputDir
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return 0, err
	}

	merged := e.mergedConfig(ctx, c.Config)
	self := e.Reg.Current()
	parentID := ""
	if self != nil {
		parentID = self.ID
	}
	for _, h := range hooks.Discover(hooks.EventCrawl, e.Cfg, merged) {
		res, _, err := e.Runner.Run(ctx, h, hooks.RunOptions{
			OutputDir: filepath.Join(outputDir, h.Plugin),
			Merged:    merged,
			Args: map[string]string{
				"crawl-id":  c.ID,
				"urls":      c.URLs,
				"max-depth": strconv.Itoa(c.MaxDepth),
			},
			ParentID: parentID,
			CrawlID:  c.ID,
		})
		if err != nil {
			slog.Warn("crawl hook failed to launch", "hook", h.Name, "err", err)
			continue
		}
		if res == nil {
			continue // background, finalized at cleanup
		}
		if _, err := hooks.Apply(ctx, e.St, e.Reg, hooks.ApplyContext{CrawlID: c.ID, MaxDepth: c.MaxDepth}, res.Records); err != nil {
			slog.Warn("crawl hook records failed to apply", "hook", h.Name, "err", err)
		}
	}

	if err := e.drainBinaries(ctx); err != nil {
		slog.Warn("binary drain failed", "err", err)
	}

	if err := e.createSnapshots(ctx, c); err != nil {
		return 0, err
	}
	return e.St.CountSnapshots(ctx, c.ID)
}

// createSnapshots parses the crawl's urls field: each non-empty line is
// either a bare URL or a JSONL Snapshot record.
func (e *Engine) createSnapshots(ctx context.Context, c *model.Crawl) error {
	now := e.Now()
	for _, line := range strings.Split(c.URLs, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		snap := &model.Snapshot{
			ID:      model.NewID(),
			CrawlID: c.ID,
			Status:  model.StatusQueued,
			RetryAt: &now,
		}
		if strings.HasPrefix(line, "{") {
			var rec map[string]any
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				continue
			}
			u, _ := rec["url"].(string)
			if u == "" {
				continue
			}
			snap.URL = u
			if d, ok := rec["depth"].(float64); ok {
				snap.Depth = int(d)
			}
			if p, ok := rec["parent_snapshot_id"].(string); ok {
				snap.ParentSnapshotID = p
			}
		} else {
			snap.URL = line
		}
		if snap.Depth > c.MaxDepth {
			continue
		}
		if _, _, err := e.St.GetOrCreateSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// drainBinaries ticks every due queued binary until the queue is empty or
// stops making progress. Installation failures park the binary at a future
// retry_at, which naturally ends the loop.
func (e *Engine) drainBinaries(ctx context.Context) error {
	m, err := e.Reg.Machine(ctx)
	if err != nil {
		return err
	}
	for {
		due, err := e.St.ListDueBinaries(ctx, m.ID, e.Now(), 50)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		progressed := false
		for i := range due {
			before := due[i].Status
			if err := e.tickBinary(ctx, &due[i]); err != nil {
				slog.Warn("binary tick failed", "binary", due[i].Name, "err", err)
				continue
			}
			b, err := e.St.GetBinary(ctx, due[i].ID)
			if err == nil && b.Status != before {
				progressed = true
			}
		}
		if !progressed {
			return nil
		}
	}
}

// AddURL appends a discovered URL to a crawl unless it exceeds max_depth or
// is already known as a snapshot or a pending line.
func (e *Engine) AddURL(ctx context.Context, c *model.Crawl, rawURL string, depth int) (bool, error) {
	if depth > c.MaxDepth {
		return false, nil
	}
	for _, line := range strings.Split(c.URLs, "\n") {
		if strings.TrimSpace(line) == rawURL {
			return false, nil
		}
	}
	snaps, err := e.St.ListSnapshotsByCrawl(ctx, c.ID)
	if err != nil {
		return false, err
	}
	for _, s := range snaps {
		if s.URL == rawURL {
			return false, nil
		}
	}
	entry := rawURL
	if depth > 0 {
		b, err := json.Marshal(map[string]any{"type": "Snapshot", "url": rawURL, "depth": depth})
		if err != nil {
			return false, err
		}
		entry = string(b)
	}
	urls := c.URLs
	if urls != "" && !strings.HasSuffix(urls, "\n") {
		urls += "\n"
	}
	urls += entry
	if err := e.St.UpdateCrawlURLs(ctx, c.ID, urls); err != nil {
		return false, err
	}
	c.URLs = urls
	return true, nil
}

// cleanupCrawl is the sealed-state entry: kill orphaned hook process trees,
// remove leftover pid files, then run on_CrawlEnd hooks.
func (e *Engine) cleanupCrawl(ctx context.Context, c *model.Crawl) error {
	running, err := e.Reg.RunningHooks(ctx, c.ID, "")
	if err != nil {
		return err
	}
	for i := range running {
		if changed, _ := e.Reg.Poll(ctx, &running[i]); changed {
			continue
		}
		if n, err := e.Reg.KillTree(ctx, &running[i], 0); err == nil && n > 0 {
			slog.Info("killed orphaned hook processes", "crawl", c.ID, "count", n)
		}
	}
	if c.OutputDir != "" {
		if matches, err := filepath.Glob(filepath.Join(c.OutputDir, "*", "*.pid")); err == nil {
			for _, f := range matches {
				_ = os.Remove(f)
			}
		}
	}

	merged := e.mergedConfig(ctx, c.Config)
	self := e.Reg.Current()
	parentID := ""
	if self != nil {
		parentID = self.ID
	}
	for _, h := range hooks.Discover(hooks.EventCrawlEnd, e.Cfg, merged) {
		res, _, err := e.Runner.Run(ctx, h, hooks.RunOptions{
			OutputDir: filepath.Join(c.OutputDir, h.Plugin),
			Merged:    merged,
			Args:      map[string]string{"crawl-id": c.ID},
			ParentID:  parentID,
			CrawlID:   c.ID,
		})
		if err != nil || res == nil {
			continue
		}
		if _, err := hooks.Apply(ctx, e.St, e.Reg, hooks.ApplyContext{CrawlID: c.ID, MaxDepth: c.MaxDepth}, res.Records); err != nil {
			slog.Warn("crawl-end hook records failed to apply", "hook", h.Name, "err", err)
		}
	}
	return nil
}

// crawlOutputDir lays out crawl artifacts under
// DATA_DIR/crawls/<yyyymmdd>/<host>/<id>.
func (e *Engine) crawlOutputDir(c *model.Crawl) string {
	host := "unknown"
	for _, line := range strings.Split(c.URLs, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var rec map[string]any
			if json.Unmarshal([]byte(line), &rec) == nil {
				if u, _ := rec["url"].(string); u != "" {
					line = u
				}
			}
		}
		if u, err := url.Parse(line); err == nil && u.Host != "" {
			host = u.Host
		}
		break
	}
	day := c.CreatedAt
	if day.IsZero() {
		day = e.Now()
	}
	return filepath.Join(e.Cfg.DataDir, "crawls", day.Format("20060102"), host, c.ID)
}
