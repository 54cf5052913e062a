package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/scrawlhq/scrawl/internal/hooks"
	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/registry"
)

// ArchiveResult state machine:
//
//	queued  -> started    claims a run lock, bumps num_attempts, runs the hook
//	queued  -> skipped    when the attempt budget is already spent
//	backoff -> started    retry, same as queued
//	backoff -> skipped    attempt budget spent
//	started -> succeeded | skipped | failed | backoff   from the hook outcome
//	started -> backoff | succeeded                      stale recovery
//
// Exactly one hook runs per result. Background hooks leave the row in
// started under its run lock; the worker that launched them finalizes, and
// the stale path covers workers that died first.
func (e *Engine) tickArchiveResult(ctx context.Context, ar *model.ArchiveResult) error {
	if model.IsFinal(model.KindArchiveResult, ar.Status) {
		return nil
	}
	switch ar.Status {
	case model.StatusQueued, model.StatusBackoff:
		s, err := e.St.GetSnapshot(ctx, ar.SnapshotID)
		if err != nil {
			return err
		}
		c, err := e.St.GetCrawl(ctx, s.CrawlID)
		if err != nil {
			return err
		}
		res, handle, claimed, err := e.StartArchiveResult(ctx, ar, s, c)
		if err != nil || !claimed {
			return err
		}
		if handle != nil {
			// background: the row holds its run lock until the launching
			// worker (or stale recovery) finalizes it
			return nil
		}
		return e.FinalizeArchiveResult(ctx, ar, s, c, res)

	case model.StatusStarted:
		return e.recoverArchiveResult(ctx, ar)
	}
	return nil
}

// execArchiveResult launches the result's hook and records cmd, pwd and
// process id on the row.
func (e *Engine) execArchiveResult(ctx context.Context, ar *model.ArchiveResult, s *model.Snapshot, c *model.Crawl) (*hooks.Result, *registry.Handle, error) {
	merged := e.mergedConfig(ctx, c.Config)
	var hook *hooks.Hook
	for _, h := range hooks.Discover(hooks.EventSnapshot, e.Cfg, merged) {
		if h.Plugin == ar.Plugin && h.Name == ar.HookName {
			hk := h
			hook = &hk
			break
		}
	}
	if hook == nil {
		return nil, nil, fmt.Errorf("hook %s/%s not installed", ar.Plugin, ar.HookName)
	}

	outputDir := filepath.Join(c.OutputDir, s.ID, hook.Plugin)
	self := e.Reg.Current()
	parentID := ""
	if self != nil {
		parentID = self.ID
	}
	res, handle, err := e.Runner.Run(ctx, *hook, hooks.RunOptions{
		OutputDir: outputDir,
		Merged:    merged,
		Args: map[string]string{
			"url":         s.URL,
			"crawl-id":    c.ID,
			"snapshot-id": s.ID,
			"depth":       strconv.Itoa(s.Depth),
		},
		ParentID:   parentID,
		CrawlID:    c.ID,
		SnapshotID: s.ID,
	})
	if err != nil {
		return nil, nil, err
	}
	proc := procOf(res, handle)
	if proc != nil {
		ar.Cmd = proc.Cmd
		ar.Pwd = outputDir
		ar.ProcessID = proc.ID
		if uerr := e.St.UpdateArchiveResultOutput(ctx, ar); uerr != nil {
			slog.Warn("archive result update failed", "id", ar.ID, "err", uerr)
		}
	}
	return res, handle, nil
}

// FinalizeArchiveResult applies the hook's emitted records, stores its
// output and transitions the row to its outcome state.
func (e *Engine) FinalizeArchiveResult(ctx context.Context, ar *model.ArchiveResult, s *model.Snapshot, c *model.Crawl, res *hooks.Result) error {
	passthrough, aerr := hooks.Apply(ctx, e.St, e.Reg, hooks.ApplyContext{
		CrawlID:    c.ID,
		SnapshotID: s.ID,
		MaxDepth:   c.MaxDepth,
	}, res.Records)
	if aerr != nil {
		slog.Warn("hook records failed to apply", "hook", ar.HookName, "err", aerr)
	}
	ar.OutputStr = strings.Join(res.Noise, "\n")
	if len(passthrough) > 0 {
		raws := make([]json.RawMessage, 0, len(passthrough))
		for _, rec := range passthrough {
			raws = append(raws, json.RawMessage(rec.Raw))
		}
		if b, err := json.Marshal(raws); err == nil {
			ar.OutputJSON = b
		}
	}
	if err := e.St.UpdateArchiveResultOutput(ctx, ar); err != nil {
		return err
	}

	switch res.Outcome() {
	case hooks.OutcomeSucceeded:
		return e.finishArchiveResult(ctx, ar, model.StatusSucceeded)
	case hooks.OutcomeSkipped:
		return e.finishArchiveResult(ctx, ar, model.StatusSkipped)
	case hooks.OutcomeFailed:
		if ar.NumAttempts >= e.maxAttempts() {
			return e.finishArchiveResult(ctx, ar, model.StatusFailed)
		}
		_, err := e.transition(ctx, model.KindArchiveResult, ar.ID, ar.RetryAt, model.StatusBackoff, timePtr(e.Now().Add(ResultBackoff)), ar.Status)
		return err
	default: // transient
		if ar.NumAttempts >= e.maxAttempts() {
			return e.finishArchiveResult(ctx, ar, model.StatusFailed)
		}
		_, err := e.transition(ctx, model.KindArchiveResult, ar.ID, ar.RetryAt, model.StatusBackoff, timePtr(e.Now().Add(ResultBackoff)), ar.Status)
		return err
	}
}

// StartArchiveResult claims one attempt on a queued or backoff row and
// launches its hook, returning the live handle for background hooks so the
// caller can supervise and finalize it. claimed is false when the budget is
// spent, the row is not claimable, or another process won it.
func (e *Engine) StartArchiveResult(ctx context.Context, ar *model.ArchiveResult, s *model.Snapshot, c *model.Crawl) (res *hooks.Result, handle *registry.Handle, claimed bool, err error) {
	if ar.Status != model.StatusQueued && ar.Status != model.StatusBackoff {
		return nil, nil, false, nil
	}
	if ar.NumAttempts >= e.maxAttempts() {
		return nil, nil, false, e.finishArchiveResult(ctx, ar, model.StatusSkipped)
	}
	lock := e.Now().Add(ResultRunLock)
	ok, err := e.transition(ctx, model.KindArchiveResult, ar.ID, ar.RetryAt, model.StatusStarted, &lock, ar.Status)
	if err != nil || !ok {
		return nil, nil, false, err
	}
	ar.Status = model.StatusStarted
	ar.RetryAt = &lock
	now := e.Now()
	ar.StartTS = &now
	ar.NumAttempts++
	if err := e.St.UpdateArchiveResultOutput(ctx, ar); err != nil {
		return nil, nil, false, err
	}
	res, handle, err = e.execArchiveResult(ctx, ar, s, c)
	if err != nil {
		slog.Warn("archive hook failed to launch", "hook", ar.HookName, "err", err)
		_, terr := e.transition(ctx, model.KindArchiveResult, ar.ID, ar.RetryAt, model.StatusBackoff, timePtr(e.Now().Add(ResultBackoff)), ar.Status)
		return nil, nil, false, terr
	}
	return res, handle, true, nil
}

// FinalizeBackgroundResult settles a background hook's row from its exit.
// Background hooks have no stdout contract; their artifacts are files, so a
// clean exit is success.
func (e *Engine) FinalizeBackgroundResult(ctx context.Context, ar *model.ArchiveResult, code int, timedOut bool) error {
	switch {
	case code == 0 && !timedOut:
		return e.finishArchiveResult(ctx, ar, model.StatusSucceeded)
	case ar.NumAttempts >= e.maxAttempts():
		return e.finishArchiveResult(ctx, ar, model.StatusFailed)
	default:
		_, err := e.transition(ctx, model.KindArchiveResult, ar.ID, ar.RetryAt, model.StatusBackoff, timePtr(e.Now().Add(ResultBackoff)), ar.Status)
		return err
	}
}

// recoverArchiveResult handles a started row whose run lock expired: the
// owning worker died. Output on disk or on the row means the hook finished
// its work; otherwise the attempt is retried.
func (e *Engine) recoverArchiveResult(ctx context.Context, ar *model.ArchiveResult) error {
	if ar.ProcessID != "" {
		p, err := e.St.GetProcess(ctx, ar.ProcessID)
		if err == nil && p.Status == model.ProcessRunning {
			if e.Reg.Alive(p) {
				// still going, extend the lock
				return e.bump(ctx, model.KindArchiveResult, ar.ID, ar.RetryAt, ar.Status, ResultRunLock)
			}
			if _, err := e.Reg.Poll(ctx, p); err != nil {
				slog.Warn("process poll failed", "process", p.ID, "err", err)
			}
		}
	}
	if ar.OutputStr != "" || len(ar.OutputJSON) > 0 || ar.OutputFiles != "" || hasOutputFiles(ar.Pwd) {
		return e.finishArchiveResult(ctx, ar, model.StatusSucceeded)
	}
	if ar.NumAttempts >= e.maxAttempts() {
		return e.finishArchiveResult(ctx, ar, model.StatusFailed)
	}
	_, err := e.transition(ctx, model.KindArchiveResult, ar.ID, ar.RetryAt, model.StatusBackoff, timePtr(e.Now().Add(ResultBackoff)), ar.Status)
	return err
}

// finishArchiveResult is the shared final-state entry: end_ts, retry_at
// NULL, then a seal check on the parent snapshot.
func (e *Engine) finishArchiveResult(ctx context.Context, ar *model.ArchiveResult, to model.Status) error {
	done, err := e.transition(ctx, model.KindArchiveResult, ar.ID, ar.RetryAt, to, nil, ar.Status)
	if err != nil || !done {
		return err
	}
	ar.Status = to
	ar.RetryAt = nil
	now := e.Now()
	ar.EndTS = &now
	if err := e.St.UpdateArchiveResultOutput(ctx, ar); err != nil {
		slog.Warn("archive result update failed", "id", ar.ID, "err", err)
	}
	s, err := e.St.GetSnapshot(ctx, ar.SnapshotID)
	if err != nil {
		return err
	}
	if s.Status == model.StatusStarted {
		return e.tickSnapshot(ctx, s)
	}
	return nil
}

func procOf(res *hooks.Result, handle *registry.Handle) *model.Process {
	if res != nil {
		return res.Proc
	}
	if handle != nil {
		return handle.Proc
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

// hasOutputFiles reports whether the hook's working directory holds any
// artifact beyond the bookkeeping files the launcher itself writes.
func hasOutputFiles(dir string) bool {
	if dir == "" {
		return false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, ent := range entries {
		name := ent.Name()
		if name == "cmd.sh" || strings.HasSuffix(name, ".pid") ||
			strings.HasSuffix(name, ".stdout.log") || strings.HasSuffix(name, ".stderr.log") {
			continue
		}
		return true
	}
	return false
}
