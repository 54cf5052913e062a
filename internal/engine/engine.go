package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scrawlhq/scrawl/internal/config"
	"github.com/scrawlhq/scrawl/internal/history"
	"github.com/scrawlhq/scrawl/internal/hooks"
	"github.com/scrawlhq/scrawl/internal/metrics"
	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/registry"
	"github.com/scrawlhq/scrawl/internal/store"
)

// Scheduling constants shared by the entity machines. retry_at doubles as
// the optimistic-lock token: claiming a row means CASing its retry_at
// forward so nobody else picks it up while it is being processed.
const (
	// DefaultBackoff is how far retry_at moves when a guard fails.
	DefaultBackoff = 10 * time.Second

	// ClaimLock is the default lock window a worker takes when claiming a
	// due row before ticking it.
	ClaimLock = 60 * time.Second

	// CrawlClaimLock is the long lock the orchestrator takes on a crawl
	// before handing it to a dedicated worker process.
	CrawlClaimLock = 24 * time.Hour

	// CrawlRequeue is how soon a started crawl is re-examined for sealing.
	CrawlRequeue = 2 * time.Second

	// CrawlRunLock covers the crawl's started-entry work: hooks, binary
	// installs and snapshot creation.
	CrawlRunLock = 10 * time.Minute

	// ResultRunLock covers an archive hook run in progress.
	ResultRunLock = 120 * time.Second

	// ResultBackoff is the wait before a failed archive hook is retried.
	ResultBackoff = 60 * time.Second

	// BinaryInstallLock covers a synchronous binary installation.
	BinaryInstallLock = 10 * time.Minute
)

// Engine binds the per-entity state machines to their collaborators. Tick is
// the only externally invoked operation; everything else happens inside
// transition enters.
type Engine struct {
	St     store.Store
	Reg    *registry.Registry
	Cfg    *config.Config
	Runner *hooks.Runner
	Hist   history.Sink // optional transition event sink

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

func New(st store.Store, reg *registry.Registry, cfg *config.Config, runner *hooks.Runner) *Engine {
	return &Engine{St: st, Reg: reg, Cfg: cfg, Runner: runner, Now: func() time.Time { return time.Now().UTC() }}
}

// Tick loads the row and advances its state machine by at most one
// transition. Rows in final states are left untouched. A lost claim race is
// not an error: the tick simply gives up for this cycle.
func (e *Engine) Tick(ctx context.Context, kind model.Kind, id string) error {
	metrics.RecordTick(string(kind))
	switch kind {
	case model.KindCrawl:
		c, err := e.St.GetCrawl(ctx, id)
		if err != nil {
			return err
		}
		return e.tickCrawl(ctx, c)
	case model.KindSnapshot:
		s, err := e.St.GetSnapshot(ctx, id)
		if err != nil {
			return err
		}
		return e.tickSnapshot(ctx, s)
	case model.KindArchiveResult:
		r, err := e.St.GetArchiveResult(ctx, id)
		if err != nil {
			return err
		}
		return e.tickArchiveResult(ctx, r)
	case model.KindBinary:
		b, err := e.St.GetBinary(ctx, id)
		if err != nil {
			return err
		}
		return e.tickBinary(ctx, b)
	}
	return fmt.Errorf("unknown entity kind %q", kind)
}

// transition CASes a row from its in-memory retry_at to a new state. A miss
// means another process won the row; callers treat that as "skip this
// cycle", never as an error.
func (e *Engine) transition(ctx context.Context, kind model.Kind, id string, expected *time.Time, to model.Status, retryAt *time.Time, from model.Status) (bool, error) {
	ok, err := e.St.UpdateStatus(ctx, kind, id, expected, to, retryAt)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.RecordClaimMiss(string(kind))
		return false, nil
	}
	metrics.RecordTransition(string(kind), string(from), string(to))
	if e.Hist != nil {
		_ = e.Hist.Record(ctx, history.Event{
			OccurredAt: e.Now(),
			Kind:       string(kind),
			EntityID:   id,
			From:       string(from),
			To:         string(to),
		})
	}
	if from != to {
		slog.Debug("state transition", "kind", kind, "id", id, "from", from, "to", to)
	}
	return true, nil
}

// bump pushes retry_at forward without changing status. Used when a guard
// fails, which is what prevents hot-looping callers.
func (e *Engine) bump(ctx context.Context, kind model.Kind, id string, expected *time.Time, status model.Status, backoff time.Duration) error {
	next := e.Now().Add(backoff)
	_, err := e.St.UpdateStatus(ctx, kind, id, expected, status, &next)
	return err
}

// Claim takes the worker-side optimistic lock on a due row: status stays
// put, retry_at moves ahead by lockFor. Returns false when another worker
// got there first.
func (e *Engine) Claim(ctx context.Context, kind model.Kind, id string, expected *time.Time, status model.Status, lockFor time.Duration) (*time.Time, bool, error) {
	next := e.Now().Add(lockFor)
	ok, err := e.St.UpdateStatus(ctx, kind, id, expected, status, &next)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		metrics.RecordClaimMiss(string(kind))
		return nil, false, nil
	}
	return &next, true, nil
}

func (e *Engine) maxAttempts() int {
	if e.Cfg != nil && e.Cfg.MaxURLAttempts > 0 {
		return e.Cfg.MaxURLAttempts
	}
	return config.DefaultMaxURLAttempts
}

// mergedConfig flattens base config with machine overrides plus any extra
// maps (crawl config, call-site overrides).
func (e *Engine) mergedConfig(ctx context.Context, extra ...map[string]string) map[string]string {
	var machineCfg map[string]string
	if m, err := e.Reg.Machine(ctx); err == nil {
		machineCfg = m.Config
	}
	over := append([]map[string]string{machineCfg}, extra...)
	return e.Cfg.Flatten(over...)
}
