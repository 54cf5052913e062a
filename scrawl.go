package scrawl

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/scrawlhq/scrawl/internal/config"
	"github.com/scrawlhq/scrawl/internal/engine"
	"github.com/scrawlhq/scrawl/internal/history"
	hfactory "github.com/scrawlhq/scrawl/internal/history/factory"
	"github.com/scrawlhq/scrawl/internal/hooks"
	"github.com/scrawlhq/scrawl/internal/logger"
	"github.com/scrawlhq/scrawl/internal/metrics"
	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/orchestrator"
	"github.com/scrawlhq/scrawl/internal/registry"
	iapi "github.com/scrawlhq/scrawl/internal/server"
	"github.com/scrawlhq/scrawl/internal/store"
	sfactory "github.com/scrawlhq/scrawl/internal/store/factory"
	"github.com/scrawlhq/scrawl/internal/worker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Crawl = model.Crawl

type Snapshot = model.Snapshot

type ArchiveResult = model.ArchiveResult

type Binary = model.Binary

type Process = model.Process

type HistorySink = history.Sink

// System bundles a data directory's store, process registry and scheduling
// engine. It is the embedding entry point; the CLI is a thin wrapper over
// it.
type System struct {
	Cfg *cfg.Config
	St  store.Store
	Reg *registry.Registry
	Eng *engine.Engine
}

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (*cfg.Config, error) { return cfg.Load(path) }

// DefaultConfig returns the configuration for a data directory with no
// config file.
func DefaultConfig(dataDir string) *cfg.Config { return cfg.Default(dataDir) }

// Open connects the store, ensures the schema, and wires registry, hook
// runner and engine together.
func Open(ctx context.Context, c *cfg.Config) (*System, error) {
	st, err := sfactory.New(c.Store)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	reg := registry.New(st)
	logCfg := logger.Config{}
	if c.Log != nil {
		logCfg = logger.Config{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		}
	}
	runner := &hooks.Runner{Reg: reg, Cfg: c, Log: logCfg}
	eng := engine.New(st, reg, c, runner)
	if c.History != nil && c.History.Enabled {
		sink, err := hfactory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		eng.Hist = sink
	}
	return &System{Cfg: c, St: st, Reg: reg, Eng: eng}, nil
}

func (s *System) Close() error { return s.St.Close() }

// AddCrawl queues a new crawl for the given URLs. Each URL becomes one line
// of the crawl's url list; snapshots materialize when the crawl starts.
func (s *System) AddCrawl(ctx context.Context, urls []string, maxDepth int, createdBy string) (*Crawl, error) {
	now := time.Now().UTC()
	c := &model.Crawl{
		ID:        model.NewID(),
		URLs:      strings.Join(urls, "\n"),
		MaxDepth:  maxDepth,
		Status:    model.StatusQueued,
		RetryAt:   &now,
		CreatedBy: createdBy,
	}
	if err := s.St.InsertCrawl(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// RunCrawl drives one crawl to a final state inside the calling process,
// without spawning worker subprocesses. Meant for embedders and one-shot
// CLI archiving; long-running deployments use the Orchestrator instead.
func (s *System) RunCrawl(ctx context.Context, id string) (*Crawl, error) {
	for {
		c, err := s.St.GetCrawl(ctx, id)
		if err != nil {
			return nil, err
		}
		if model.IsFinal(model.KindCrawl, c.Status) {
			return c, nil
		}
		now := time.Now().UTC()
		if c.RetryAt != nil && !c.RetryAt.After(now) {
			if err := s.Eng.Tick(ctx, model.KindCrawl, c.ID); err != nil {
				return nil, err
			}
		}
		snaps, err := s.St.ListSnapshotsByCrawl(ctx, id)
		if err != nil {
			return nil, err
		}
		for i := range snaps {
			sn := &snaps[i]
			if model.IsFinal(model.KindSnapshot, sn.Status) {
				continue
			}
			if sn.Status == model.StatusQueued {
				if sn.RetryAt != nil && sn.RetryAt.After(now) {
					continue
				}
				if err := s.Eng.Tick(ctx, model.KindSnapshot, sn.ID); err != nil {
					return nil, err
				}
				if sn, err = s.St.GetSnapshot(ctx, sn.ID); err != nil {
					return nil, err
				}
			}
			if sn.Status != model.StatusStarted {
				continue
			}
			cur, err := s.St.GetCrawl(ctx, id)
			if err != nil {
				return nil, err
			}
			ars, err := s.Eng.PlanArchiveResults(ctx, sn, cur)
			if err != nil {
				return nil, err
			}
			for j := range ars {
				ar := &ars[j]
				if model.IsFinal(model.KindArchiveResult, ar.Status) {
					continue
				}
				if ar.RetryAt != nil && ar.RetryAt.After(now) {
					continue
				}
				if err := s.Eng.Tick(ctx, model.KindArchiveResult, ar.ID); err != nil {
					return nil, err
				}
			}
			if err := s.Eng.Tick(ctx, model.KindSnapshot, sn.ID); err != nil {
				return nil, err
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// InstallBinary queues and synchronously attempts a binary install.
func (s *System) InstallBinary(ctx context.Context, name, binproviders string) (*Binary, error) {
	return s.Eng.EnsureBinary(ctx, name, binproviders)
}

// PruneProcesses deletes exited process rows older than the given age and
// returns the number removed. Running rows are never touched.
func (s *System) PruneProcesses(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("prune age must be positive, got %s", olderThan)
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.St.PurgeExitedBefore(ctx, cutoff)
}

// Orchestrator builds the scheduler process for this system.
func (s *System) Orchestrator(crawlID string, exitOnIdle bool) *orchestrator.Orchestrator {
	o := orchestrator.New(s.Eng, s.Cfg)
	o.CrawlID = crawlID
	o.ExitOnIdle = exitOnIdle
	return o
}

// Worker builds a worker process of the given type.
func (s *System) Worker(workerType, crawlID, snapshotID string) *worker.Worker {
	oc := s.Cfg.Orchestrator
	return &worker.Worker{
		Eng:                s.Eng,
		Type:               workerType,
		CrawlID:            crawlID,
		SnapshotID:         snapshotID,
		Poll:               oc.PollInterval,
		IdleTimeout:        oc.IdleTimeout,
		MaxTasks:           oc.MaxConcurrentTasks,
		MaxSnapshotWorkers: oc.MaxSnapshotWorkers,
	}
}

// NewHTTPServer starts the read-only status API on addr.
func (s *System) NewHTTPServer(addr, basePath string) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.St, s.Reg)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
