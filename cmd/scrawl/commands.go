package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/scrawlhq/scrawl"
	"github.com/scrawlhq/scrawl/internal/config"
	"github.com/scrawlhq/scrawl/internal/logger"
	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/registry"
)

// command binds subcommand handlers to the shared global flags.
type command struct {
	global *GlobalFlags
}

// open loads config, sets up logging and connects the system.
func (c command) open(ctx context.Context) (*scrawl.System, error) {
	logger.Setup(c.global.Debug)
	var cfg *config.Config
	var err error
	if c.global.ConfigPath != "" {
		cfg, err = config.Load(c.global.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		dataDir := c.global.DataDir
		if dataDir == "" {
			dataDir = os.Getenv("SCRAWL_DATA_DIR")
		}
		if dataDir == "" {
			dataDir = "."
		}
		cfg = config.Default(dataDir)
	}
	return scrawl.Open(ctx, cfg)
}

func (c command) Orchestrator(flags OrchestratorFlags) error {
	ctx := context.Background()
	sys, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sys.Close() }()
	if err := scrawl.RegisterMetricsDefault(); err != nil {
		return err
	}
	if flags.Foreground {
		sys.Cfg.Foreground()
	}
	o := sys.Orchestrator(flags.CrawlID, flags.ExitOnIdle)
	err = o.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func (c command) Worker(flags WorkerFlags) error {
	switch flags.Type {
	case model.WorkerTypeCrawl, model.WorkerTypeSnapshot, model.WorkerTypeBinary:
	default:
		return fmt.Errorf("unknown worker type %q", flags.Type)
	}
	ctx := context.Background()
	sys, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sys.Close() }()
	w := sys.Worker(flags.Type, flags.CrawlID, flags.SnapshotID)
	err = w.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func (c command) Add(urls []string, flags AddFlags) error {
	ctx := context.Background()
	sys, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sys.Close() }()
	crawl, err := sys.AddCrawl(ctx, urls, flags.Depth, model.ProcessTypeCLI)
	if err != nil {
		return err
	}
	fmt.Printf("queued crawl %s (%d url(s), depth %d)\n", crawl.ID, len(urls), flags.Depth)
	return nil
}

func (c command) Status() error {
	ctx := context.Background()
	sys, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sys.Close() }()

	crawls, err := sys.St.ListCrawls(ctx, 100)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CRAWL\tSTATUS\tSNAPSHOTS\tPENDING\tCREATED")
	for i := range crawls {
		cr := &crawls[i]
		total, err := sys.St.CountSnapshots(ctx, cr.ID)
		if err != nil {
			return err
		}
		active, err := sys.St.CountSnapshots(ctx, cr.ID, model.StatusQueued, model.StatusStarted)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			cr.ID, cr.Status, total, active, cr.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func (c command) Install(name string, flags InstallFlags) error {
	ctx := context.Background()
	sys, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sys.Close() }()
	if _, err := sys.Reg.RegisterSelf(ctx, registry.SelfOptions{ProcessType: model.ProcessTypeCLI}); err != nil {
		return err
	}
	defer func() { _ = sys.Reg.MarkSelfExited(context.Background(), 0) }()

	b, err := sys.InstallBinary(ctx, name, flags.BinProviders)
	if err != nil {
		return err
	}
	if b.Status == model.StatusInstalled {
		fmt.Printf("%s %s installed at %s\n", b.Name, b.Version, b.Abspath)
		return nil
	}
	return fmt.Errorf("%s not installed: no provider hook succeeded (still %s)", b.Name, b.Status)
}

func (c command) Ps() error {
	ctx := context.Background()
	sys, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sys.Close() }()

	m, err := sys.Reg.Machine(ctx)
	if err != nil {
		return err
	}
	procs, err := sys.St.ListRunningProcesses(ctx, m.ID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PID\tTYPE\tWORKER\tCRAWL\tSTARTED\tALIVE")
	for i := range procs {
		p := &procs[i]
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%v\n",
			p.PID, p.ProcessType, p.WorkerType, shortID(p.CrawlID),
			p.StartedAt.Format(time.RFC3339), sys.Reg.Alive(p))
	}
	return w.Flush()
}

func (c command) Prune(flags PruneFlags) error {
	ctx := context.Background()
	sys, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sys.Close() }()

	n, err := sys.PruneProcesses(ctx, flags.OlderThan)
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d exited process rows older than %s\n", n, flags.OlderThan)
	return nil
}

func (c command) Serve(flags ServeFlags) error {
	ctx := context.Background()
	sys, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sys.Close() }()
	if err := scrawl.RegisterMetricsDefault(); err != nil {
		return err
	}
	srv, err := sys.NewHTTPServer(flags.Listen, flags.BasePath)
	if err != nil {
		return err
	}
	fmt.Printf("status API listening on %s\n", flags.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
