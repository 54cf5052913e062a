package store

import (
	"context"
	"time"

	"github.com/scrawlhq/scrawl/internal/model"
)

// Store is the persistence contract shared by every process in the system.
// It is the only shared mutable state: coordination between orchestrators,
// workers and hooks happens exclusively through these operations.
//
// All status/retry_at mutations go through UpdateStatus, a compare-and-swap
// keyed on the previous retry_at value. An affected-count of zero means the
// row was claimed by someone else and is reported as (false, nil), never as
// an error.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error

	// Machines
	UpsertMachine(ctx context.Context, m *model.Machine) error
	GetMachineByGUID(ctx context.Context, guid string) (*model.Machine, error)
	PatchMachineConfig(ctx context.Context, id string, patch map[string]string) error

	// Processes
	InsertProcess(ctx context.Context, p *model.Process) error
	GetProcess(ctx context.Context, id string) (*model.Process, error)
	ListRunningProcesses(ctx context.Context, machineID string) ([]model.Process, error)
	ListChildren(ctx context.Context, parentID string) ([]model.Process, error)
	MarkProcessExited(ctx context.Context, id string, endedAt time.Time, exitCode int, stdout, stderr string) error
	UpdateProcessOutput(ctx context.Context, id string, stdout, stderr string) error
	PurgeExitedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Crawls
	InsertCrawl(ctx context.Context, c *model.Crawl) error
	GetCrawl(ctx context.Context, id string) (*model.Crawl, error)
	UpdateCrawlURLs(ctx context.Context, id, urls string) error
	UpdateCrawlOutputDir(ctx context.Context, id, dir string) error
	ListCrawls(ctx context.Context, limit int) ([]model.Crawl, error)
	ListDueCrawls(ctx context.Context, now time.Time, limit int) ([]model.Crawl, error)

	// Snapshots
	GetOrCreateSnapshot(ctx context.Context, s *model.Snapshot) (*model.Snapshot, bool, error)
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)
	ListSnapshotsByCrawl(ctx context.Context, crawlID string) ([]model.Snapshot, error)
	CountSnapshots(ctx context.Context, crawlID string, statuses ...model.Status) (int, error)
	ListDueSnapshots(ctx context.Context, now time.Time, limit int) ([]model.Snapshot, error)

	// ArchiveResults
	GetOrCreateArchiveResult(ctx context.Context, r *model.ArchiveResult) (*model.ArchiveResult, bool, error)
	GetArchiveResult(ctx context.Context, id string) (*model.ArchiveResult, error)
	ListArchiveResultsBySnapshot(ctx context.Context, snapshotID string) ([]model.ArchiveResult, error)
	CountArchiveResults(ctx context.Context, snapshotID string, statuses ...model.Status) (int, error)
	UpdateArchiveResultOutput(ctx context.Context, r *model.ArchiveResult) error
	ListDueArchiveResults(ctx context.Context, snapshotID string, now time.Time, limit int) ([]model.ArchiveResult, error)

	// Binaries
	UpsertBinary(ctx context.Context, b *model.Binary) error
	GetBinary(ctx context.Context, id string) (*model.Binary, error)
	GetBinaryByName(ctx context.Context, machineID, name string) (*model.Binary, error)
	ListDueBinaries(ctx context.Context, machineID string, now time.Time, limit int) ([]model.Binary, error)

	// Tags
	UpsertTag(ctx context.Context, t *model.Tag) error

	// Queue accounting
	UpdateStatus(ctx context.Context, kind model.Kind, id string, expected *time.Time, status model.Status, retryAt *time.Time) (bool, error)
	QueueDepth(ctx context.Context, kind model.Kind, now time.Time) (int, error)
	FutureWork(ctx context.Context, kind model.Kind, now time.Time) (int, error)
}

// Config selects and parameterizes a store backend.
type Config struct {
	Type string `toml:"type" mapstructure:"type"` // "sqlite" or "postgres"

	// SQLite
	Path string `toml:"path,omitempty" mapstructure:"path"`

	// PostgreSQL
	DSN string `toml:"dsn,omitempty" mapstructure:"dsn"`
}
