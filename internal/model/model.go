package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the state-machine state of a queue-bearing entity.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusStarted   Status = "started"
	StatusSealed    Status = "sealed"
	StatusBackoff   Status = "backoff"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusInstalled Status = "installed"
)

// Kind identifies one queue-bearing entity kind.
type Kind string

const (
	KindCrawl         Kind = "crawl"
	KindSnapshot      Kind = "snapshot"
	KindArchiveResult Kind = "archiveresult"
	KindBinary        Kind = "binary"
)

// FinalStates returns the terminal states for a kind. Tick on a row in a
// final state is a no-op.
func FinalStates(k Kind) []Status {
	switch k {
	case KindArchiveResult:
		return []Status{StatusSucceeded, StatusFailed, StatusSkipped}
	case KindBinary:
		return []Status{StatusInstalled}
	default:
		return []Status{StatusSealed}
	}
}

// ActiveState returns the single "currently being processed" state for a kind.
func ActiveState(k Kind) Status {
	if k == KindBinary {
		return StatusQueued
	}
	return StatusStarted
}

// IsFinal reports whether s is terminal for kind k.
func IsFinal(k Kind, s Status) bool {
	for _, f := range FinalStates(k) {
		if s == f {
			return true
		}
	}
	return false
}

// NewID returns a time-ordered UUID string. Rows sort by creation when
// ordered by id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Machine is one host. Created lazily on first use, never deleted.
type Machine struct {
	ID         string            `json:"id"`
	GUID       string            `json:"guid"`
	Hostname   string            `json:"hostname"`
	OSArch     string            `json:"os_arch"`
	OSPlatform string            `json:"os_platform"`
	OSRelease  string            `json:"os_release"`
	Config     map[string]string `json:"config,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ModifiedAt time.Time         `json:"modified_at"`
}

// Process types tracked by the registry.
const (
	ProcessTypeCLI          = "cli"
	ProcessTypeOrchestrator = "orchestrator"
	ProcessTypeWorker       = "worker"
	ProcessTypeHook         = "hook"
	ProcessTypeSupervisord  = "supervisord"
)

// Worker types sharding the worker process type.
const (
	WorkerTypeCrawl    = "crawl"
	WorkerTypeSnapshot = "snapshot"
	WorkerTypeBinary   = "binary"
)

// Process statuses. Rows are never deleted, only transitioned to exited.
const (
	ProcessRunning = "running"
	ProcessExited  = "exited"
)

// Process is one OS process the system ever spawned or observed.
type Process struct {
	ID          string            `json:"id"`
	MachineID   string            `json:"machine_id"`
	PID         int               `json:"pid"`
	ProcessType string            `json:"process_type"`
	WorkerType  string            `json:"worker_type,omitempty"`
	Status      string            `json:"status"`
	ParentID    string            `json:"parent_id,omitempty"`
	CrawlID     string            `json:"crawl_id,omitempty"`
	SnapshotID  string            `json:"snapshot_id,omitempty"`
	Cmd         []string          `json:"cmd"`
	Pwd         string            `json:"pwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Stdout      string            `json:"stdout,omitempty"`
	Stderr      string            `json:"stderr,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	TimeoutSec  int               `json:"timeout_sec,omitempty"`
}

// Crawl is one archiving request. URLs is newline-separated; each line is a
// plain URL or a JSONL Snapshot record.
type Crawl struct {
	ID         string            `json:"id"`
	URLs       string            `json:"urls"`
	MaxDepth   int               `json:"max_depth"`
	Config     map[string]string `json:"config,omitempty"`
	Tags       string            `json:"tags,omitempty"`
	Status     Status            `json:"status"`
	RetryAt    *time.Time        `json:"retry_at,omitempty"`
	CreatedBy  string            `json:"created_by,omitempty"`
	OutputDir  string            `json:"output_dir,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ModifiedAt time.Time         `json:"modified_at"`
}

// Snapshot is one URL within a Crawl.
type Snapshot struct {
	ID               string     `json:"id"`
	CrawlID          string     `json:"crawl_id"`
	URL              string     `json:"url"`
	Depth            int        `json:"depth"`
	Status           Status     `json:"status"`
	RetryAt          *time.Time `json:"retry_at,omitempty"`
	ParentSnapshotID string     `json:"parent_snapshot_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ModifiedAt       time.Time  `json:"modified_at"`
}

// ArchiveResult is the outcome of one hook invocation against one Snapshot.
type ArchiveResult struct {
	ID          string          `json:"id"`
	SnapshotID  string          `json:"snapshot_id"`
	Plugin      string          `json:"plugin"`
	HookName    string          `json:"hook_name"`
	Status      Status          `json:"status"`
	RetryAt     *time.Time      `json:"retry_at,omitempty"`
	Cmd         []string        `json:"cmd,omitempty"`
	Pwd         string          `json:"pwd,omitempty"`
	OutputStr   string          `json:"output_str,omitempty"`
	OutputJSON  json.RawMessage `json:"output_json,omitempty"`
	OutputFiles string          `json:"output_files,omitempty"`
	ProcessID   string          `json:"process_id,omitempty"`
	NumAttempts int             `json:"num_attempts"`
	StartTS     *time.Time      `json:"start_ts,omitempty"`
	EndTS       *time.Time      `json:"end_ts,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ModifiedAt  time.Time       `json:"modified_at"`
}

// Binary is a detected or installed dependency, scoped to a Machine.
type Binary struct {
	ID           string          `json:"id"`
	MachineID    string          `json:"machine_id"`
	Name         string          `json:"name"`
	BinProviders string          `json:"binproviders,omitempty"`
	Overrides    json.RawMessage `json:"overrides,omitempty"`
	BinProvider  string          `json:"binprovider,omitempty"`
	Abspath      string          `json:"abspath,omitempty"`
	Version      string          `json:"version,omitempty"`
	SHA256       string          `json:"sha256,omitempty"`
	Status       Status          `json:"status"`
	RetryAt      *time.Time      `json:"retry_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ModifiedAt   time.Time       `json:"modified_at"`
}

// Valid reports whether the binary resolved to a usable executable.
func (b *Binary) Valid() bool { return b.Abspath != "" && b.Version != "" }

// Tag is a label applied to snapshots, created only via hook records.
type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}
