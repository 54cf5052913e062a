package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks across worker processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA journal_mode=WAL;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS machines(
			id TEXT PRIMARY KEY,
			guid TEXT NOT NULL UNIQUE,
			hostname TEXT NOT NULL,
			os_arch TEXT NOT NULL DEFAULT '',
			os_platform TEXT NOT NULL DEFAULT '',
			os_release TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			modified_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS processes(
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			process_type TEXT NOT NULL,
			worker_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			crawl_id TEXT NOT NULL DEFAULT '',
			snapshot_id TEXT NOT NULL DEFAULT '',
			cmd TEXT NOT NULL DEFAULT '',
			pwd TEXT NOT NULL DEFAULT '',
			env TEXT NOT NULL DEFAULT '',
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			ended_at INTEGER NULL,
			exit_code INTEGER NULL,
			timeout_sec INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_processes_status ON processes(status);`,
		`CREATE INDEX IF NOT EXISTS idx_processes_parent ON processes(parent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_processes_machine ON processes(machine_id);`,
		`CREATE TABLE IF NOT EXISTS crawls(
			id TEXT PRIMARY KEY,
			urls TEXT NOT NULL DEFAULT '',
			max_depth INTEGER NOT NULL DEFAULT 0,
			config TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			retry_at INTEGER NULL,
			created_by TEXT NOT NULL DEFAULT '',
			output_dir TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			modified_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_crawls_queue ON crawls(status, retry_at);`,
		`CREATE TABLE IF NOT EXISTS snapshots(
			id TEXT PRIMARY KEY,
			crawl_id TEXT NOT NULL,
			url TEXT NOT NULL,
			depth INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			retry_at INTEGER NULL,
			parent_snapshot_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			modified_at INTEGER NOT NULL,
			UNIQUE(crawl_id, url)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_queue ON snapshots(status, retry_at);`,
		`CREATE TABLE IF NOT EXISTS archiveresults(
			id TEXT PRIMARY KEY,
			snapshot_id TEXT NOT NULL,
			plugin TEXT NOT NULL,
			hook_name TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_at INTEGER NULL,
			cmd TEXT NOT NULL DEFAULT '',
			pwd TEXT NOT NULL DEFAULT '',
			output_str TEXT NOT NULL DEFAULT '',
			output_json TEXT NOT NULL DEFAULT '',
			output_files TEXT NOT NULL DEFAULT '',
			process_id TEXT NOT NULL DEFAULT '',
			num_attempts INTEGER NOT NULL DEFAULT 0,
			start_ts INTEGER NULL,
			end_ts INTEGER NULL,
			created_at INTEGER NOT NULL,
			modified_at INTEGER NOT NULL,
			UNIQUE(snapshot_id, plugin, hook_name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archiveresults_queue ON archiveresults(status, retry_at);`,
		`CREATE INDEX IF NOT EXISTS idx_archiveresults_snapshot ON archiveresults(snapshot_id);`,
		`CREATE TABLE IF NOT EXISTS binaries(
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL,
			name TEXT NOT NULL,
			binproviders TEXT NOT NULL DEFAULT 'env',
			overrides TEXT NOT NULL DEFAULT '',
			binprovider TEXT NOT NULL DEFAULT '',
			abspath TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			sha256 TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			retry_at INTEGER NULL,
			created_at INTEGER NOT NULL,
			modified_at INTEGER NOT NULL,
			UNIQUE(machine_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS tags(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			slug TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

// --- machines ---

func (s *DB) UpsertMachine(ctx context.Context, m *model.Machine) error {
	cfg, err := store.EncodeJSON(m.Config)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.ModifiedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO machines(id, guid, hostname, os_arch, os_platform, os_release, config, created_at, modified_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			hostname=excluded.hostname,
			os_arch=excluded.os_arch,
			os_platform=excluded.os_platform,
			os_release=excluded.os_release,
			modified_at=excluded.modified_at;`,
		m.ID, m.GUID, m.Hostname, m.OSArch, m.OSPlatform, m.OSRelease, cfg,
		m.CreatedAt.UnixNano(), m.ModifiedAt.UnixNano())
	return err
}

func (s *DB) GetMachineByGUID(ctx context.Context, guid string) (*model.Machine, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, guid, hostname, os_arch, os_platform, os_release, config, created_at, modified_at
		FROM machines WHERE guid=?;`, guid)
	var m model.Machine
	var cfg string
	var created, modified int64
	if err := row.Scan(&m.ID, &m.GUID, &m.Hostname, &m.OSArch, &m.OSPlatform, &m.OSRelease, &cfg, &created, &modified); err != nil {
		return nil, err
	}
	var err error
	if m.Config, err = store.DecodeJSONMap(cfg); err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(0, created).UTC()
	m.ModifiedAt = time.Unix(0, modified).UTC()
	return &m, nil
}

func (s *DB) PatchMachineConfig(ctx context.Context, id string, patch map[string]string) error {
	row := s.db.QueryRowContext(ctx, `SELECT config FROM machines WHERE id=?;`, id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return err
	}
	cfg, err := store.DecodeJSONMap(raw)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		cfg[k] = v
	}
	enc, err := store.EncodeJSON(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE machines SET config=?, modified_at=? WHERE id=?;`,
		enc, time.Now().UTC().UnixNano(), id)
	return err
}

// --- processes ---

const processCols = `id, machine_id, pid, process_type, worker_type, status, parent_id, crawl_id, snapshot_id,
	cmd, pwd, env, stdout, stderr, started_at, ended_at, exit_code, timeout_sec`

func (s *DB) InsertProcess(ctx context.Context, p *model.Process) error {
	cmd, err := store.EncodeJSON(p.Cmd)
	if err != nil {
		return err
	}
	env, err := store.EncodeJSON(p.Env)
	if err != nil {
		return err
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processes(`+processCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		p.ID, p.MachineID, p.PID, p.ProcessType, p.WorkerType, p.Status, p.ParentID, p.CrawlID, p.SnapshotID,
		cmd, p.Pwd, env, p.Stdout, p.Stderr, p.StartedAt.UnixNano(), store.UnixOrNil(p.EndedAt), nullableInt(p.ExitCode), p.TimeoutSec)
	return err
}

func (s *DB) GetProcess(ctx context.Context, id string) (*model.Process, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+processCols+` FROM processes WHERE id=?;`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	procs, err := scanProcesses(rows)
	if err != nil {
		return nil, err
	}
	if len(procs) == 0 {
		return nil, sql.ErrNoRows
	}
	return &procs[0], nil
}

func (s *DB) ListRunningProcesses(ctx context.Context, machineID string) ([]model.Process, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+processCols+` FROM processes
		WHERE status=? AND machine_id=?
		ORDER BY started_at ASC;`, model.ProcessRunning, machineID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanProcesses(rows)
}

func (s *DB) ListChildren(ctx context.Context, parentID string) ([]model.Process, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+processCols+` FROM processes
		WHERE parent_id=?
		ORDER BY started_at ASC;`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanProcesses(rows)
}

func (s *DB) MarkProcessExited(ctx context.Context, id string, endedAt time.Time, exitCode int, stdout, stderr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processes
		SET status=?, ended_at=?, exit_code=?,
			stdout=CASE WHEN ?='' THEN stdout ELSE ? END,
			stderr=CASE WHEN ?='' THEN stderr ELSE ? END
		WHERE id=? AND status=?;`,
		model.ProcessExited, endedAt.UTC().UnixNano(), exitCode,
		stdout, stdout, stderr, stderr, id, model.ProcessRunning)
	return err
}

func (s *DB) UpdateProcessOutput(ctx context.Context, id string, stdout, stderr string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE processes SET stdout=?, stderr=? WHERE id=?;`, stdout, stderr, id)
	return err
}

func (s *DB) PurgeExitedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE status=? AND ended_at < ?;`,
		model.ProcessExited, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- crawls ---

const crawlCols = `id, urls, max_depth, config, tags, status, retry_at, created_by, output_dir, created_at, modified_at`

func (s *DB) InsertCrawl(ctx context.Context, c *model.Crawl) error {
	cfg, err := store.EncodeJSON(c.Config)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.ModifiedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crawls(`+crawlCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		c.ID, c.URLs, c.MaxDepth, cfg, c.Tags, c.Status, store.UnixOrNil(c.RetryAt),
		c.CreatedBy, c.OutputDir, c.CreatedAt.UnixNano(), c.ModifiedAt.UnixNano())
	return err
}

func (s *DB) GetCrawl(ctx context.Context, id string) (*model.Crawl, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+crawlCols+` FROM crawls WHERE id=?;`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out, err := scanCrawls(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sql.ErrNoRows
	}
	return &out[0], nil
}

func (s *DB) UpdateCrawlURLs(ctx context.Context, id, urls string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE crawls SET urls=?, modified_at=? WHERE id=?;`,
		urls, time.Now().UTC().UnixNano(), id)
	return err
}

func (s *DB) UpdateCrawlOutputDir(ctx context.Context, id, dir string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE crawls SET output_dir=?, modified_at=? WHERE id=?;`,
		dir, time.Now().UTC().UnixNano(), id)
	return err
}

func (s *DB) ListCrawls(ctx context.Context, limit int) ([]model.Crawl, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+crawlCols+` FROM crawls ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanCrawls(rows)
}

func (s *DB) ListDueCrawls(ctx context.Context, now time.Time, limit int) ([]model.Crawl, error) {
	in, args := finalsNotIn(model.KindCrawl)
	args = append([]any{now.UTC().UnixNano()}, args...)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+crawlCols+` FROM crawls
		WHERE retry_at IS NOT NULL AND retry_at <= ? AND status NOT IN `+in+`
		ORDER BY retry_at ASC LIMIT ?;`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanCrawls(rows)
}

// --- snapshots ---

const snapshotCols = `id, crawl_id, url, depth, status, retry_at, parent_snapshot_id, created_at, modified_at`

func (s *DB) GetOrCreateSnapshot(ctx context.Context, snap *model.Snapshot) (*model.Snapshot, bool, error) {
	now := time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.ModifiedAt = now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots(`+snapshotCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(crawl_id, url) DO NOTHING;`,
		snap.ID, snap.CrawlID, snap.URL, snap.Depth, snap.Status, store.UnixOrNil(snap.RetryAt),
		snap.ParentSnapshotID, snap.CreatedAt.UnixNano(), snap.ModifiedAt.UnixNano())
	if err != nil {
		return nil, false, err
	}
	n, _ := res.RowsAffected()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotCols+` FROM snapshots WHERE crawl_id=? AND url=?;`, snap.CrawlID, snap.URL)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()
	out, err := scanSnapshots(rows)
	if err != nil {
		return nil, false, err
	}
	if len(out) == 0 {
		return nil, false, sql.ErrNoRows
	}
	return &out[0], n == 1, nil
}

func (s *DB) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+snapshotCols+` FROM snapshots WHERE id=?;`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sql.ErrNoRows
	}
	return &out[0], nil
}

func (s *DB) ListSnapshotsByCrawl(ctx context.Context, crawlID string) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotCols+` FROM snapshots WHERE crawl_id=? ORDER BY created_at ASC;`, crawlID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSnapshots(rows)
}

func (s *DB) CountSnapshots(ctx context.Context, crawlID string, statuses ...model.Status) (int, error) {
	q := `SELECT COUNT(*) FROM snapshots WHERE crawl_id=?`
	args := []any{crawlID}
	if len(statuses) > 0 {
		q += ` AND status IN (` + placeholders(len(statuses)) + `)`
		args = append(args, store.StatusStrings(statuses)...)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q+`;`, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *DB) ListDueSnapshots(ctx context.Context, now time.Time, limit int) ([]model.Snapshot, error) {
	in, args := finalsNotIn(model.KindSnapshot)
	args = append([]any{now.UTC().UnixNano()}, args...)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotCols+` FROM snapshots
		WHERE retry_at IS NOT NULL AND retry_at <= ? AND status NOT IN `+in+`
		ORDER BY retry_at ASC LIMIT ?;`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSnapshots(rows)
}

// --- archiveresults ---

const archiveResultCols = `id, snapshot_id, plugin, hook_name, status, retry_at, cmd, pwd,
	output_str, output_json, output_files, process_id, num_attempts, start_ts, end_ts, created_at, modified_at`

func (s *DB) GetOrCreateArchiveResult(ctx context.Context, r *model.ArchiveResult) (*model.ArchiveResult, bool, error) {
	cmd, err := store.EncodeJSON(r.Cmd)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.ModifiedAt = now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO archiveresults(`+archiveResultCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_id, plugin, hook_name) DO NOTHING;`,
		r.ID, r.SnapshotID, r.Plugin, r.HookName, r.Status, store.UnixOrNil(r.RetryAt),
		cmd, r.Pwd, r.OutputStr, string(r.OutputJSON), r.OutputFiles, r.ProcessID,
		r.NumAttempts, store.UnixOrNil(r.StartTS), store.UnixOrNil(r.EndTS),
		r.CreatedAt.UnixNano(), r.ModifiedAt.UnixNano())
	if err != nil {
		return nil, false, err
	}
	n, _ := res.RowsAffected()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+archiveResultCols+` FROM archiveresults
		WHERE snapshot_id=? AND plugin=? AND hook_name=?;`, r.SnapshotID, r.Plugin, r.HookName)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()
	out, err := scanArchiveResults(rows)
	if err != nil {
		return nil, false, err
	}
	if len(out) == 0 {
		return nil, false, sql.ErrNoRows
	}
	return &out[0], n == 1, nil
}

func (s *DB) GetArchiveResult(ctx context.Context, id string) (*model.ArchiveResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+archiveResultCols+` FROM archiveresults WHERE id=?;`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out, err := scanArchiveResults(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sql.ErrNoRows
	}
	return &out[0], nil
}

func (s *DB) ListArchiveResultsBySnapshot(ctx context.Context, snapshotID string) ([]model.ArchiveResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+archiveResultCols+` FROM archiveresults WHERE snapshot_id=? ORDER BY created_at ASC;`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanArchiveResults(rows)
}

func (s *DB) CountArchiveResults(ctx context.Context, snapshotID string, statuses ...model.Status) (int, error) {
	q := `SELECT COUNT(*) FROM archiveresults WHERE snapshot_id=?`
	args := []any{snapshotID}
	if len(statuses) > 0 {
		q += ` AND status IN (` + placeholders(len(statuses)) + `)`
		args = append(args, store.StatusStrings(statuses)...)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q+`;`, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *DB) UpdateArchiveResultOutput(ctx context.Context, r *model.ArchiveResult) error {
	cmd, err := store.EncodeJSON(r.Cmd)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE archiveresults
		SET cmd=?, pwd=?, output_str=?, output_json=?, output_files=?, process_id=?,
			num_attempts=?, start_ts=?, end_ts=?, modified_at=?
		WHERE id=?;`,
		cmd, r.Pwd, r.OutputStr, string(r.OutputJSON), r.OutputFiles, r.ProcessID,
		r.NumAttempts, store.UnixOrNil(r.StartTS), store.UnixOrNil(r.EndTS),
		time.Now().UTC().UnixNano(), r.ID)
	return err
}

func (s *DB) ListDueArchiveResults(ctx context.Context, snapshotID string, now time.Time, limit int) ([]model.ArchiveResult, error) {
	in, inArgs := finalsNotIn(model.KindArchiveResult)
	q := `SELECT ` + archiveResultCols + ` FROM archiveresults
		WHERE retry_at IS NOT NULL AND retry_at <= ? AND status NOT IN ` + in
	args := append([]any{now.UTC().UnixNano()}, inArgs...)
	if snapshotID != "" {
		q += ` AND snapshot_id=?`
		args = append(args, snapshotID)
	}
	q += ` ORDER BY retry_at ASC LIMIT ?;`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanArchiveResults(rows)
}

// --- binaries ---

const binaryCols = `id, machine_id, name, binproviders, overrides, binprovider, abspath, version, sha256,
	status, retry_at, created_at, modified_at`

func (s *DB) UpsertBinary(ctx context.Context, b *model.Binary) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.ModifiedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO binaries(`+binaryCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(machine_id, name) DO UPDATE SET
			binproviders=excluded.binproviders,
			overrides=excluded.overrides,
			binprovider=excluded.binprovider,
			abspath=excluded.abspath,
			version=excluded.version,
			sha256=excluded.sha256,
			status=excluded.status,
			retry_at=excluded.retry_at,
			modified_at=excluded.modified_at;`,
		b.ID, b.MachineID, b.Name, b.BinProviders, string(b.Overrides), b.BinProvider,
		b.Abspath, b.Version, b.SHA256, b.Status, store.UnixOrNil(b.RetryAt),
		b.CreatedAt.UnixNano(), b.ModifiedAt.UnixNano())
	return err
}

func (s *DB) GetBinary(ctx context.Context, id string) (*model.Binary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+binaryCols+` FROM binaries WHERE id=?;`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out, err := scanBinaries(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sql.ErrNoRows
	}
	return &out[0], nil
}

func (s *DB) GetBinaryByName(ctx context.Context, machineID, name string) (*model.Binary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+binaryCols+` FROM binaries WHERE machine_id=? AND name=?;`, machineID, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out, err := scanBinaries(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sql.ErrNoRows
	}
	return &out[0], nil
}

func (s *DB) ListDueBinaries(ctx context.Context, machineID string, now time.Time, limit int) ([]model.Binary, error) {
	in, inArgs := finalsNotIn(model.KindBinary)
	args := append([]any{now.UTC().UnixNano()}, inArgs...)
	args = append(args, machineID, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+binaryCols+` FROM binaries
		WHERE retry_at IS NOT NULL AND retry_at <= ? AND status NOT IN `+in+` AND machine_id=?
		ORDER BY retry_at ASC LIMIT ?;`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanBinaries(rows)
}

// --- tags ---

func (s *DB) UpsertTag(ctx context.Context, t *model.Tag) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags(id, name, slug, created_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET slug=excluded.slug;`,
		t.ID, t.Name, t.Slug, t.CreatedAt.UnixNano())
	return err
}

// --- queue accounting ---

// UpdateStatus is the optimistic-lock compare-and-swap every status mutation
// goes through. retry_at IS ? matches NULL as well as concrete values, so a
// row parked with retry_at=NULL can still be transitioned by the holder.
func (s *DB) UpdateStatus(ctx context.Context, kind model.Kind, id string, expected *time.Time, status model.Status, retryAt *time.Time) (bool, error) {
	table := store.TableForKind(kind)
	if table == "" {
		return false, fmt.Errorf("unknown kind %q", kind)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET status=?, retry_at=?, modified_at=?
		WHERE id=? AND retry_at IS ?;`,
		status, store.UnixOrNil(retryAt), time.Now().UTC().UnixNano(), id, store.UnixOrNil(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *DB) QueueDepth(ctx context.Context, kind model.Kind, now time.Time) (int, error) {
	table := store.TableForKind(kind)
	if table == "" {
		return 0, fmt.Errorf("unknown kind %q", kind)
	}
	in, args := finalsNotIn(kind)
	args = append([]any{now.UTC().UnixNano()}, args...)
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+table+`
		WHERE retry_at IS NOT NULL AND retry_at <= ? AND status NOT IN `+in+`;`, args...).Scan(&n)
	return n, err
}

func (s *DB) FutureWork(ctx context.Context, kind model.Kind, now time.Time) (int, error) {
	table := store.TableForKind(kind)
	if table == "" {
		return 0, fmt.Errorf("unknown kind %q", kind)
	}
	in, args := finalsNotIn(kind)
	args = append([]any{now.UTC().UnixNano()}, args...)
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+table+`
		WHERE retry_at IS NOT NULL AND retry_at > ? AND status NOT IN `+in+`;`, args...).Scan(&n)
	return n, err
}

// --- scan helpers ---

func scanProcesses(rows *sql.Rows) ([]model.Process, error) {
	out := make([]model.Process, 0)
	for rows.Next() {
		var p model.Process
		var cmd, env string
		var started int64
		var ended, exitCode sql.NullInt64
		if err := rows.Scan(&p.ID, &p.MachineID, &p.PID, &p.ProcessType, &p.WorkerType, &p.Status,
			&p.ParentID, &p.CrawlID, &p.SnapshotID, &cmd, &p.Pwd, &env, &p.Stdout, &p.Stderr,
			&started, &ended, &exitCode, &p.TimeoutSec); err != nil {
			return nil, err
		}
		var err error
		if p.Cmd, err = store.DecodeJSONSlice(cmd); err != nil {
			return nil, err
		}
		if p.Env, err = store.DecodeJSONMap(env); err != nil {
			return nil, err
		}
		p.StartedAt = time.Unix(0, started).UTC()
		p.EndedAt = store.TimeOrNil(ended)
		if exitCode.Valid {
			ec := int(exitCode.Int64)
			p.ExitCode = &ec
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanCrawls(rows *sql.Rows) ([]model.Crawl, error) {
	out := make([]model.Crawl, 0)
	for rows.Next() {
		var c model.Crawl
		var cfg string
		var retryAt sql.NullInt64
		var created, modified int64
		if err := rows.Scan(&c.ID, &c.URLs, &c.MaxDepth, &cfg, &c.Tags, &c.Status, &retryAt,
			&c.CreatedBy, &c.OutputDir, &created, &modified); err != nil {
			return nil, err
		}
		var err error
		if c.Config, err = store.DecodeJSONMap(cfg); err != nil {
			return nil, err
		}
		c.RetryAt = store.TimeOrNil(retryAt)
		c.CreatedAt = time.Unix(0, created).UTC()
		c.ModifiedAt = time.Unix(0, modified).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanSnapshots(rows *sql.Rows) ([]model.Snapshot, error) {
	out := make([]model.Snapshot, 0)
	for rows.Next() {
		var sn model.Snapshot
		var retryAt sql.NullInt64
		var created, modified int64
		if err := rows.Scan(&sn.ID, &sn.CrawlID, &sn.URL, &sn.Depth, &sn.Status, &retryAt,
			&sn.ParentSnapshotID, &created, &modified); err != nil {
			return nil, err
		}
		sn.RetryAt = store.TimeOrNil(retryAt)
		sn.CreatedAt = time.Unix(0, created).UTC()
		sn.ModifiedAt = time.Unix(0, modified).UTC()
		out = append(out, sn)
	}
	return out, rows.Err()
}

func scanArchiveResults(rows *sql.Rows) ([]model.ArchiveResult, error) {
	out := make([]model.ArchiveResult, 0)
	for rows.Next() {
		var r model.ArchiveResult
		var cmd, outputJSON string
		var retryAt, startTS, endTS sql.NullInt64
		var created, modified int64
		if err := rows.Scan(&r.ID, &r.SnapshotID, &r.Plugin, &r.HookName, &r.Status, &retryAt,
			&cmd, &r.Pwd, &r.OutputStr, &outputJSON, &r.OutputFiles, &r.ProcessID,
			&r.NumAttempts, &startTS, &endTS, &created, &modified); err != nil {
			return nil, err
		}
		var err error
		if r.Cmd, err = store.DecodeJSONSlice(cmd); err != nil {
			return nil, err
		}
		if outputJSON != "" {
			r.OutputJSON = []byte(outputJSON)
		}
		r.RetryAt = store.TimeOrNil(retryAt)
		r.StartTS = store.TimeOrNil(startTS)
		r.EndTS = store.TimeOrNil(endTS)
		r.CreatedAt = time.Unix(0, created).UTC()
		r.ModifiedAt = time.Unix(0, modified).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanBinaries(rows *sql.Rows) ([]model.Binary, error) {
	out := make([]model.Binary, 0)
	for rows.Next() {
		var b model.Binary
		var overrides string
		var retryAt sql.NullInt64
		var created, modified int64
		if err := rows.Scan(&b.ID, &b.MachineID, &b.Name, &b.BinProviders, &overrides, &b.BinProvider,
			&b.Abspath, &b.Version, &b.SHA256, &b.Status, &retryAt, &created, &modified); err != nil {
			return nil, err
		}
		if overrides != "" {
			b.Overrides = []byte(overrides)
		}
		b.RetryAt = store.TimeOrNil(retryAt)
		b.CreatedAt = time.Unix(0, created).UTC()
		b.ModifiedAt = time.Unix(0, modified).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func finalsNotIn(kind model.Kind) (string, []any) {
	finals := model.FinalStates(kind)
	return "(" + placeholders(len(finals)) + ")", store.StatusStrings(finals)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
