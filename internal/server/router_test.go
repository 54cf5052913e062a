package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/registry"
	"github.com/scrawlhq/scrawl/internal/store"
	"github.com/scrawlhq/scrawl/internal/store/sqlite"
)

func testRouter(t *testing.T) (*Router, store.Store) {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "index.sqlite3"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	reg := registry.New(db)
	return NewRouter(db, reg, ""), db
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := testRouter(t)
	w := get(t, r.Handler(), "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body=%s", w.Code, w.Body.String())
	}
	var body map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || !body["ok"] {
		t.Fatalf("body: %s err=%v", w.Body.String(), err)
	}
}

func TestCrawlEndpoints(t *testing.T) {
	r, st := testRouter(t)
	ctx := context.Background()
	h := r.Handler()

	now := time.Now().UTC()
	queued := &model.Crawl{ID: model.NewID(), URLs: "https://example.com",
		Status: model.StatusQueued, RetryAt: &now}
	sealed := &model.Crawl{ID: model.NewID(), URLs: "https://example.org",
		Status: model.StatusSealed}
	for _, c := range []*model.Crawl{queued, sealed} {
		if err := st.InsertCrawl(ctx, c); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	snap := &model.Snapshot{ID: model.NewID(), CrawlID: queued.ID,
		URL: "https://example.com", Status: model.StatusQueued, RetryAt: &now}
	if _, _, err := st.GetOrCreateSnapshot(ctx, snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	w := get(t, h, "/api/crawls")
	if w.Code != http.StatusOK {
		t.Fatalf("list status: %d", w.Code)
	}
	var crawls []model.Crawl
	if err := json.Unmarshal(w.Body.Bytes(), &crawls); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(crawls) != 2 {
		t.Fatalf("crawls=%d", len(crawls))
	}

	w = get(t, h, "/api/crawls?status=sealed")
	_ = json.Unmarshal(w.Body.Bytes(), &crawls)
	if len(crawls) != 1 || crawls[0].ID != sealed.ID {
		t.Fatalf("filtered: %+v", crawls)
	}

	w = get(t, h, "/api/crawls/"+queued.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("detail status: %d", w.Code)
	}
	var detail struct {
		Crawl     model.Crawl      `json:"crawl"`
		Snapshots []model.Snapshot `json:"snapshots"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Crawl.ID != queued.ID || len(detail.Snapshots) != 1 {
		t.Fatalf("detail: %+v", detail)
	}

	w = get(t, h, "/api/crawls/no-such-id")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing crawl status: %d", w.Code)
	}
}

func TestProcesses(t *testing.T) {
	r, st := testRouter(t)
	ctx := context.Background()
	h := r.Handler()

	w := get(t, h, "/api/processes")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var procs []model.Process
	_ = json.Unmarshal(w.Body.Bytes(), &procs)
	if len(procs) != 0 {
		t.Fatalf("procs=%d", len(procs))
	}

	m, err := r.reg.Machine(ctx)
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	p := &model.Process{ID: model.NewID(), MachineID: m.ID, PID: 12345,
		ProcessType: model.ProcessTypeWorker, WorkerType: model.WorkerTypeCrawl,
		Status: model.ProcessRunning, StartedAt: time.Now().UTC()}
	if err := st.InsertProcess(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	w = get(t, h, "/api/processes")
	_ = json.Unmarshal(w.Body.Bytes(), &procs)
	if len(procs) != 1 || procs[0].ID != p.ID {
		t.Fatalf("procs: %+v", procs)
	}
}

func TestNormalizeBasePath(t *testing.T) {
	cases := map[string]string{
		"":        "",
		"/":       "",
		"scrawl":  "/scrawl",
		"/api/":   "/api",
		" /x/y/ ": "/x/y",
	}
	for in, want := range cases {
		if got := normalizeBasePath(in); got != want {
			t.Errorf("normalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBasePathMount(t *testing.T) {
	db, err := sqlite.New(filepath.Join(t.TempDir(), "index.sqlite3"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	r := NewRouter(db, registry.New(db), "/scrawl")
	h := r.Handler()
	if w := get(t, h, "/scrawl/healthz"); w.Code != http.StatusOK {
		t.Fatalf("mounted path: %d", w.Code)
	}
	if w := get(t, h, "/healthz"); w.Code == http.StatusOK {
		t.Fatalf("unmounted path should not serve")
	}
}
