package hooks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/registry"
	"github.com/scrawlhq/scrawl/internal/store"
	"github.com/scrawlhq/scrawl/internal/store/sqlite"
)

func testStore(t *testing.T) (store.Store, *registry.Registry) {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "index.sqlite3"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return db, registry.New(db)
}

func TestExtractRecords(t *testing.T) {
	stdout := `starting up
{"type":"Snapshot","url":"https://example.com/a","depth":1}
not json at all
{"no_type":"here"}
{"type":"Custom","payload":42}

{"type":"Tag","name":"News"}`
	recs, noise := ExtractRecords(stdout)
	if len(recs) != 3 {
		t.Fatalf("records=%d", len(recs))
	}
	if recs[0].Type != "Snapshot" || recs[1].Type != "Custom" || recs[2].Type != "Tag" {
		t.Fatalf("types: %v %v %v", recs[0].Type, recs[1].Type, recs[2].Type)
	}
	if len(noise) != 3 {
		t.Fatalf("noise=%d: %v", len(noise), noise)
	}
	// Raw preserves the input line byte for byte
	if recs[1].Raw != `{"type":"Custom","payload":42}` {
		t.Fatalf("raw altered: %s", recs[1].Raw)
	}
}

func TestRecordAccessors(t *testing.T) {
	recs, _ := ExtractRecords(`{"type":"Snapshot","url":"u","depth":2,"n":"7"}`)
	r := recs[0]
	if r.Str("url") != "u" || r.Str("missing") != "" {
		t.Fatalf("Str accessor")
	}
	if d, ok := r.Int("depth"); !ok || d != 2 {
		t.Fatalf("Int from number: %d %v", d, ok)
	}
	if n, ok := r.Int("n"); !ok || n != 7 {
		t.Fatalf("Int from string: %d %v", n, ok)
	}
	if _, ok := r.Int("url"); ok {
		t.Fatalf("Int from non-numeric string should fail")
	}
}

func TestApplyPassThrough(t *testing.T) {
	st, reg := testStore(t)
	recs, _ := ExtractRecords(`{"type":"SearchIndex","snapshot_id":"s1","body":"text"}`)
	out, err := Apply(context.Background(), st, reg, ApplyContext{}, recs)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out) != 1 || out[0].Raw != `{"type":"SearchIndex","snapshot_id":"s1","body":"text"}` {
		t.Fatalf("unrecognized record must pass through unchanged: %+v", out)
	}
}

func TestApplySnapshotIdempotent(t *testing.T) {
	st, reg := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c := &model.Crawl{ID: model.NewID(), URLs: "https://example.com", MaxDepth: 2,
		Status: model.StatusStarted, RetryAt: &now}
	if err := st.InsertCrawl(ctx, c); err != nil {
		t.Fatalf("insert crawl: %v", err)
	}
	ac := ApplyContext{CrawlID: c.ID, SnapshotID: "parent-snap", MaxDepth: 2}
	recs, _ := ExtractRecords(`{"type":"Snapshot","url":"https://example.com/found","depth":1}`)
	for i := 0; i < 3; i++ {
		if _, err := Apply(ctx, st, reg, ac, recs); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	snaps, err := st.ListSnapshotsByCrawl(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("replaying identical records must not duplicate: %d rows", len(snaps))
	}
	if snaps[0].ParentSnapshotID != "parent-snap" || snaps[0].Depth != 1 {
		t.Fatalf("snapshot fields: %+v", snaps[0])
	}
}

func TestApplySnapshotDepthBudget(t *testing.T) {
	st, reg := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c := &model.Crawl{ID: model.NewID(), URLs: "https://example.com", MaxDepth: 1,
		Status: model.StatusStarted, RetryAt: &now}
	if err := st.InsertCrawl(ctx, c); err != nil {
		t.Fatalf("insert crawl: %v", err)
	}
	ac := ApplyContext{CrawlID: c.ID, MaxDepth: 1}
	recs, _ := ExtractRecords(`{"type":"Snapshot","url":"https://example.com/deep","depth":2}`)
	if _, err := Apply(ctx, st, reg, ac, recs); err != nil {
		t.Fatalf("apply: %v", err)
	}
	snaps, _ := st.ListSnapshotsByCrawl(ctx, c.ID)
	if len(snaps) != 0 {
		t.Fatalf("snapshot beyond depth budget must be dropped, got %d", len(snaps))
	}
}

func TestApplyTag(t *testing.T) {
	st, reg := testStore(t)
	ctx := context.Background()
	recs, _ := ExtractRecords(`{"type":"Tag","name":"Breaking News"}`)
	if _, err := Apply(ctx, st, reg, ApplyContext{}, recs); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// identical replay must not error on the unique name
	if _, err := Apply(ctx, st, reg, ApplyContext{}, recs); err != nil {
		t.Fatalf("replay: %v", err)
	}
}

func TestApplyBinaryInstallRequest(t *testing.T) {
	st, reg := testStore(t)
	ctx := context.Background()
	m, err := reg.Machine(ctx)
	if err != nil {
		t.Fatalf("machine: %v", err)
	}

	recs, _ := ExtractRecords(`{"type":"Binary","name":"wget","binproviders":"apt,brew"}`)
	if _, err := Apply(ctx, st, reg, ApplyContext{}, recs); err != nil {
		t.Fatalf("apply request: %v", err)
	}
	b, err := st.GetBinaryByName(ctx, m.ID, "wget")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != model.StatusQueued || b.RetryAt == nil {
		t.Fatalf("request should queue: %+v", b)
	}

	recs, _ = ExtractRecords(`{"type":"Binary","name":"wget","abspath":"/usr/bin/wget","version":"1.21","binprovider":"apt"}`)
	if _, err := Apply(ctx, st, reg, ApplyContext{}, recs); err != nil {
		t.Fatalf("apply install: %v", err)
	}
	b, _ = st.GetBinaryByName(ctx, m.ID, "wget")
	if b.Status != model.StatusInstalled || b.RetryAt != nil || b.Abspath != "/usr/bin/wget" {
		t.Fatalf("install not recorded: %+v", b)
	}

	// a later request for an installed binary is a no-op
	recs, _ = ExtractRecords(`{"type":"Binary","name":"wget"}`)
	if _, err := Apply(ctx, st, reg, ApplyContext{}, recs); err != nil {
		t.Fatalf("apply noop: %v", err)
	}
	b, _ = st.GetBinaryByName(ctx, m.ID, "wget")
	if b.Status != model.StatusInstalled {
		t.Fatalf("installed binary was re-queued: %+v", b)
	}
}

func TestApplyMachineConfigPatch(t *testing.T) {
	st, reg := testStore(t)
	ctx := context.Background()
	recs, _ := ExtractRecords(`{"type":"Machine","config":{"CHROME_BINARY":"/usr/bin/chromium","RETRIES":3}}`)
	if _, err := Apply(ctx, st, reg, ApplyContext{}, recs); err != nil {
		t.Fatalf("apply: %v", err)
	}
	reg.Reset()
	m, err := reg.Machine(ctx)
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	if m.Config["CHROME_BINARY"] != "/usr/bin/chromium" {
		t.Fatalf("string value: %+v", m.Config)
	}
	if m.Config["RETRIES"] != "3" {
		t.Fatalf("non-string value should be JSON encoded: %+v", m.Config)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Breaking News": "breaking-news",
		"  Tech_2024  ": "tech-2024",
		"---":           "",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q)=%q want %q", in, got, want)
		}
	}
}
