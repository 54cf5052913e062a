package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrawlhq/scrawl/internal/history"
)

func TestRecordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	events := []history.Event{
		{OccurredAt: time.Now().UTC(), Kind: "snapshot", EntityID: "s1", From: "queued", To: "started"},
		{OccurredAt: time.Now().UTC(), Kind: "snapshot", EntityID: "s1", From: "started", To: "sealed"},
		{OccurredAt: time.Now().UTC(), Kind: "crawl", EntityID: "c1", From: "started", To: "sealed"},
	}
	for _, e := range events {
		if err := sink.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entity_history WHERE kind = 'snapshot' AND entity_id = 's1'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("snapshot events: %d, want 2", n)
	}
	var to string
	if err := db.QueryRowContext(ctx,
		`SELECT to_status FROM entity_history WHERE entity_id = 'c1'`).Scan(&to); err != nil {
		t.Fatalf("select: %v", err)
	}
	if to != "sealed" {
		t.Fatalf("to_status: %s", to)
	}
}

func TestDSNPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.Record(context.Background(), history.Event{
		OccurredAt: time.Now().UTC(), Kind: "binary", EntityID: "b1", From: "queued", To: "installed",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestEmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
