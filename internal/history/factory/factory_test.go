package factory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrawlhq/scrawl/internal/history"
)

func TestSQLiteFromPlainPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := NewSinkFromDSN(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sink.Record(context.Background(), history.Event{
		OccurredAt: time.Now().UTC(), Kind: "crawl", EntityID: "c1", From: "queued", To: "started",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestSQLiteFromPrefixedDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	if _, err := NewSinkFromDSN("sqlite://" + path); err != nil {
		t.Fatalf("new: %v", err)
	}
}

func TestOpenSearchDSN(t *testing.T) {
	// construction does not dial, so no server is needed
	sink, err := NewSinkFromDSN("opensearch://search.internal:9200/scrawl-history")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if sink == nil {
		t.Fatal("nil sink")
	}
}

func TestRejectsUnknownScheme(t *testing.T) {
	if _, err := NewSinkFromDSN("kafka://broker:9092/topic"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if _, err := NewSinkFromDSN(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
