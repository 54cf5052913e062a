package factory

import (
	"fmt"
	"strings"

	"github.com/scrawlhq/scrawl/internal/store"
	"github.com/scrawlhq/scrawl/internal/store/postgres"
	"github.com/scrawlhq/scrawl/internal/store/sqlite"
)

// New creates a store backend from config. The zero config selects sqlite;
// callers are expected to have filled in Path from the data dir default.
func New(cfg store.Config) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "sqlite":
		return sqlite.New(cfg.Path)
	case "postgres", "postgresql":
		return postgres.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
