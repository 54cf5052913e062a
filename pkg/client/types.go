package client

import "github.com/scrawlhq/scrawl/internal/model"

// Crawl, Snapshot and Process mirror the server's wire types.
type (
	Crawl    = model.Crawl
	Snapshot = model.Snapshot
	Process  = model.Process
)

// CrawlDetail is the response of GET /api/crawls/:id.
type CrawlDetail struct {
	Crawl     Crawl      `json:"crawl"`
	Snapshots []Snapshot `json:"snapshots"`
}

// CrawlQuery filters GET /api/crawls.
type CrawlQuery struct {
	Status string // empty matches every status
	Limit  int    // 0 uses the server default
}
