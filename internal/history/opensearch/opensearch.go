// Package opensearch indexes transition events into an OpenSearch index,
// one document per event, via the plain document REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scrawlhq/scrawl/internal/history"
)

const requestTimeout = 5 * time.Second

// Sink posts each event to {base}/{index}/_doc. Document ids are left to
// the cluster, so a retried post may duplicate; history is advisory.
type Sink struct {
	base   string
	index  string
	client *http.Client
}

func New(baseURL, index string) *Sink {
	return &Sink{
		base:   strings.TrimRight(baseURL, "/"),
		index:  index,
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (s *Sink) Record(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	url := s.base + "/" + s.index + "/_doc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.index, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
