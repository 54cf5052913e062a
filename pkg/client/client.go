// Package client is a typed HTTP client for the scrawl status API. The API
// is read only: mutations go through the CLI and hook records.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to one scrawl status server.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string        // e.g. "http://localhost:8080", may include a base path
	Timeout time.Duration // per-request timeout
	Logger  *slog.Logger  // optional
}

// DefaultConfig returns the configuration for a local daemon.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// New creates a status API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable reports whether the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	var body map[string]bool
	if err := c.get(ctx, "/healthz", &body); err != nil {
		c.logger.Debug("daemon unreachable", "err", err)
		return false
	}
	return body["ok"]
}

// ListCrawls returns crawls, newest first.
func (c *Client) ListCrawls(ctx context.Context, q CrawlQuery) ([]Crawl, error) {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/crawls"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var crawls []Crawl
	if err := c.get(ctx, path, &crawls); err != nil {
		return nil, err
	}
	return crawls, nil
}

// GetCrawl returns one crawl with its snapshots.
func (c *Client) GetCrawl(ctx context.Context, id string) (*CrawlDetail, error) {
	var detail CrawlDetail
	if err := c.get(ctx, "/api/crawls/"+url.PathEscape(id), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListProcesses returns the running process table of the server's machine.
func (c *Client) ListProcesses(ctx context.Context) ([]Process, error) {
	var procs []Process
	if err := c.get(ctx, "/api/processes", &procs); err != nil {
		return nil, err
	}
	return procs, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("server: %s (status %d)", apiErr.Error, resp.StatusCode)
	}
	return fmt.Errorf("server status %d", resp.StatusCode)
}
