package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scrawlhq/scrawl/internal/metrics"
	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/registry"
	"github.com/scrawlhq/scrawl/internal/store"
)

// Router provides the read-only status HTTP surface.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/metrics           Prometheus text format
//	GET {basePath}/api/crawls        query: status=... (optional)
//	GET {basePath}/api/crawls/:id    crawl with its snapshots
//	GET {basePath}/api/processes     running process table for this machine
//
// basePath may be empty or start with '/'; no trailing slash. Mutations go
// through the CLI and hook records only.
type Router struct {
	st       store.Store
	reg      *registry.Registry
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(st store.Store, reg *registry.Registry, basePath string) *Router {
	return &Router{st: st, reg: reg, basePath: normalizeBasePath(basePath)}
}

// normalizeBasePath reduces a configured URL prefix to the "/name/sub" form
// the route group expects. Empty and "/" both mean no prefix.
func normalizeBasePath(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.GET("/api/crawls", r.handleCrawls)
	group.GET("/api/crawls/:id", r.handleCrawl)
	group.GET("/api/processes", r.handleProcesses)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, st store.Store, reg *registry.Registry) (*http.Server, error) {
	r := NewRouter(st, reg, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	if _, err := r.reg.Machine(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleCrawls(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	crawls, err := r.st.ListCrawls(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if s := c.Query("status"); s != "" {
		filtered := crawls[:0]
		for _, cr := range crawls {
			if cr.Status == model.Status(s) {
				filtered = append(filtered, cr)
			}
		}
		crawls = filtered
	}
	c.JSON(http.StatusOK, crawls)
}

func (r *Router) handleCrawl(c *gin.Context) {
	id := c.Param("id")
	crawl, err := r.st.GetCrawl(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, errorResp{Error: "crawl not found"})
		return
	}
	snaps, err := r.st.ListSnapshotsByCrawl(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"crawl": crawl, "snapshots": snaps})
}

func (r *Router) handleProcesses(c *gin.Context) {
	m, err := r.reg.Machine(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	procs, err := r.st.ListRunningProcesses(c.Request.Context(), m.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, procs)
}
