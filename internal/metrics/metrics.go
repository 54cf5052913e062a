package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scrawl",
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Number of state transitions per entity kind.",
		}, []string{"kind", "from", "to"},
	)
	claimMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scrawl",
			Subsystem: "engine",
			Name:      "claim_misses_total",
			Help:      "Number of optimistic claims lost to another process.",
		}, []string{"kind"},
	)
	ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scrawl",
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Number of tick evaluations per entity kind.",
		}, []string{"kind"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "scrawl",
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Rows currently due for processing per entity kind.",
		}, []string{"kind"},
	)
	workerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scrawl",
			Subsystem: "orchestrator",
			Name:      "worker_spawns_total",
			Help:      "Number of worker subprocesses spawned.",
		}, []string{"worker_type"},
	)
	hookRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scrawl",
			Subsystem: "hooks",
			Name:      "runs_total",
			Help:      "Number of hook executions by plugin and outcome.",
		}, []string{"plugin", "outcome"},
	)
	hookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scrawl",
			Subsystem: "hooks",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of foreground hook executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{transitions, claimMisses, ticks, queueDepth, workerSpawns, hookRuns, hookDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordTransition(kind, from, to string) {
	if regOK.Load() {
		transitions.WithLabelValues(kind, from, to).Inc()
	}
}

func RecordClaimMiss(kind string) {
	if regOK.Load() {
		claimMisses.WithLabelValues(kind).Inc()
	}
}

func RecordTick(kind string) {
	if regOK.Load() {
		ticks.WithLabelValues(kind).Inc()
	}
}

func SetQueueDepth(kind string, n int) {
	if regOK.Load() {
		queueDepth.WithLabelValues(kind).Set(float64(n))
	}
}

func RecordSpawn(workerType string) {
	if regOK.Load() {
		workerSpawns.WithLabelValues(workerType).Inc()
	}
}

func RecordHookRun(plugin, outcome string) {
	if regOK.Load() {
		hookRuns.WithLabelValues(plugin, outcome).Inc()
	}
}

func ObserveHookDuration(plugin string, seconds float64) {
	if regOK.Load() {
		hookDuration.WithLabelValues(plugin).Observe(seconds)
	}
}
