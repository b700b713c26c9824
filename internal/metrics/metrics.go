package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chain client metrics
var (
	RPCCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaininsights_rpc_calls_total",
			Help: "Chain client operations by outcome (ok, rate_limited, permanent, exhausted)",
		},
		[]string{"operation", "outcome"},
	)

	RPCRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaininsights_rpc_retries_total",
			Help: "Retries issued after a rate-limited response",
		},
		[]string{"operation"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaininsights_cache_lookups_total",
			Help: "Cache lookups by result (hit, miss)",
		},
		[]string{"operation", "result"},
	)
)

// Scheduler metrics
var (
	Cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaininsights_cycles_total",
			Help: "Insight cycles by status (complete, partial, skipped)",
		},
		[]string{"status"},
	)

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chaininsights_cycle_duration_seconds",
		Help:    "Time taken by one insight cycle",
		Buckets: prometheus.DefBuckets,
	})

	SourceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaininsights_source_failures_total",
			Help: "Per-source fetch failures isolated inside a cycle",
		},
		[]string{"source"},
	)

	InsightsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaininsights_insights_total",
			Help: "Insights produced by the analyzer by type",
		},
		[]string{"type"},
	)

	Posts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaininsights_posts_total",
			Help: "Publish attempts by status (ok, error, duplicate)",
		},
		[]string{"status"},
	)

	UpstreamHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chaininsights_upstream_healthy",
		Help: "1 when the last health probe succeeded, 0 otherwise",
	})
)
