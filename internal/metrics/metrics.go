// Package metrics holds the Prometheus collectors shared by the aggregation core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokenfeed"

var (
	// CacheLookups counts freshness cache reads by resulting state.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Freshness cache lookups by state (fresh, stale, absent)",
		},
		[]string{"state"},
	)

	// CacheEntries tracks the number of live entries held in memory.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently held by the freshness cache",
		},
	)

	// Resolves counts aggregator outcomes per query type.
	Resolves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "resolves_total",
			Help:      "Aggregator resolves by query type and outcome",
		},
		[]string{"query_type", "outcome"},
	)

	// ResolveDuration observes the latency of upstream resolve cycles.
	ResolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "resolve_duration_seconds",
			Help:      "Time spent resolving a query through its source chain",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"query_type"},
	)

	// SourceAttempts counts source chain attempts by source and result.
	SourceAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "attempts_total",
			Help:      "Source chain attempts by source id and result",
		},
		[]string{"source", "result"},
	)

	// UpstreamRetries counts retries issued by the backoff fetcher.
	UpstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Upstream retries by error type",
		},
		[]string{"error_type"},
	)

	// RateLimitPenalties counts 429-triggered spacing extensions.
	RateLimitPenalties = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "penalties_total",
			Help:      "Spacing extensions applied after an upstream 429",
		},
		[]string{"class"},
	)

	// RefreshRuns counts scheduled refreshes by outcome.
	RefreshRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "runs_total",
			Help:      "Scheduled background refreshes by outcome",
		},
		[]string{"outcome"},
	)

	// HTTPRequests counts API requests by route, method and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRequestDuration observes API latency by route and method.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)
