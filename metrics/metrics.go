package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ProviderCalls counts outbound provider requests by endpoint and outcome
	// (ok, auth, rate_limit, transient, not_found).
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtsync",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Provider API calls by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	// LimiterWait observes how long callers blocked in the rate limiter.
	LimiterWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dtsync",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a rate-limiter permit.",
			Buckets:   []float64{.005, .05, .2, 1, 2, 5, 10, 30, 60},
		},
	)

	// RetryAttempts counts retried attempts by error kind.
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtsync",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Retry attempts by error classification.",
		},
		[]string{"kind"},
	)

	// RowsWritten counts upserted rows by table.
	RowsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtsync",
			Subsystem: "writer",
			Name:      "rows_written_total",
			Help:      "Rows upserted into the store by table.",
		},
		[]string{"table"},
	)

	// SyncRuns counts orchestrator runs by final outcome.
	SyncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtsync",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync runs by outcome.",
		},
		[]string{"outcome"},
	)

	// SyncDuration observes wall time of a whole run.
	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dtsync",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

// MustRegister installs all collectors on the default registry. Call once at
// process start.
func MustRegister() {
	prometheus.MustRegister(
		ProviderCalls,
		LimiterWait,
		RetryAttempts,
		RowsWritten,
		SyncRuns,
		SyncDuration,
	)
}
