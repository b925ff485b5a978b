// Package metrics declares the prometheus collectors shared by the
// scheduler and pipeline. Collectors are registered on the default
// registry and exposed through /metrics on the API router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished pipeline runs by terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rutorbot",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Finished search pipeline runs by status.",
	}, []string{"status"})

	// NewTorrentsTotal counts torrents that passed the dedup gate.
	NewTorrentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rutorbot",
		Subsystem: "pipeline",
		Name:      "new_torrents_total",
		Help:      "Newly inserted torrents across all runs.",
	})

	// FetchRetriesTotal counts page fetch attempts that had to be retried.
	FetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rutorbot",
		Subsystem: "fetcher",
		Name:      "retries_total",
		Help:      "Page fetch attempts retried after a transient failure.",
	})

	// DispatchFailuresTotal counts per-item download client failures.
	DispatchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rutorbot",
		Subsystem: "dispatch",
		Name:      "failures_total",
		Help:      "Download client add failures (per item).",
	})

	// DeliveryFailuresTotal counts per-subscriber notification failures.
	DeliveryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rutorbot",
		Subsystem: "notify",
		Name:      "delivery_failures_total",
		Help:      "Notification deliveries that failed (per subscriber).",
	})

	// QueueDepth tracks pending jobs in the worker pool.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rutorbot",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Jobs waiting in the worker pool queue.",
	})

	// SkippedLockedTotal counts ticks skipped because a search was running.
	SkippedLockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rutorbot",
		Subsystem: "scheduler",
		Name:      "skipped_locked_total",
		Help:      "Due searches skipped because their run lock was held.",
	})

	// RateLimitWaitSeconds observes time spent waiting for a fetch token.
	RateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rutorbot",
		Subsystem: "fetcher",
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting on the fetch rate limiter.",
		Buckets:   prometheus.DefBuckets,
	})

	// RateLimitTimeoutsTotal counts fetches abandoned while waiting for a token.
	RateLimitTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rutorbot",
		Subsystem: "fetcher",
		Name:      "ratelimit_timeouts_total",
		Help:      "Fetches cancelled while waiting on the rate limiter.",
	})
)
