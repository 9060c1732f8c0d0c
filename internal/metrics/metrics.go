package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cewatcher_cycles_total",
			Help: "Total number of watch cycles by outcome",
		},
		[]string{"outcome"}, // outcome: ok, fetch_failed, store_failed, skipped, busy
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cewatcher_cycle_duration_seconds",
			Help:    "Time taken by one watch cycle",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	NextRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cewatcher_next_run_timestamp_seconds",
			Help: "Unix time of the next scheduled cycle",
		},
	)

	// Detector metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cewatcher_events_total",
			Help: "Total number of change events emitted",
		},
		[]string{"rate_id"},
	)

	SuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cewatcher_notifications_suppressed_total",
			Help: "Triggered rates suppressed by the notification window",
		},
		[]string{"rate_id"},
	)

	RuleErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cewatcher_rule_errors_total",
			Help: "Rules that could not be evaluated",
		},
		[]string{"rate_id"},
	)

	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cewatcher_store_errors_total",
			Help: "Store operations that failed",
		},
		[]string{"operation"},
	)

	// Fetch metrics
	FetchFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cewatcher_fetch_failures_total",
			Help: "Total number of failed rate fetches",
		},
	)

	MissingRatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cewatcher_missing_rates_total",
			Help: "Configured rates absent from a fetch response",
		},
		[]string{"rate_id"},
	)

	// Notifier metrics
	NotificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cewatcher_notifications_sent_total",
			Help: "Notifier deliveries by channel and status",
		},
		[]string{"channel", "status"}, // status: success, failed
	)
)
