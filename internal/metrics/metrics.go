package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolver, backup, detector and notification metrics.

var (
	// Resolver
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "resolver",
		Name:      "resolutions_total",
		Help:      "Balance resolutions by the source that answered",
	}, []string{"source"})

	ResolveLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "resolver",
		Name:      "resolve_duration_seconds",
		Help:      "End-to-end balance resolution duration",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"source"})

	ChainFetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "chain",
		Name:      "fetch_duration_seconds",
		Help:      "Chain client fetch duration by outcome",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"network", "outcome"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "chain",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	BudgetWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "chain",
		Name:      "budget_waits_total",
		Help:      "Provider calls delayed or refused by the shared request budget",
	}, []string{"provider", "priority", "outcome"})

	// Backup tiers and shared cache
	TierErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "backup",
		Name:      "tier_errors_total",
		Help:      "Backup tier and shared cache failures (swallowed)",
	}, []string{"tier", "op"})

	BackupWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "backup",
		Name:      "writes_total",
		Help:      "Backup writes by target and outcome",
	}, []string{"tier", "outcome"})

	// Detector
	DetectorCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "detector",
		Name:      "cycles_total",
		Help:      "Per-user detection cycles by outcome",
	}, []string{"outcome"})

	DetectorCycleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "detector",
		Name:      "cycle_duration_seconds",
		Help:      "Per-user detection cycle duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	SweepSkippedUsers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "detector",
		Name:      "sweep_skipped_users_total",
		Help:      "Users skipped by a sweep because their previous cycle was still running",
	})

	ChangeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "detector",
		Name:      "change_events_total",
		Help:      "Change events emitted",
	}, []string{"network", "direction"})

	// Notifications
	SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "notify",
		Name:      "sink_failures_total",
		Help:      "Notification sink delivery failures",
	}, []string{"sink"})

	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped before delivery",
	}, []string{"reason"})

	NotifyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "notify",
		Name:      "queue_depth",
		Help:      "Events waiting in the notification queue",
	})
)
