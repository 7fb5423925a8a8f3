package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ledger, workflow and reporting collectors. Asset-scoped series are
// labelled by symbol-independent operation/reason only to keep cardinality
// bounded.

var (
	// Ledger
	LedgerMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "ledger",
		Name:      "mutations_total",
		Help:      "Total successful ledger mutations",
	}, []string{"operation"})

	LedgerMutationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "ledger",
		Name:      "mutation_failures_total",
		Help:      "Total rejected ledger mutations",
	}, []string{"operation", "reason"})

	LedgerAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "custody",
		Subsystem: "ledger",
		Name:      "assets",
		Help:      "Number of assets currently registered",
	})

	LedgerBalanceClampsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "ledger",
		Name:      "balance_clamps_total",
		Help:      "Balance adjustments clamped to the [0, cap] range",
	}, []string{"bound"})

	// History
	HistoryEntriesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "history",
		Name:      "entries_appended_total",
		Help:      "Total history entries appended",
	}, []string{"action_type"})

	HistoryEntriesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "history",
		Name:      "entries_rejected_total",
		Help:      "Total history entries rejected at append",
	}, []string{"reason"})

	HistoryFeedPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "history",
		Name:      "feed_publish_failures_total",
		Help:      "Total history feed publish failures (including breaker-open skips)",
	}, []string{"reason"})

	HistoryFeedBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "custody",
		Subsystem: "history",
		Name:      "feed_breaker_state",
		Help:      "History feed circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// Workflow
	WorkflowTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "workflow",
		Name:      "transitions_total",
		Help:      "Total approval workflow transitions",
	}, []string{"operation", "to"})

	WorkflowStageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "custody",
		Subsystem: "workflow",
		Name:      "stage_duration_seconds",
		Help:      "Simulated approval/rejection step duration",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 1.5, 2, 3, 5},
	}, []string{"operation", "stage"})

	WorkflowStaleExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "workflow",
		Name:      "stale_executions_total",
		Help:      "Executions aborted by re-validation against current ledger state",
	}, []string{"operation"})

	WorkflowBusyRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "workflow",
		Name:      "busy_rejections_total",
		Help:      "Calls ignored because another step was in flight for the request",
	}, []string{"operation"})

	WorkflowPendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "custody",
		Subsystem: "workflow",
		Name:      "pending_requests",
		Help:      "Approval requests not yet executed, rejected or cancelled",
	})

	// Reconstruction
	ReconstructionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "custody",
		Subsystem: "reconstruction",
		Name:      "duration_seconds",
		Help:      "Monthly snapshot reconstruction duration",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	ReconstructionSkippedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "reconstruction",
		Name:      "skipped_entries_total",
		Help:      "History entries skipped during replay",
	}, []string{"reason"})

	ReconstructionCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "reconstruction",
		Name:      "cache_hits_total",
		Help:      "Snapshot requests served from cache",
	})

	ReconstructionCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "reconstruction",
		Name:      "cache_misses_total",
		Help:      "Snapshot requests that required a replay",
	})

	// Reconciliation
	ReconciliationRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Total reconciliation runs",
	})

	ReconciliationMismatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "reconciliation",
		Name:      "mismatches_total",
		Help:      "Assets whose replayed current state differed from the ledger",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown",
	}, []string{"channel", "type"})

	// Admin
	AdminRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "admin",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-IP rate limiter",
	}, []string{"endpoint"})
)
