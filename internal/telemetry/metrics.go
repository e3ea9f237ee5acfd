package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SignalsIngested        = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_signals_ingested_total", Help: "Signals accepted for processing"})
	SignalsProcessed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_signals_processed_total", Help: "Signals processed into recommendations or skipped"})
	SignalsMalformed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_signals_malformed_total", Help: "Signals discarded as malformed"})
	SignalsDeadLettered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_signals_dead_letter_total", Help: "Signals that exhausted processing attempts"})
	SignalsArchived        = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_signals_archived_total", Help: "Processed signals exported to the archive"})
	RecommendationsCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_recommendations_total", Help: "Recommendations created from signals"})

	ExecutionsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_executions_succeeded_total", Help: "Actions executed successfully"})
	ExecutionsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_executions_failed_total", Help: "Actions that reached terminal failure"})
	ExecutionsDryRun    = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_executions_dry_run_total", Help: "Dry-run execution previews"})
	ExecutionsReplayed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_executions_replayed_total", Help: "Idempotent replays served from the attempt cache"})

	GuardRejections = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gtm_guard_rejections_total", Help: "Execute calls rejected by a guardrail"}, []string{"guardrail"})
	GuardDegraded   = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_guard_degraded_total", Help: "Guardrail checks that fell back to permissive because the counter store was unavailable"})
	BreakerTrips    = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_breaker_trips_total", Help: "Circuit breaker transitions to open"})

	OutcomesRecorded = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtm_outcomes_recorded_total", Help: "Outcome events appended"})
	PendingDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "gtm_queue_pending_depth", Help: "Queue items currently pending"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SignalsIngested,
			SignalsProcessed,
			SignalsMalformed,
			SignalsDeadLettered,
			SignalsArchived,
			RecommendationsCreated,
			ExecutionsSucceeded,
			ExecutionsFailed,
			ExecutionsDryRun,
			ExecutionsReplayed,
			GuardRejections,
			GuardDegraded,
			BreakerTrips,
			OutcomesRecorded,
			PendingDepth,
		)
	})
	return promhttp.Handler()
}
