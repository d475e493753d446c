package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initRecoveryMetrics() {
	r.RecoveryState = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wald_recovery_state",
			Help: "Current recovery coordinator state (1 for the active state)",
		},
		[]string{"state"},
	)

	r.RecoveryRecordsReplayed = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_recovery_records_replayed_total",
			Help: "Records replayed by the recovery coordinator",
		},
	)

	r.RecoverySegmentsFetched = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_recovery_segments_fetched_total",
			Help: "Archived segments fetched for replay",
		},
	)

	r.RecoveryAttemptsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "wald_recovery_attempts_total",
			Help: "Recovery attempts by outcome",
		},
		[]string{"outcome"}, // promoted, paused, shutdown, failed
	)
}
