package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.ReplicationLagLSN = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "wald_replication_lag_lsn_bytes",
			Help: "Replication lag between received and replayed positions, in bytes",
		},
	)

	r.ReplicationLagSeconds = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "wald_replication_lag_seconds",
			Help: "Replication lag in seconds",
		},
	)

	r.ReplicationConnectedReplicas = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "wald_replication_connected_replicas",
			Help: "Number of currently connected replicas",
		},
	)

	r.ReplicationRecordsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "wald_replication_records_total",
			Help: "Total number of WAL records replicated",
		},
		[]string{"direction"}, // sent, received
	)

	r.ReplicationHeartbeatsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "wald_replication_heartbeats_total",
			Help: "Total number of replication heartbeats",
		},
		[]string{"direction"}, // sent, received
	)

	r.ReplicationQuorumWaits = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_replication_quorum_waits_total",
			Help: "Commits that waited for synchronous replica acknowledgment",
		},
	)

	r.ReplicationQuorumTimeouts = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_replication_quorum_timeouts_total",
			Help: "Synchronous commits that failed to reach quorum",
		},
	)

	r.ReplicationStaleCursors = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_replication_stale_cursors_total",
			Help: "Stream requests rejected because the start position was recycled",
		},
	)

	r.ReplicationPinnedSegments = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "wald_replication_pinned_segments",
			Help: "Segments pinned by the lowest replication slot",
		},
	)

	r.ReplicationRetentionAlerts = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_replication_retention_alerts_total",
			Help: "Alerts fired because slot-pinned retention exceeded the threshold",
		},
	)
}
