package metrics

import (
	"time"
)

// RecordAppend records a WAL append with its duration
func (r *Registry) RecordAppend(recordType, status string, payloadBytes int, duration time.Duration) {
	r.WALAppendsTotal.WithLabelValues(recordType, status).Inc()
	if status == "success" {
		r.WALAppendDuration.Observe(duration.Seconds())
		r.WALAppendBytes.Add(float64(payloadBytes))
	}
}

// RecordArchiveAttempt records one archive attempt
func (r *Registry) RecordArchiveAttempt(success bool, compressedBytes int, duration time.Duration) {
	if success {
		r.ArchiveAttemptsTotal.WithLabelValues("success").Inc()
		r.ArchiveDuration.Observe(duration.Seconds())
		r.ArchiveBytesTotal.Add(float64(compressedBytes))
		return
	}
	r.ArchiveAttemptsTotal.WithLabelValues("failure").Inc()
}

// UpdateReplicationLag updates both lag gauges
func (r *Registry) UpdateReplicationLag(lagBytes uint64, lag time.Duration) {
	r.ReplicationLagLSN.Set(float64(lagBytes))
	r.ReplicationLagSeconds.Set(lag.Seconds())
}

// SetRecoveryState sets the active recovery state gauge
func (r *Registry) SetRecoveryState(state string) {
	for _, s := range []string{"idle", "restoring", "replaying", "target_reached", "paused", "promoted", "shut_down"} {
		if s == state {
			r.RecoveryState.WithLabelValues(s).Set(1)
		} else {
			r.RecoveryState.WithLabelValues(s).Set(0)
		}
	}
}
