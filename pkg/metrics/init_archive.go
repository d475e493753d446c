package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initArchiveMetrics() {
	r.ArchiveAttemptsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "wald_archive_attempts_total",
			Help: "Archive attempts by outcome",
		},
		[]string{"status"}, // success, failure
	)

	r.ArchiveRetriesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_archive_retries_total",
			Help: "Archive retries after a failed attempt",
		},
	)

	r.ArchiveBacklogSegments = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "wald_archive_backlog_segments",
			Help: "Sealed segments waiting to be archived",
		},
	)

	r.ArchiveLastSegment = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "wald_archive_last_segment",
			Help: "Index of the last durably archived segment",
		},
	)

	r.ArchiveAlerts = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_archive_alerts_total",
			Help: "Persistent archive failures surfaced after the retry window",
		},
	)

	r.ArchiveDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wald_archive_duration_seconds",
			Help:    "Duration of successful segment archival",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	r.ArchiveBytesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_archive_bytes_total",
			Help: "Compressed bytes shipped to the archive sink",
		},
	)
}
