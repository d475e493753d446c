package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initWALMetrics() {
	r.WALAppendsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "wald_wal_appends_total",
			Help: "Total number of WAL append operations",
		},
		[]string{"record_type", "status"},
	)

	r.WALAppendDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wald_wal_append_duration_seconds",
			Help:    "Duration of durable WAL appends, including fsync",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
	)

	r.WALAppendBytes = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_wal_append_bytes_total",
			Help: "Total payload bytes appended to the WAL",
		},
	)

	r.WALCurrentSegment = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "wald_wal_current_segment",
			Help: "Index of the segment currently being appended",
		},
	)

	r.WALSegmentsSealed = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_wal_segments_sealed_total",
			Help: "Total number of segments sealed",
		},
	)

	r.WALSegmentsRecycled = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_wal_segments_recycled_total",
			Help: "Total number of segments recycled past the retention floor",
		},
	)

	r.WALTornWritesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_wal_torn_writes_total",
			Help: "Torn writes detected and truncated at the log tail",
		},
	)

	r.WALCheckpointsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_wal_checkpoints_total",
			Help: "Total number of checkpoints taken",
		},
	)

	r.WALRedoPointSegment = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "wald_wal_redo_point_segment",
			Help: "Segment index of the current redo point",
		},
	)

	r.WALRetainedSegments = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "wald_wal_retained_segments",
			Help: "Number of on-disk segments pinned by retention",
		},
	)

	r.WALSegmentCacheHits = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_wal_segment_cache_hits_total",
			Help: "Sealed-segment read cache hits",
		},
	)

	r.WALSegmentCacheMiss = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "wald_wal_segment_cache_misses_total",
			Help: "Sealed-segment read cache misses",
		},
	)
}
