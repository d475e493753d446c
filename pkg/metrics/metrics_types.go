package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the engine
type Registry struct {
	// WAL Metrics
	WALAppendsTotal      *prometheus.CounterVec
	WALAppendDuration    prometheus.Histogram
	WALAppendBytes       prometheus.Counter
	WALCurrentSegment    prometheus.Gauge
	WALSegmentsSealed    prometheus.Counter
	WALSegmentsRecycled  prometheus.Counter
	WALTornWritesTotal   prometheus.Counter
	WALCheckpointsTotal  prometheus.Counter
	WALRedoPointSegment  prometheus.Gauge
	WALRetainedSegments  prometheus.Gauge
	WALSegmentCacheHits  prometheus.Counter
	WALSegmentCacheMiss  prometheus.Counter

	// Archive Metrics
	ArchiveAttemptsTotal   *prometheus.CounterVec
	ArchiveRetriesTotal    prometheus.Counter
	ArchiveBacklogSegments prometheus.Gauge
	ArchiveLastSegment     prometheus.Gauge
	ArchiveAlerts          prometheus.Counter
	ArchiveDuration        prometheus.Histogram
	ArchiveBytesTotal      prometheus.Counter

	// Replication Metrics
	ReplicationLagLSN            prometheus.Gauge
	ReplicationLagSeconds        prometheus.Gauge
	ReplicationConnectedReplicas prometheus.Gauge
	ReplicationRecordsTotal      *prometheus.CounterVec
	ReplicationHeartbeatsTotal   *prometheus.CounterVec
	ReplicationQuorumWaits       prometheus.Counter
	ReplicationQuorumTimeouts    prometheus.Counter
	ReplicationStaleCursors      prometheus.Counter
	ReplicationPinnedSegments    prometheus.Gauge
	ReplicationRetentionAlerts   prometheus.Counter

	// Recovery Metrics
	RecoveryState           *prometheus.GaugeVec
	RecoveryRecordsReplayed prometheus.Counter
	RecoverySegmentsFetched prometheus.Counter
	RecoveryAttemptsTotal   *prometheus.CounterVec

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initWALMetrics()
	r.initArchiveMetrics()
	r.initReplicationMetrics()
	r.initRecoveryMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
