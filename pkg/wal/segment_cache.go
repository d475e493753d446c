package wal

import (
	"github.com/dgraph-io/ristretto/v2"

	"github.com/dd0wney/cluso-wald/pkg/metrics"
)

// cachedSegment is the parsed form of one sealed segment
type cachedSegment struct {
	records []*Record
	size    uint32
}

// SegmentCache keeps parsed sealed segments in memory so repeated reads
// (multiple standbys streaming the same history, recovery replay) avoid
// re-reading and re-parsing segment files. Only sealed segments are cached;
// the tail segment is always read from disk.
type SegmentCache struct {
	cache   *ristretto.Cache[uint64, *cachedSegment]
	metrics *metrics.Registry
}

// NewSegmentCache creates a cache bounded to maxBytes of parsed segment data
func NewSegmentCache(maxBytes int64, m *metrics.Registry) (*SegmentCache, error) {
	if m == nil {
		m = metrics.DefaultRegistry()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, *cachedSegment]{
		NumCounters: 10_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &SegmentCache{cache: cache, metrics: m}, nil
}

func (c *SegmentCache) get(index uint64) (*cachedSegment, bool) {
	seg, ok := c.cache.Get(index)
	if ok {
		c.metrics.WALSegmentCacheHits.Inc()
	} else {
		c.metrics.WALSegmentCacheMiss.Inc()
	}
	return seg, ok
}

func (c *SegmentCache) put(index uint64, seg *cachedSegment) {
	c.cache.Set(index, seg, int64(seg.size))
}

// Invalidate drops a segment, called when it is recycled
func (c *SegmentCache) Invalidate(index uint64) {
	c.cache.Del(index)
}

// Close releases the cache
func (c *SegmentCache) Close() {
	c.cache.Close()
}
