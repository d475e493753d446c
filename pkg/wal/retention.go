package wal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dd0wney/cluso-wald/pkg/logging"
)

// RecycleSegments removes sealed segments no longer needed by crash
// recovery, replication slots, or the archiver. The retention floor is the
// minimum of the redo point, every slot's restore LSN, and (when the archive
// gate is on) archive progress; RetainSegments lowers it further so the most
// recent segments always survive. The segment holding the floor is always
// retained. Returns the number of segments removed.
func (m *Manager) RecycleSegments() (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrManagerClosed
	}
	if m.redo.IsZero() {
		// No checkpoint has run; everything is still needed for recovery
		m.mu.Unlock()
		return 0, nil
	}

	floor := m.redo.Segment
	if m.slotFloor != nil {
		if slotMin, ok := m.slotFloor(); ok && slotMin.Segment < floor {
			floor = slotMin.Segment
		}
	}
	if m.archiveGated && m.archivedBelow < floor {
		floor = m.archivedBelow
	}
	if m.retainSegments > 0 {
		keepFrom := uint64(1)
		if m.segIndex >= m.retainSegments {
			keepFrom = m.segIndex - m.retainSegments + 1
		}
		if keepFrom < floor {
			floor = keepFrom
		}
	}
	if floor > m.segIndex {
		floor = m.segIndex
	}

	var victims []uint64
	for idx := m.oldestSegment; idx < floor; idx++ {
		victims = append(victims, idx)
	}
	if floor > m.oldestSegment {
		m.oldestSegment = floor
	}
	retained := m.segIndex - m.oldestSegment + 1
	dir := m.dir
	m.mu.Unlock()

	m.metrics.WALRetainedSegments.Set(float64(retained))
	if len(victims) == 0 {
		return 0, nil
	}

	removed := 0
	for _, idx := range victims {
		path := segmentPath(dir, idx)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, &WALError{Op: "recycle", Segment: idx, Cause: err}
		}
		if m.cache != nil {
			m.cache.Invalidate(idx)
		}
		removed++
		m.metrics.WALSegmentsRecycled.Inc()
	}

	if removed > 0 {
		m.logger.Info("segments recycled",
			logging.Count(removed),
			logging.Segment(floor))
	}
	return removed, nil
}

// AdmitRestored installs an archived copy of a recycled segment back into
// the log directory and lowers the retention horizon to cover it. Segments
// must be admitted newest-first so the horizon never covers a hole. The
// caller guarantees data is the segment's original sealed content.
func (m *Manager) AdmitRestored(index uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if index >= m.oldestSegment {
		// Still on disk; nothing to admit
		return nil
	}
	if index != m.oldestSegment-1 {
		return &WALError{Op: "admit_restored", Segment: index,
			Cause: fmt.Errorf("admit out of order: oldest on disk is %016X", m.oldestSegment)}
	}

	path := filepath.Join(m.dir, SegmentFileName(index))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &WALError{Op: "admit_restored", Segment: index, Cause: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &WALError{Op: "admit_restored", Segment: index, Cause: err}
	}
	m.oldestSegment = index
	return nil
}
