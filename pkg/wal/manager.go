package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/metrics"
)

const (
	// DefaultSegmentSize is the default capacity of a segment (16MB)
	DefaultSegmentSize uint32 = 16 * 1024 * 1024
)

// Options configures a Manager
type Options struct {
	// SegmentSize is the capacity at which segments are sealed and rotated
	SegmentSize uint32
	// RetainSegments keeps at least this many recent segments on disk even
	// when the retention floor would allow recycling them. Zero disables the
	// minimum.
	RetainSegments uint64
	// Fsync controls whether every append syncs to stable storage before returning
	Fsync bool
	// Timeline is the starting timeline when the log is empty
	Timeline uint32
	// Cache, if set, serves sealed-segment reads from memory
	Cache *SegmentCache
	// OnSeal is invoked after a segment is sealed. It must not call back
	// into the Manager synchronously.
	OnSeal  func(SegmentInfo)
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// Manager owns the write-ahead log: segment files, the current write
// position, checkpoints and retention. It is the only component that
// mutates log storage; everything else holds read cursors (LSN values).
type Manager struct {
	dir            string
	segmentSize    uint32
	retainSegments uint64
	fsync          bool
	logger         logging.Logger
	metrics        *metrics.Registry
	cache          *SegmentCache
	onSeal         func(SegmentInfo)

	mu            sync.Mutex
	closed        bool
	file          *os.File
	writer        *bufio.Writer
	segIndex      uint64
	offset        uint32
	timeline      uint32
	lastLSN       LSN
	redo          LSN
	oldestSegment uint64
	archivedBelow uint64
	archiveGated  bool
	slotFloor     func() (LSN, bool)
	notifyCh      chan struct{}
}

// Open opens or creates the write-ahead log in dir.
// An incomplete record at the tail of the last segment is treated as end of
// valid log: it is truncated and appends resume from there.
func Open(dir string, opts Options) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if opts.SegmentSize == 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.Timeline == 0 {
		opts.Timeline = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}

	m := &Manager{
		dir:            dir,
		segmentSize:    opts.SegmentSize,
		retainSegments: opts.RetainSegments,
		fsync:          opts.Fsync,
		logger:         opts.Logger.With(logging.Component("wal")),
		metrics:        opts.Metrics,
		cache:          opts.Cache,
		onSeal:         opts.OnSeal,
		timeline:       opts.Timeline,
		notifyCh:       make(chan struct{}),
	}

	state, err := loadCheckpointState(dir)
	if err != nil {
		return nil, err
	}
	if state != nil {
		m.redo = state.Redo
		m.timeline = state.Timeline
	}

	if err := m.recover(); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, SegmentFileName(m.segIndex))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %016X: %w", m.segIndex, err)
	}
	if _, err := file.Seek(int64(m.offset), 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek segment %016X: %w", m.segIndex, err)
	}
	m.file = file
	m.writer = bufio.NewWriter(file)

	m.metrics.WALCurrentSegment.Set(float64(m.segIndex))
	m.logger.Info("log manager opened",
		logging.Segment(m.segIndex),
		logging.Timeline(m.timeline),
		logging.LSNKey("last_lsn", m.lastLSN))

	return m, nil
}

// recover scans existing segments, locates the durable tail, and truncates
// any torn write found there.
func (m *Manager) recover() error {
	segments, err := listSegments(m.dir)
	if err != nil {
		return err
	}

	if len(segments) == 0 {
		m.segIndex = 1
		m.oldestSegment = 1
		m.offset = 0
		return nil
	}

	m.oldestSegment = segments[0].Index
	tail := segments[len(segments)-1]
	m.segIndex = tail.Index

	records, validBytes, tornAt, err := parseSegmentFile(tail.Path)
	if err != nil {
		return &WALError{Op: "recover", Segment: tail.Index, Cause: err}
	}
	if tornAt >= 0 {
		m.logger.Warn("torn write detected at log tail, truncating",
			logging.Segment(tail.Index),
			logging.Uint32("offset", uint32(tornAt)))
		if err := os.Truncate(tail.Path, int64(validBytes)); err != nil {
			return fmt.Errorf("failed to truncate torn tail: %w", err)
		}
		m.metrics.WALTornWritesTotal.Inc()
	}
	m.offset = validBytes

	if len(records) > 0 {
		last := records[len(records)-1]
		m.lastLSN = last.LSN
		m.timeline = last.TimelineID
		return nil
	}

	// The tail segment is empty; the last record lives in an earlier segment
	for i := len(segments) - 2; i >= 0; i-- {
		records, _, _, err := parseSegmentFile(segments[i].Path)
		if err != nil {
			return &WALError{Op: "recover", Segment: segments[i].Index, Cause: err}
		}
		if len(records) > 0 {
			last := records[len(records)-1]
			m.lastLSN = last.LSN
			m.timeline = last.TimelineID
			return nil
		}
	}
	return nil
}

// Append appends a record with the given type and payload.
// The record is durable before Append returns; the returned LSN is strictly
// greater than any LSN previously returned on this timeline.
func (m *Manager) Append(recordType RecordType, payload []byte) (LSN, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ZeroLSN, ErrManagerClosed
	}

	size := diskRecordSize(len(payload))
	if m.offset > 0 && m.offset+size > m.segmentSize {
		if err := m.sealLocked(); err != nil {
			return ZeroLSN, err
		}
	}

	rec := &Record{
		LSN:        LSN{Segment: m.segIndex, Offset: m.offset},
		PrevLSN:    m.lastLSN,
		TimelineID: m.timeline,
		Type:       recordType,
		Payload:    payload,
		Checksum:   Checksum32(payload),
	}

	if err := m.writeDurableLocked(rec); err != nil {
		m.metrics.RecordAppend(recordType.String(), "failure", 0, 0)
		return ZeroLSN, err
	}

	m.metrics.RecordAppend(recordType.String(), "success", len(payload), time.Since(start))
	return rec.LSN, nil
}

// AppendCommit appends a commit record for the given transaction
func (m *Manager) AppendCommit(txid uint64) (LSN, error) {
	return m.Append(RecordCommit, EncodeCommitPayload(txid, time.Now()))
}

// CreateRestorePoint writes a named marker usable as a recovery target
func (m *Manager) CreateRestorePoint(name string) (LSN, error) {
	lsn, err := m.Append(RecordRestorePoint, EncodeRestorePointPayload(name))
	if err != nil {
		return ZeroLSN, err
	}
	m.logger.Info("restore point created", logging.String("name", name), logging.LSN(lsn))
	return lsn, nil
}

// AppendReplicated appends a record received from a primary, preserving its
// LSN and timeline. The record must land exactly on the local durable tail;
// gaps are impossible by construction.
func (m *Manager) AppendReplicated(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if !rec.Verify() {
		return &WALError{Op: "append_replicated", LSN: rec.LSN, Cause: ErrChecksumMismatch}
	}

	size := rec.DiskSize()
	wouldRotate := m.offset > 0 && m.offset+size > m.segmentSize
	expected := LSN{Segment: m.segIndex, Offset: m.offset}
	if wouldRotate {
		expected = LSN{Segment: m.segIndex + 1, Offset: 0}
	}
	if rec.LSN != expected {
		return &WALError{Op: "append_replicated", LSN: rec.LSN,
			Cause: fmt.Errorf("%w: expected %s", ErrNonContiguousRecord, expected)}
	}

	if rec.TimelineID != m.timeline && rec.Type != RecordTimelineSwitch {
		return &WALError{Op: "append_replicated", LSN: rec.LSN, Cause: ErrTimelineDivergence}
	}

	if wouldRotate {
		if err := m.sealLocked(); err != nil {
			return err
		}
	}

	// The wire format drops PrevLSN; re-link from the local tail
	rec.PrevLSN = m.lastLSN

	if err := m.writeDurableLocked(rec); err != nil {
		return err
	}
	if rec.Type == RecordTimelineSwitch {
		m.timeline = rec.TimelineID
	}
	return nil
}

// writeDurableLocked writes rec at the current position and makes it durable
func (m *Manager) writeDurableLocked(rec *Record) error {
	if err := writeRecordTo(m.writer, rec); err != nil {
		return &WALError{Op: "append", LSN: rec.LSN, Cause: err}
	}
	if err := m.writer.Flush(); err != nil {
		return &WALError{Op: "flush", LSN: rec.LSN, Cause: err}
	}
	if m.fsync {
		if err := m.file.Sync(); err != nil {
			return &WALError{Op: "sync", LSN: rec.LSN, Cause: err}
		}
	}

	m.offset += rec.DiskSize()
	m.lastLSN = rec.LSN
	m.notifyLocked()
	return nil
}

// SealCurrentSegment forces rotation of the tail segment.
// Sealing an empty segment is a no-op.
func (m *Manager) SealCurrentSegment() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.offset == 0 {
		return nil
	}
	return m.sealLocked()
}

// sealLocked seals the current segment and opens the next one
func (m *Manager) sealLocked() error {
	if err := m.writer.Flush(); err != nil {
		return &WALError{Op: "seal", Segment: m.segIndex, Cause: err}
	}
	if err := m.file.Sync(); err != nil {
		return &WALError{Op: "seal", Segment: m.segIndex, Cause: err}
	}
	if err := m.file.Close(); err != nil {
		return &WALError{Op: "seal", Segment: m.segIndex, Cause: err}
	}

	sealed := SegmentInfo{
		Index:  m.segIndex,
		Path:   filepath.Join(m.dir, SegmentFileName(m.segIndex)),
		Size:   int64(m.offset),
		Sealed: true,
	}

	m.segIndex++
	m.offset = 0

	path := filepath.Join(m.dir, SegmentFileName(m.segIndex))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return &WALError{Op: "seal", Segment: m.segIndex, Cause: err}
	}
	m.file = file
	m.writer = bufio.NewWriter(file)

	m.metrics.WALSegmentsSealed.Inc()
	m.metrics.WALCurrentSegment.Set(float64(m.segIndex))
	m.logger.Info("segment sealed", logging.Segment(sealed.Index), logging.Int64("bytes", sealed.Size))

	if m.onSeal != nil {
		m.onSeal(sealed)
	}
	return nil
}

// SwitchTimeline allocates the next timeline ID and logs the switch.
// Used on promotion; replay never crosses timelines silently.
func (m *Manager) SwitchTimeline() (uint32, LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ZeroLSN, ErrManagerClosed
	}

	oldID := m.timeline
	newID := oldID + 1
	payload := EncodeTimelineSwitchPayload(oldID, newID)

	size := diskRecordSize(len(payload))
	if m.offset > 0 && m.offset+size > m.segmentSize {
		if err := m.sealLocked(); err != nil {
			return 0, ZeroLSN, err
		}
	}

	rec := &Record{
		LSN:        LSN{Segment: m.segIndex, Offset: m.offset},
		PrevLSN:    m.lastLSN,
		TimelineID: newID,
		Type:       RecordTimelineSwitch,
		Payload:    payload,
		Checksum:   Checksum32(payload),
	}
	if err := m.writeDurableLocked(rec); err != nil {
		return 0, ZeroLSN, err
	}

	m.timeline = newID
	m.logger.Info("timeline switch",
		logging.Uint32("old_timeline", oldID),
		logging.Timeline(newID),
		logging.LSN(rec.LSN))
	return newID, rec.LSN, nil
}

// SetSlotFloor installs the retention floor supplied by replication slots.
// The manager never recycles a segment at or after the floor.
func (m *Manager) SetSlotFloor(fn func() (LSN, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slotFloor = fn
}

// SetArchiveGate controls whether unarchived segments are exempt from recycling
func (m *Manager) SetArchiveGate(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archiveGated = enabled
}

// MarkArchived records that every segment up to and including index is
// durably archived
func (m *Manager) MarkArchived(index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index+1 > m.archivedBelow {
		m.archivedBelow = index + 1
	}
}

// CurrentLSN returns the position of the last durable record
func (m *Manager) CurrentLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLSN
}

// NextLSN returns the position the next appended record will occupy,
// assuming no rotation
func (m *Manager) NextLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LSN{Segment: m.segIndex, Offset: m.offset}
}

// Timeline returns the current timeline ID
func (m *Manager) Timeline() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeline
}

// RedoPoint returns the oldest LSN required for crash recovery
func (m *Manager) RedoPoint() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redo
}

// OldestSegment returns the lowest segment index still on disk
func (m *Manager) OldestSegment() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.oldestSegment
}

// Dir returns the log directory
func (m *Manager) Dir() string {
	return m.dir
}

// SegmentSize returns the configured segment capacity
func (m *Manager) SegmentSize() uint32 {
	return m.segmentSize
}

// Segments lists the on-disk segments; the highest one is the unsealed tail
func (m *Manager) Segments() ([]SegmentInfo, error) {
	m.mu.Lock()
	current := m.segIndex
	m.mu.Unlock()

	segments, err := listSegments(m.dir)
	if err != nil {
		return nil, err
	}
	for i := range segments {
		if segments[i].Index == current {
			segments[i].Sealed = false
		}
	}
	return segments, nil
}

// tail returns the current segment index and the durable byte offset in it
func (m *Manager) tail() (uint64, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segIndex, m.offset
}

// TailNotify returns a channel that is closed when the next record becomes
// durable. Callers re-arm by calling TailNotify again.
func (m *Manager) TailNotify() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifyCh
}

func (m *Manager) notifyLocked() {
	close(m.notifyCh)
	m.notifyCh = make(chan struct{})
}

// Close flushes and closes the log
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if err := m.writer.Flush(); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return err
	}
	return m.file.Close()
}
