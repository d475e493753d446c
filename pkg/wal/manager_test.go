package wal

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func openTestManager(t *testing.T, dir string, opts Options) *Manager {
	t.Helper()
	m, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to open log manager: %v", err)
	}
	return m
}

func appendN(t *testing.T, m *Manager, n int) []LSN {
	t.Helper()
	lsns := make([]LSN, 0, n)
	for i := 0; i < n; i++ {
		lsn, err := m.Append(RecordData, []byte(fmt.Sprintf("record %d", i)))
		if err != nil {
			t.Fatalf("Failed to append record %d: %v", i, err)
		}
		lsns = append(lsns, lsn)
	}
	return lsns
}

func readAll(t *testing.T, m *Manager, from LSN) []*Record {
	t.Helper()
	reader, err := m.ReadFrom(from)
	if err != nil {
		t.Fatalf("Failed to open reader: %v", err)
	}
	defer reader.Close()

	var records []*Record
	for {
		rec, err := reader.Next()
		if errors.Is(err, ErrEndOfLog) {
			return records
		}
		if err != nil {
			t.Fatalf("Failed to read record: %v", err)
		}
		records = append(records, rec)
	}
}

func TestManager_AppendMonotonic(t *testing.T) {
	m := openTestManager(t, t.TempDir(), Options{})
	defer m.Close()

	lsns := appendN(t, m, 10)
	for i := 1; i < len(lsns); i++ {
		if !lsns[i-1].Less(lsns[i]) {
			t.Errorf("LSNs not strictly increasing: %s then %s", lsns[i-1], lsns[i])
		}
	}

	if m.CurrentLSN() != lsns[len(lsns)-1] {
		t.Errorf("CurrentLSN %s does not match last append %s", m.CurrentLSN(), lsns[len(lsns)-1])
	}
}

func TestManager_Rotation(t *testing.T) {
	sealed := make([]SegmentInfo, 0)
	m := openTestManager(t, t.TempDir(), Options{
		SegmentSize: 256,
		OnSeal:      func(info SegmentInfo) { sealed = append(sealed, info) },
	})
	defer m.Close()

	appendN(t, m, 20)

	last := m.CurrentLSN()
	if last.Segment == 1 {
		t.Fatal("Expected rotation past segment 1")
	}
	if len(sealed) == 0 {
		t.Fatal("Expected seal callbacks")
	}
	for i, info := range sealed {
		if info.Index != uint64(i+1) {
			t.Errorf("Sealed segments out of order: got %016X at position %d", info.Index, i)
		}
		if !info.Sealed {
			t.Errorf("Segment %016X not marked sealed", info.Index)
		}
	}

	// Every record must still read back in order across the rotation
	records := readAll(t, m, ZeroLSN)
	if len(records) != 20 {
		t.Fatalf("Expected 20 records, got %d", len(records))
	}
}

func TestManager_ReopenResumesTail(t *testing.T) {
	dir := t.TempDir()

	m := openTestManager(t, dir, Options{})
	lsns := appendN(t, m, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	m2 := openTestManager(t, dir, Options{})
	defer m2.Close()

	if m2.CurrentLSN() != lsns[4] {
		t.Errorf("Expected tail %s after reopen, got %s", lsns[4], m2.CurrentLSN())
	}

	more, err := m2.Append(RecordData, []byte("after reopen"))
	if err != nil {
		t.Fatalf("Failed to append after reopen: %v", err)
	}
	if !lsns[4].Less(more) {
		t.Errorf("Append after reopen went backwards: %s then %s", lsns[4], more)
	}

	records := readAll(t, m2, ZeroLSN)
	if len(records) != 6 {
		t.Fatalf("Expected 6 records after reopen, got %d", len(records))
	}
}

func TestManager_TornWriteTruncated(t *testing.T) {
	dir := t.TempDir()

	m := openTestManager(t, dir, Options{})
	lsns := appendN(t, m, 3)
	m.Close()

	// Simulate a crash mid-write: a partial record at the tail
	path := segmentPath(dir, 1)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("Failed to open segment: %v", err)
	}
	if _, err := f.Write([]byte{0xDE, 0xAD, 0xBE}); err != nil {
		t.Fatalf("Failed to write garbage: %v", err)
	}
	f.Close()

	m2 := openTestManager(t, dir, Options{})
	defer m2.Close()

	if m2.CurrentLSN() != lsns[2] {
		t.Errorf("Expected tail %s after torn-write recovery, got %s", lsns[2], m2.CurrentLSN())
	}

	records := readAll(t, m2, ZeroLSN)
	if len(records) != 3 {
		t.Fatalf("Expected 3 records after truncation, got %d", len(records))
	}

	// The truncated tail must be writable again
	if _, err := m2.Append(RecordData, []byte("after torn write")); err != nil {
		t.Fatalf("Failed to append after truncation: %v", err)
	}
}

func TestManager_AppendReplicated(t *testing.T) {
	primaryDir := t.TempDir()
	standbyDir := t.TempDir()

	primary := openTestManager(t, primaryDir, Options{SegmentSize: 256})
	defer primary.Close()
	standby := openTestManager(t, standbyDir, Options{SegmentSize: 256})
	defer standby.Close()

	appendN(t, primary, 20)

	// Replay the primary's records onto the standby in order; with the same
	// segment size the standby reproduces the primary's placement exactly
	records := readAll(t, primary, ZeroLSN)
	for _, rec := range records {
		if err := standby.AppendReplicated(rec); err != nil {
			t.Fatalf("Failed to apply record %s: %v", rec.LSN, err)
		}
	}

	if standby.CurrentLSN() != primary.CurrentLSN() {
		t.Errorf("Standby tail %s does not match primary %s", standby.CurrentLSN(), primary.CurrentLSN())
	}

	// Re-applying the last record is not contiguous
	last := records[len(records)-1]
	err := standby.AppendReplicated(last)
	if !errors.Is(err, ErrNonContiguousRecord) {
		t.Errorf("Expected ErrNonContiguousRecord, got %v", err)
	}

	// A record from a future position must be rejected, never buffered
	future := &Record{
		LSN:        LSN{Segment: last.LSN.Segment + 5, Offset: 0},
		TimelineID: last.TimelineID,
		Type:       RecordData,
		Payload:    []byte("from the future"),
		Checksum:   Checksum32([]byte("from the future")),
	}
	if err := standby.AppendReplicated(future); !errors.Is(err, ErrNonContiguousRecord) {
		t.Errorf("Expected ErrNonContiguousRecord for future record, got %v", err)
	}

	// Corrupt payloads are rejected before touching the log
	next := standby.NextLSN()
	bad := &Record{
		LSN:        next,
		TimelineID: last.TimelineID,
		Type:       RecordData,
		Payload:    []byte("tampered"),
		Checksum:   0xBAD,
	}
	if err := standby.AppendReplicated(bad); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected ErrChecksumMismatch, got %v", err)
	}

	// A timeline change without a switch record is divergence
	diverged := &Record{
		LSN:        next,
		TimelineID: last.TimelineID + 1,
		Type:       RecordData,
		Payload:    []byte("wrong timeline"),
		Checksum:   Checksum32([]byte("wrong timeline")),
	}
	if err := standby.AppendReplicated(diverged); !errors.Is(err, ErrTimelineDivergence) {
		t.Errorf("Expected ErrTimelineDivergence, got %v", err)
	}
}

func TestManager_SealCurrentSegment(t *testing.T) {
	m := openTestManager(t, t.TempDir(), Options{})
	defer m.Close()

	// Sealing an empty segment is a no-op
	if err := m.SealCurrentSegment(); err != nil {
		t.Fatalf("Seal of empty segment failed: %v", err)
	}
	if next := m.NextLSN(); next.Segment != 1 {
		t.Errorf("Empty seal rotated to segment %016X", next.Segment)
	}

	appendN(t, m, 1)
	if err := m.SealCurrentSegment(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if next := m.NextLSN(); next.Segment != 2 || next.Offset != 0 {
		t.Errorf("Expected next position 2/0, got %s", next)
	}
}

func TestManager_SwitchTimeline(t *testing.T) {
	m := openTestManager(t, t.TempDir(), Options{})
	defer m.Close()

	appendN(t, m, 2)

	newID, lsn, err := m.SwitchTimeline()
	if err != nil {
		t.Fatalf("Failed to switch timeline: %v", err)
	}
	if newID != 2 {
		t.Errorf("Expected timeline 2, got %d", newID)
	}
	if m.Timeline() != 2 {
		t.Errorf("Manager timeline not updated: %d", m.Timeline())
	}

	// Appends after the switch carry the new timeline
	after, err := m.Append(RecordData, []byte("on timeline 2"))
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if !lsn.Less(after) {
		t.Errorf("LSN order broken across timeline switch: %s then %s", lsn, after)
	}

	records := readAll(t, m, ZeroLSN)
	last := records[len(records)-1]
	if last.TimelineID != 2 {
		t.Errorf("Expected timeline 2 on last record, got %d", last.TimelineID)
	}
}

func TestManager_RestorePoint(t *testing.T) {
	m := openTestManager(t, t.TempDir(), Options{})
	defer m.Close()

	lsn, err := m.CreateRestorePoint("before-migration")
	if err != nil {
		t.Fatalf("Failed to create restore point: %v", err)
	}

	records := readAll(t, m, lsn)
	if len(records) != 1 || records[0].Type != RecordRestorePoint {
		t.Fatalf("Expected a restore point record at %s", lsn)
	}
	if DecodeRestorePointPayload(records[0].Payload) != "before-migration" {
		t.Errorf("Restore point name mismatch: %q", records[0].Payload)
	}
}

func TestManager_CheckpointAndRecycle(t *testing.T) {
	dir := t.TempDir()
	m := openTestManager(t, dir, Options{SegmentSize: 256})
	defer m.Close()

	appendN(t, m, 40)

	redo, err := m.Checkpoint()
	if err != nil {
		t.Fatalf("Failed to checkpoint: %v", err)
	}
	if redo.IsZero() {
		t.Fatal("Checkpoint returned zero redo point")
	}

	removed, err := m.RecycleSegments()
	if err != nil {
		t.Fatalf("Failed to recycle: %v", err)
	}
	if removed == 0 {
		t.Fatal("Expected segments to be recycled")
	}
	if m.OldestSegment() != redo.Segment {
		t.Errorf("Expected oldest segment %016X, got %016X", redo.Segment, m.OldestSegment())
	}

	// The segment holding the redo point must survive
	if _, err := os.Stat(segmentPath(dir, redo.Segment)); err != nil {
		t.Errorf("Segment holding redo point was removed: %v", err)
	}

	// Reads from a recycled position must fail, not return partial history
	if _, err := m.ReadFrom(LSN{Segment: 1, Offset: 0}); !errors.Is(err, ErrSegmentRecycled) {
		t.Errorf("Expected ErrSegmentRecycled, got %v", err)
	}
}

func TestManager_RecycleHonorsSlotFloor(t *testing.T) {
	dir := t.TempDir()
	m := openTestManager(t, dir, Options{SegmentSize: 256})
	defer m.Close()

	lsns := appendN(t, m, 40)

	// A slot still needs history from an early segment
	slotLSN := lsns[2]
	m.SetSlotFloor(func() (LSN, bool) { return slotLSN, true })

	if _, err := m.Checkpoint(); err != nil {
		t.Fatalf("Failed to checkpoint: %v", err)
	}
	if _, err := m.RecycleSegments(); err != nil {
		t.Fatalf("Failed to recycle: %v", err)
	}

	if _, err := os.Stat(segmentPath(dir, slotLSN.Segment)); err != nil {
		t.Errorf("Segment pinned by slot was removed: %v", err)
	}

	// Once the slot advances, recycling may proceed past it
	slotLSN = m.CurrentLSN()
	if _, err := m.Checkpoint(); err != nil {
		t.Fatalf("Failed to checkpoint: %v", err)
	}
	removed, err := m.RecycleSegments()
	if err != nil {
		t.Fatalf("Failed to recycle: %v", err)
	}
	if removed == 0 {
		t.Error("Expected recycling after slot advanced")
	}
}

func TestManager_RecycleHonorsArchiveGate(t *testing.T) {
	dir := t.TempDir()
	m := openTestManager(t, dir, Options{SegmentSize: 256})
	defer m.Close()

	m.SetArchiveGate(true)
	appendN(t, m, 40)

	if _, err := m.Checkpoint(); err != nil {
		t.Fatalf("Failed to checkpoint: %v", err)
	}

	// Nothing archived yet: nothing may be recycled
	removed, err := m.RecycleSegments()
	if err != nil {
		t.Fatalf("Failed to recycle: %v", err)
	}
	if removed != 0 {
		t.Fatalf("Recycled %d unarchived segments", removed)
	}

	// Archive everything below the redo point, then recycling proceeds
	m.MarkArchived(m.RedoPoint().Segment - 1)
	removed, err = m.RecycleSegments()
	if err != nil {
		t.Fatalf("Failed to recycle: %v", err)
	}
	if removed == 0 {
		t.Error("Expected recycling after archiving caught up")
	}
}

func TestManager_RecycleKeepsRetainedSegments(t *testing.T) {
	dir := t.TempDir()
	m := openTestManager(t, dir, Options{SegmentSize: 256, RetainSegments: 4})
	defer m.Close()

	appendN(t, m, 40)

	if _, err := m.Checkpoint(); err != nil {
		t.Fatalf("Failed to checkpoint: %v", err)
	}
	if _, err := m.RecycleSegments(); err != nil {
		t.Fatalf("Failed to recycle: %v", err)
	}

	// The four newest segments survive even though the redo point would
	// allow recycling right up to itself
	keepFrom := m.NextLSN().Segment - 3
	if m.OldestSegment() != keepFrom {
		t.Errorf("Oldest segment %016X, expected %016X", m.OldestSegment(), keepFrom)
	}
	for idx := keepFrom; idx <= m.NextLSN().Segment; idx++ {
		if _, err := os.Stat(segmentPath(dir, idx)); err != nil {
			t.Errorf("Retained segment %016X was removed: %v", idx, err)
		}
	}
}

func TestManager_AdmitRestoredReopensHistory(t *testing.T) {
	dir := t.TempDir()
	m := openTestManager(t, dir, Options{SegmentSize: 256})
	defer m.Close()

	lsns := appendN(t, m, 40)
	if _, err := m.Checkpoint(); err != nil {
		t.Fatalf("Failed to checkpoint: %v", err)
	}

	// Keep archived copies of the segments about to be recycled
	copies := make(map[uint64][]byte)
	for idx := uint64(1); idx < m.RedoPoint().Segment; idx++ {
		data, err := os.ReadFile(segmentPath(dir, idx))
		if err != nil {
			t.Fatalf("Failed to read segment %016X: %v", idx, err)
		}
		copies[idx] = data
	}

	if _, err := m.RecycleSegments(); err != nil {
		t.Fatalf("Failed to recycle: %v", err)
	}
	oldest := m.OldestSegment()
	if oldest < 3 {
		t.Fatalf("Expected several recycled segments, oldest is %016X", oldest)
	}

	// Admission must go newest-first; skipping a segment would leave a
	// hole under the retention horizon
	if err := m.AdmitRestored(oldest-2, copies[oldest-2]); err == nil {
		t.Error("Out-of-order admit must be rejected")
	}

	for idx := oldest - 1; idx >= 1; idx-- {
		if err := m.AdmitRestored(idx, copies[idx]); err != nil {
			t.Fatalf("Failed to admit segment %016X: %v", idx, err)
		}
	}
	if m.OldestSegment() != 1 {
		t.Errorf("Oldest segment %016X after full restore", m.OldestSegment())
	}

	// The restored history reads back from the very beginning
	records := readAll(t, m, lsns[0])
	if len(records) == 0 || records[0].LSN != lsns[0] {
		t.Fatal("Restored history must be readable from the first record")
	}
}

func TestManager_ClosedRejectsOperations(t *testing.T) {
	m := openTestManager(t, t.TempDir(), Options{})
	m.Close()

	if _, err := m.Append(RecordData, []byte("x")); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Expected ErrManagerClosed, got %v", err)
	}
	if _, err := m.Checkpoint(); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Expected ErrManagerClosed, got %v", err)
	}
	if _, err := m.ReadFrom(ZeroLSN); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Expected ErrManagerClosed, got %v", err)
	}
}

func TestManager_AdvanceRedoDoesNotAppend(t *testing.T) {
	dir := t.TempDir()
	m := openTestManager(t, dir, Options{SegmentSize: 256})
	defer m.Close()

	lsns := appendN(t, m, 20)
	before := m.CurrentLSN()

	target := lsns[15]
	if err := m.AdvanceRedo(target); err != nil {
		t.Fatalf("Failed to advance redo point: %v", err)
	}
	if m.RedoPoint() != target {
		t.Errorf("Redo point = %s, want %s", m.RedoPoint(), target)
	}
	if m.CurrentLSN() != before {
		t.Error("AdvanceRedo must not append a record")
	}

	// Backwards advance is ignored
	if err := m.AdvanceRedo(lsns[3]); err != nil {
		t.Fatalf("Backwards advance errored: %v", err)
	}
	if m.RedoPoint() != target {
		t.Errorf("Redo point moved backwards to %s", m.RedoPoint())
	}

	// The advanced redo point survives a reopen
	if err := m.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	m2 := openTestManager(t, dir, Options{SegmentSize: 256})
	defer m2.Close()
	if m2.RedoPoint() != target {
		t.Errorf("Redo point after reopen = %s, want %s", m2.RedoPoint(), target)
	}
}
