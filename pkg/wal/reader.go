package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// errSegmentExhausted is the internal signal that a sealed segment has been
// fully consumed and the reader should advance to the next one
var errSegmentExhausted = errors.New("segment exhausted")

// parseSegmentFile reads one segment file and parses its records.
// It returns the parsed records, the byte length of the valid prefix, and
// the offset of a torn or corrupt record (-1 when the segment parses clean).
func parseSegmentFile(path string) ([]*Record, uint32, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, -1, err
	}
	records, valid, torn := parseSegmentData(data)
	return records, valid, torn, nil
}

// parseSegmentData parses records from raw segment bytes. Parsing stops at
// the first record that is truncated or fails its checksum; the caller
// decides whether that is a benign torn tail or fatal corruption.
func parseSegmentData(data []byte) ([]*Record, uint32, int64) {
	var records []*Record
	off := 0
	for off < len(data) {
		rec, consumed, err := parseDiskRecord(data, off)
		if err != nil || !rec.Verify() {
			return records, uint32(off), int64(off)
		}
		records = append(records, rec)
		off += consumed
	}
	return records, uint32(off), -1
}

// Reader iterates durable records of an open log in LSN order.
// Reads never see a record before it is durable: the reader snapshots the
// manager's durable tail on every Next call and stops there. A Reader is not
// safe for concurrent use; each consumer holds its own.
type Reader struct {
	m        *Manager
	cache    *SegmentCache
	pos      LSN
	prev     LSN
	timeline uint32

	sealed    *cachedSegment
	sealedIdx uint64

	tailFile *os.File
	tailSeg  uint64
}

// ReadFrom opens a reader positioned at lsn. The zero LSN means the oldest
// retained record. Positions older than the oldest retained segment fail
// with ErrSegmentRecycled; the caller must re-seed from a base backup.
func (m *Manager) ReadFrom(lsn LSN) (*Reader, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	oldest := m.oldestSegment
	m.mu.Unlock()

	if lsn.IsZero() {
		lsn = LSN{Segment: oldest, Offset: 0}
	}
	if lsn.Segment < oldest {
		return nil, &WALError{Op: "read_from", LSN: lsn, Cause: ErrSegmentRecycled}
	}
	return &Reader{m: m, cache: m.cache, pos: lsn}, nil
}

// Next returns the next durable record, or ErrEndOfLog when the reader has
// caught up with the durable tail.
func (r *Reader) Next() (*Record, error) {
	durSeg, durOff := r.m.tail()

	for {
		if r.pos.Segment > durSeg {
			return nil, ErrEndOfLog
		}
		if r.pos.Segment == durSeg && r.pos.Offset >= durOff {
			return nil, ErrEndOfLog
		}

		var (
			rec      *Record
			consumed uint32
			err      error
		)
		if r.pos.Segment < durSeg {
			rec, consumed, err = r.nextSealed()
			if errors.Is(err, errSegmentExhausted) {
				r.pos = LSN{Segment: r.pos.Segment + 1}
				continue
			}
		} else {
			rec, consumed, err = r.nextTail(durOff)
		}
		if err != nil {
			return nil, err
		}

		if err := r.validate(rec); err != nil {
			return nil, err
		}
		r.pos = LSN{Segment: r.pos.Segment, Offset: r.pos.Offset + consumed}
		r.prev = rec.LSN
		return rec, nil
	}
}

// validate enforces linkage and timeline continuity on a record about to be
// returned
func (r *Reader) validate(rec *Record) error {
	if rec.TimelineID != r.timeline {
		if r.timeline != 0 && rec.Type != RecordTimelineSwitch {
			return &WALError{Op: "read", LSN: rec.LSN, Cause: ErrTimelineDivergence}
		}
		r.timeline = rec.TimelineID
	}
	if !r.prev.IsZero() && rec.PrevLSN != r.prev {
		return &WALError{Op: "read", LSN: rec.LSN,
			Cause: fmt.Errorf("%w: prev link %s, last read %s", ErrNonContiguousRecord, rec.PrevLSN, r.prev)}
	}
	return nil
}

// nextSealed reads the record at the current position from a sealed segment
func (r *Reader) nextSealed() (*Record, uint32, error) {
	if r.sealed == nil || r.sealedIdx != r.pos.Segment {
		seg, err := r.loadSealed(r.pos.Segment)
		if err != nil {
			return nil, 0, err
		}
		r.sealed = seg
		r.sealedIdx = r.pos.Segment
	}
	if r.pos.Offset >= r.sealed.size {
		return nil, 0, errSegmentExhausted
	}

	// Records are sorted by offset; binary search for the exact boundary
	records := r.sealed.records
	lo, hi := 0, len(records)
	for lo < hi {
		mid := (lo + hi) / 2
		if records[mid].LSN.Offset < r.pos.Offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo >= len(records) || records[lo].LSN.Offset != r.pos.Offset {
		return nil, 0, &WALError{Op: "read", LSN: r.pos, Cause: ErrNotRecordBoundary}
	}
	rec := records[lo]
	return rec, rec.DiskSize(), nil
}

// loadSealed fetches a sealed segment through the cache.
// A parse failure inside a sealed segment is fatal corruption, not a torn
// tail.
func (r *Reader) loadSealed(index uint64) (*cachedSegment, error) {
	if r.cache != nil {
		if seg, ok := r.cache.get(index); ok {
			return seg, nil
		}
	}

	path := segmentPath(r.m.dir, index)
	records, valid, torn, err := parseSegmentFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &WALError{Op: "read", Segment: index, Cause: ErrSegmentRecycled}
		}
		return nil, &WALError{Op: "read", Segment: index, Cause: err}
	}
	if torn >= 0 {
		return nil, &WALError{Op: "read", Segment: index,
			LSN: LSN{Segment: index, Offset: uint32(torn)}, Cause: ErrChecksumMismatch}
	}

	seg := &cachedSegment{records: records, size: valid}
	if r.cache != nil {
		r.cache.put(index, seg)
	}
	return seg, nil
}

// nextTail reads the record at the current position directly from the tail
// segment file, bounded by the durable offset snapshot.
func (r *Reader) nextTail(durOff uint32) (*Record, uint32, error) {
	if r.tailFile == nil || r.tailSeg != r.pos.Segment {
		if r.tailFile != nil {
			r.tailFile.Close()
			r.tailFile = nil
		}
		file, err := os.Open(segmentPath(r.m.dir, r.pos.Segment))
		if err != nil {
			return nil, 0, &WALError{Op: "read", Segment: r.pos.Segment, Cause: err}
		}
		r.tailFile = file
		r.tailSeg = r.pos.Segment
	}

	// The durable tail is always record-aligned, so any position that
	// cannot hold a complete, self-describing record is a boundary error
	// rather than corruption.
	if r.pos.Offset+diskHeaderSize > durOff {
		return nil, 0, &WALError{Op: "read", LSN: r.pos, Cause: ErrNotRecordBoundary}
	}
	header := make([]byte, diskHeaderSize)
	if _, err := r.tailFile.ReadAt(header, int64(r.pos.Offset)); err != nil {
		return nil, 0, &WALError{Op: "read", LSN: r.pos, Cause: err}
	}
	payloadLen := binary.LittleEndian.Uint32(header[diskHeaderSize-4:])
	if payloadLen > MaxPayloadSize {
		return nil, 0, &WALError{Op: "read", LSN: r.pos, Cause: ErrNotRecordBoundary}
	}
	total := diskRecordSize(int(payloadLen))
	if r.pos.Offset+total > durOff {
		return nil, 0, &WALError{Op: "read", LSN: r.pos, Cause: ErrNotRecordBoundary}
	}

	buf := make([]byte, total)
	if _, err := r.tailFile.ReadAt(buf, int64(r.pos.Offset)); err != nil {
		return nil, 0, &WALError{Op: "read", LSN: r.pos, Cause: err}
	}
	rec, consumed, err := parseDiskRecord(buf, 0)
	if err != nil {
		return nil, 0, &WALError{Op: "read", LSN: r.pos, Cause: ErrNotRecordBoundary}
	}
	if rec.LSN != r.pos {
		return nil, 0, &WALError{Op: "read", LSN: r.pos, Cause: ErrNotRecordBoundary}
	}
	if !rec.Verify() {
		return nil, 0, &WALError{Op: "read", LSN: rec.LSN, Cause: ErrChecksumMismatch}
	}
	return rec, uint32(consumed), nil
}

// WaitNext blocks until the next record is durable or ctx is done.
// Used by streaming senders tailing the live log.
func (r *Reader) WaitNext(ctx context.Context) (*Record, error) {
	for {
		// Arm the notification before checking so a concurrent append
		// between Next and the select is never missed
		notify := r.m.TailNotify()

		rec, err := r.Next()
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrEndOfLog) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

// Position returns the LSN of the next record the reader will return
func (r *Reader) Position() LSN {
	return r.pos
}

// Close releases the reader's file handle
func (r *Reader) Close() error {
	if r.tailFile != nil {
		err := r.tailFile.Close()
		r.tailFile = nil
		return err
	}
	return nil
}

// DirReader iterates records from a bare directory of segment files without
// an open Manager. Recovery uses it to replay restored archive segments.
// The final segment tolerates a torn tail; a missing segment in the middle
// of the range is reported as a GapError and never skipped.
type DirReader struct {
	segments []SegmentInfo
	segIdx   int
	records  []*Record
	recIdx   int
	from     LSN
	prev     LSN
	timeline uint32
	loaded   bool
}

// OpenDirReader opens a reader over every segment in dir, starting at from.
// The zero LSN means the first record present.
func OpenDirReader(dir string, from LSN) (*DirReader, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return &DirReader{}, nil
	}
	if !from.IsZero() && from.Segment < segments[0].Index {
		return nil, &WALError{Op: "open_dir", LSN: from, Cause: ErrSegmentRecycled}
	}
	return &DirReader{segments: segments, from: from}, nil
}

// Next returns the next record, ErrEndOfLog at the end of the directory, or
// a GapError if a segment index is missing from the middle of the range.
func (d *DirReader) Next() (*Record, error) {
	for {
		if d.segIdx >= len(d.segments) {
			return nil, ErrEndOfLog
		}

		if !d.loaded {
			seg := d.segments[d.segIdx]
			if d.segIdx > 0 {
				prevIdx := d.segments[d.segIdx-1].Index
				if seg.Index != prevIdx+1 {
					return nil, &GapError{
						From: LSN{Segment: prevIdx + 1},
						To:   LSN{Segment: seg.Index},
					}
				}
			}

			records, _, torn, err := parseSegmentFile(seg.Path)
			if err != nil {
				return nil, &WALError{Op: "replay", Segment: seg.Index, Cause: err}
			}
			if torn >= 0 && d.segIdx != len(d.segments)-1 {
				return nil, &WALError{Op: "replay", Segment: seg.Index,
					LSN: LSN{Segment: seg.Index, Offset: uint32(torn)}, Cause: ErrChecksumMismatch}
			}
			d.records = records
			d.recIdx = 0
			d.loaded = true
		}

		if d.recIdx >= len(d.records) {
			d.segIdx++
			d.loaded = false
			continue
		}

		rec := d.records[d.recIdx]
		d.recIdx++
		if !d.from.IsZero() && rec.LSN.Less(d.from) {
			continue
		}

		if rec.TimelineID != d.timeline {
			if d.timeline != 0 && rec.Type != RecordTimelineSwitch {
				return nil, &WALError{Op: "replay", LSN: rec.LSN, Cause: ErrTimelineDivergence}
			}
			d.timeline = rec.TimelineID
		}
		if !d.prev.IsZero() && rec.PrevLSN != d.prev {
			return nil, &WALError{Op: "replay", LSN: rec.LSN,
				Cause: fmt.Errorf("%w: prev link %s, last read %s", ErrNonContiguousRecord, rec.PrevLSN, d.prev)}
		}
		d.prev = rec.LSN
		return rec, nil
	}
}
