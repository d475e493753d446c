package wal

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	// ErrEndOfLog signals that a reader has consumed every durable record
	ErrEndOfLog = errors.New("end of log")
	// ErrTornWrite marks an incomplete record at the log tail; replay
	// truncates it and treats everything before it as the valid log
	ErrTornWrite = errors.New("torn write at log tail")
	// ErrChecksumMismatch marks a record whose payload fails CRC validation
	// away from the tail; unlike a torn tail this is fatal corruption
	ErrChecksumMismatch = errors.New("record checksum mismatch")
	// ErrSegmentRecycled means the requested position is older than the
	// oldest retained segment; the caller must re-seed from a base backup
	ErrSegmentRecycled = errors.New("segment recycled")
	// ErrNonContiguousRecord means a replicated record does not land exactly
	// on the local durable tail
	ErrNonContiguousRecord = errors.New("record not contiguous with local tail")
	// ErrTimelineDivergence means a reader crossed timelines without an
	// explicit timeline switch record
	ErrTimelineDivergence = errors.New("timeline changed without a switch record")
	// ErrManagerClosed is returned by operations on a closed manager
	ErrManagerClosed = errors.New("log manager is closed")
	// ErrNotRecordBoundary means the requested LSN does not address the
	// start of a record
	ErrNotRecordBoundary = errors.New("LSN is not a record boundary")

	// errTruncatedRecord is the internal parse signal that becomes either
	// ErrTornWrite (at the tail) or ErrChecksumMismatch (elsewhere)
	errTruncatedRecord = errors.New("truncated record")
)

// WALError carries the operation and exact log position implicated in a failure
type WALError struct {
	Op      string
	Segment uint64
	LSN     LSN
	Cause   error
}

// Error implements the error interface
func (e *WALError) Error() string {
	switch {
	case !e.LSN.IsZero():
		return fmt.Sprintf("wal %s at %s: %v", e.Op, e.LSN, e.Cause)
	case e.Segment != 0:
		return fmt.Sprintf("wal %s segment %016X: %v", e.Op, e.Segment, e.Cause)
	default:
		return fmt.Sprintf("wal %s: %v", e.Op, e.Cause)
	}
}

// Unwrap returns the underlying cause for error chain support
func (e *WALError) Unwrap() error {
	return e.Cause
}

// GapError reports a missing span of log. Recovery must never skip it.
type GapError struct {
	From LSN
	To   LSN
}

// Error implements the error interface
func (e *GapError) Error() string {
	if e.To.IsZero() {
		return fmt.Sprintf("missing log from %s", e.From)
	}
	return fmt.Sprintf("missing log from %s to %s", e.From, e.To)
}
