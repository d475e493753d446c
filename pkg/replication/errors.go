package replication

import "errors"

// Common replication errors
var (
	// ErrStaleCursor means the requested stream position is gone from the
	// retained log and could not be restored from the archive. The standby
	// cannot catch up incrementally and must be re-seeded from a base
	// backup.
	ErrStaleCursor = errors.New("stream position older than retained log")
	// ErrSlotNotFound is returned for operations on an unknown slot
	ErrSlotNotFound = errors.New("replication slot not found")
	// ErrSlotInUse means the slot already has an active session
	ErrSlotInUse = errors.New("replication slot already in use")
	// ErrQuorumTimeout means a synchronous commit did not gather enough
	// standby acknowledgements in time
	ErrQuorumTimeout = errors.New("timed out waiting for sync quorum")
	// ErrQuorumChanged means the synchronous replica set changed while a
	// commit was waiting; the caller decides whether to re-wait
	ErrQuorumChanged = errors.New("sync replica set changed while waiting")
	// ErrNotStreaming is returned when the receiver has no active connection
	ErrNotStreaming = errors.New("not connected to a primary")
)
