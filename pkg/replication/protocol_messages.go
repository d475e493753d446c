package replication

import "time"

// Error codes carried by HandshakeResponse and ErrorMessage
const (
	// CodeStaleCursor means the requested position is gone from both the
	// retained log and the archive; the standby must re-seed from a base
	// backup
	CodeStaleCursor = "stale_cursor"
	// CodeSlotInUse means another session currently holds the slot
	CodeSlotInUse = "slot_in_use"
	// CodeTimelineMismatch means the standby's timeline diverged from the
	// primary's history
	CodeTimelineMismatch = "timeline_mismatch"
)

// HandshakeRequest is sent by a standby when it connects.
// LSNs travel as the canonical "segment/offset" hex string.
type HandshakeRequest struct {
	ReplicaID string `json:"replica_id"`
	SlotName  string `json:"slot_name"`
	// SlotKind is the slot kind to open; empty means physical
	SlotKind string `json:"slot_kind,omitempty"`
	// FromLSN is the standby's durable tail; streaming resumes at the
	// greater of this and the slot's restore LSN
	FromLSN  string `json:"from_lsn"`
	Timeline uint32 `json:"timeline"`
	// Sync requests synchronous mode: the standby's acks count toward
	// commit quorum
	Sync    bool   `json:"sync"`
	Version string `json:"version"`
}

// HandshakeResponse is sent by the primary to accept or reject a standby
type HandshakeResponse struct {
	PrimaryID    string `json:"primary_id"`
	StartLSN     string `json:"start_lsn"`
	CurrentLSN   string `json:"current_lsn"`
	Timeline     uint32 `json:"timeline"`
	Accepted     bool   `json:"accepted"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// HeartbeatMessage keeps the connection alive and carries the sender's
// current position
type HeartbeatMessage struct {
	From       string `json:"from"`
	Sequence   uint64 `json:"sequence"`
	CurrentLSN string `json:"current_lsn"`
	Timeline   uint32 `json:"timeline"`
}

// RecordMessage carries one WAL record in the binary wire format
type RecordMessage struct {
	Record []byte `json:"record"`
}

// AckMessage reports standby progress. PersistedLSN drives slot advancement
// and sync quorum; AppliedLSN and AppliedTxTime are informational for lag
// reporting.
type AckMessage struct {
	ReplicaID    string `json:"replica_id"`
	PersistedLSN string `json:"persisted_lsn"`
	AppliedLSN   string `json:"applied_lsn"`
	// AppliedTxTime is the commit time of the newest transaction the
	// standby has applied; zero until the first commit replays
	AppliedTxTime time.Time `json:"applied_tx_time,omitempty"`
}

// ErrorMessage reports errors over an established stream
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}
