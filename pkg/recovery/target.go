package recovery

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// TargetKind selects how the recovery stopping point is expressed
type TargetKind int

const (
	// TargetNone replays everything available (end-of-log recovery)
	TargetNone TargetKind = iota
	// TargetImmediate stops at the consistency point of the base backup
	// without replaying any log
	TargetImmediate
	// TargetTime stops before the first commit after a wall-clock instant
	TargetTime
	// TargetLSN stops after the record at a log position
	TargetLSN
	// TargetXID stops after a transaction's commit record
	TargetXID
	// TargetName stops at a named restore point
	TargetName
)

// Target is a point-in-time recovery stopping point
type Target struct {
	Kind TargetKind
	Time time.Time
	LSN  wal.LSN
	XID  uint64
	Name string
}

// String describes the target for logs and status output
func (t Target) String() string {
	switch t.Kind {
	case TargetImmediate:
		return "immediate"
	case TargetTime:
		return fmt.Sprintf("time %s", t.Time.Format(time.RFC3339Nano))
	case TargetLSN:
		return fmt.Sprintf("lsn %s", t.LSN)
	case TargetXID:
		return fmt.Sprintf("xid %d", t.XID)
	case TargetName:
		return fmt.Sprintf("restore point %q", t.Name)
	default:
		return "end of log"
	}
}

// decision is the per-record outcome of target evaluation
type decision int

const (
	// decisionApply replays the record and continues
	decisionApply decision = iota
	// decisionStopBefore ends replay without applying the record
	decisionStopBefore
	// decisionStopAfter applies the record and then ends replay
	decisionStopAfter
)

// decide evaluates one record against the target. The rules give exact
// stops: never a record too many, never one too few.
func (t Target) decide(rec *wal.Record) decision {
	switch t.Kind {
	case TargetImmediate:
		return decisionStopBefore

	case TargetTime:
		// State changes between commits carry no visible effect until the
		// commit, so the first too-late commit is the exact boundary
		if rec.Type == wal.RecordCommit {
			info, err := wal.DecodeCommitPayload(rec.Payload)
			if err == nil && info.CommitTime.After(t.Time) {
				return decisionStopBefore
			}
		}
		return decisionApply

	case TargetLSN:
		if rec.LSN.After(t.LSN) {
			return decisionStopBefore
		}
		if rec.LSN == t.LSN {
			return decisionStopAfter
		}
		return decisionApply

	case TargetXID:
		if rec.Type == wal.RecordCommit {
			info, err := wal.DecodeCommitPayload(rec.Payload)
			if err == nil && info.TxID == t.XID {
				return decisionStopAfter
			}
		}
		return decisionApply

	case TargetName:
		if rec.Type == wal.RecordRestorePoint && wal.DecodeRestorePointPayload(rec.Payload) == t.Name {
			return decisionStopBefore
		}
		return decisionApply

	default:
		return decisionApply
	}
}
