package recovery

import (
	"testing"
	"time"

	"github.com/dd0wney/cluso-wald/pkg/wal"
)

func record(lsn wal.LSN, typ wal.RecordType, payload []byte) *wal.Record {
	return &wal.Record{LSN: lsn, Type: typ, Payload: payload, Checksum: wal.Checksum32(payload)}
}

func TestTarget_Time(t *testing.T) {
	cutoff := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	target := Target{Kind: TargetTime, Time: cutoff}

	early := record(wal.LSN{Segment: 1, Offset: 0}, wal.RecordCommit,
		wal.EncodeCommitPayload(1, cutoff.Add(-time.Second)))
	onTime := record(wal.LSN{Segment: 1, Offset: 100}, wal.RecordCommit,
		wal.EncodeCommitPayload(2, cutoff))
	late := record(wal.LSN{Segment: 1, Offset: 200}, wal.RecordCommit,
		wal.EncodeCommitPayload(3, cutoff.Add(time.Second)))
	data := record(wal.LSN{Segment: 1, Offset: 300}, wal.RecordData, []byte("x"))

	if target.decide(early) != decisionApply {
		t.Error("Commit before the cutoff must be applied")
	}
	if target.decide(onTime) != decisionApply {
		t.Error("Commit exactly at the cutoff must be applied")
	}
	if target.decide(late) != decisionStopBefore {
		t.Error("First commit after the cutoff must stop replay before it")
	}
	if target.decide(data) != decisionApply {
		t.Error("Data records never stop a time target")
	}
}

func TestTarget_LSN(t *testing.T) {
	stop := wal.LSN{Segment: 2, Offset: 64}
	target := Target{Kind: TargetLSN, LSN: stop}

	if target.decide(record(wal.LSN{Segment: 2, Offset: 0}, wal.RecordData, nil)) != decisionApply {
		t.Error("Records before the target LSN must be applied")
	}
	if target.decide(record(stop, wal.RecordData, nil)) != decisionStopAfter {
		t.Error("The record at the target LSN is applied, then replay stops")
	}
	if target.decide(record(wal.LSN{Segment: 2, Offset: 128}, wal.RecordData, nil)) != decisionStopBefore {
		t.Error("Records past the target LSN must not be applied")
	}
}

func TestTarget_XID(t *testing.T) {
	target := Target{Kind: TargetXID, XID: 42}

	other := record(wal.LSN{Segment: 1, Offset: 0}, wal.RecordCommit, wal.EncodeCommitPayload(41, time.Now()))
	match := record(wal.LSN{Segment: 1, Offset: 50}, wal.RecordCommit, wal.EncodeCommitPayload(42, time.Now()))

	if target.decide(other) != decisionApply {
		t.Error("Other transactions' commits must be applied")
	}
	if target.decide(match) != decisionStopAfter {
		t.Error("The matching commit is applied, then replay stops")
	}
}

func TestTarget_Name(t *testing.T) {
	target := Target{Kind: TargetName, Name: "pre-migration"}

	other := record(wal.LSN{Segment: 1, Offset: 0}, wal.RecordRestorePoint,
		wal.EncodeRestorePointPayload("nightly"))
	match := record(wal.LSN{Segment: 1, Offset: 40}, wal.RecordRestorePoint,
		wal.EncodeRestorePointPayload("pre-migration"))

	if target.decide(other) != decisionApply {
		t.Error("Non-matching restore points must not stop replay")
	}
	if target.decide(match) != decisionStopBefore {
		t.Error("Replay stops at the named restore point")
	}
}

func TestTarget_ImmediateAndNone(t *testing.T) {
	rec := record(wal.LSN{Segment: 1, Offset: 0}, wal.RecordData, []byte("x"))

	if (Target{Kind: TargetImmediate}).decide(rec) != decisionStopBefore {
		t.Error("Immediate target replays nothing")
	}
	if (Target{Kind: TargetNone}).decide(rec) != decisionApply {
		t.Error("End-of-log target applies everything")
	}
}
