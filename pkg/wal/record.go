package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// RecordType represents the type of a WAL record
type RecordType uint8

const (
	// RecordData is an opaque state mutation supplied by the protected storage engine
	RecordData RecordType = iota
	// RecordCommit marks a transaction commit; its payload carries the
	// transaction ID and commit timestamp used for recovery targets
	RecordCommit
	// RecordCheckpoint carries the redo point computed by a checkpoint
	RecordCheckpoint
	// RecordRestorePoint is a named marker created by an operator for PITR
	RecordRestorePoint
	// RecordTimelineSwitch marks a promotion onto a new timeline
	RecordTimelineSwitch
)

// String returns the record type name used in logs and metrics
func (t RecordType) String() string {
	switch t {
	case RecordData:
		return "data"
	case RecordCommit:
		return "commit"
	case RecordCheckpoint:
		return "checkpoint"
	case RecordRestorePoint:
		return "restore_point"
	case RecordTimelineSwitch:
		return "timeline_switch"
	default:
		return "unknown"
	}
}

// Record is a single WAL record.
// Position is strictly increasing within a timeline; PrevLSN links each
// record to its predecessor for tear detection at segment boundaries.
type Record struct {
	LSN        LSN
	PrevLSN    LSN
	TimelineID uint32
	Type       RecordType
	Payload    []byte
	Checksum   uint32 // CRC32 (IEEE) of Payload
}

// Checksum32 computes the checksum the record must carry for its payload
func Checksum32(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// Verify reports whether the record's checksum matches its payload
func (r *Record) Verify() bool {
	return r.Checksum == Checksum32(r.Payload)
}

// CommitInfo is the decoded payload of a RecordCommit
type CommitInfo struct {
	TxID       uint64
	CommitTime time.Time
}

// EncodeCommitPayload builds the payload of a RecordCommit
func EncodeCommitPayload(txid uint64, commitTime time.Time) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], txid)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(commitTime.UnixNano()))
	return buf
}

// DecodeCommitPayload decodes the payload of a RecordCommit
func DecodeCommitPayload(payload []byte) (CommitInfo, error) {
	if len(payload) != 16 {
		return CommitInfo{}, fmt.Errorf("commit payload must be 16 bytes, got %d", len(payload))
	}
	return CommitInfo{
		TxID:       binary.LittleEndian.Uint64(payload[0:8]),
		CommitTime: time.Unix(0, int64(binary.LittleEndian.Uint64(payload[8:16]))),
	}, nil
}

// EncodeRestorePointPayload builds the payload of a RecordRestorePoint
func EncodeRestorePointPayload(name string) []byte {
	return []byte(name)
}

// DecodeRestorePointPayload decodes the payload of a RecordRestorePoint
func DecodeRestorePointPayload(payload []byte) string {
	return string(payload)
}

// EncodeCheckpointPayload builds the payload of a RecordCheckpoint
func EncodeCheckpointPayload(redo LSN) []byte {
	buf := make([]byte, lsnWireSize)
	encodeLSN(buf, redo)
	return buf
}

// DecodeCheckpointPayload decodes the payload of a RecordCheckpoint
func DecodeCheckpointPayload(payload []byte) (LSN, error) {
	if len(payload) != lsnWireSize {
		return ZeroLSN, fmt.Errorf("checkpoint payload must be %d bytes, got %d", lsnWireSize, len(payload))
	}
	return decodeLSN(payload), nil
}

// TimelineSwitchInfo is the decoded payload of a RecordTimelineSwitch
type TimelineSwitchInfo struct {
	OldTimelineID uint32
	NewTimelineID uint32
}

// EncodeTimelineSwitchPayload builds the payload of a RecordTimelineSwitch
func EncodeTimelineSwitchPayload(oldID, newID uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], oldID)
	binary.LittleEndian.PutUint32(buf[4:8], newID)
	return buf
}

// DecodeTimelineSwitchPayload decodes the payload of a RecordTimelineSwitch
func DecodeTimelineSwitchPayload(payload []byte) (TimelineSwitchInfo, error) {
	if len(payload) != 8 {
		return TimelineSwitchInfo{}, fmt.Errorf("timeline switch payload must be 8 bytes, got %d", len(payload))
	}
	return TimelineSwitchInfo{
		OldTimelineID: binary.LittleEndian.Uint32(payload[0:4]),
		NewTimelineID: binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}
