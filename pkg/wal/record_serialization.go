package wal

import (
	"encoding/binary"
	"fmt"
	"io"
)

// On-disk record layout:
//
//	[LSN:16][PrevLSN:16][Timeline:4][Type:1][Len:4][Payload:Len][Checksum:4]
//
// The stream wire layout (see EncodeWire) omits PrevLSN; a receiver appends
// contiguously, so the link is re-established from its own tail.
const (
	diskHeaderSize  = lsnWireSize + lsnWireSize + 4 + 1 + 4
	diskTrailerSize = 4
	wireHeaderSize  = lsnWireSize + 4 + 1 + 4

	// MaxPayloadSize bounds a single record payload. Lengths above this are
	// treated as corruption rather than an allocation request.
	MaxPayloadSize = 256 << 20
)

// diskRecordSize returns the on-disk footprint of a record with the given payload length
func diskRecordSize(payloadLen int) uint32 {
	return uint32(diskHeaderSize + payloadLen + diskTrailerSize)
}

// DiskSize returns the on-disk footprint of the record
func (r *Record) DiskSize() uint32 {
	return diskRecordSize(len(r.Payload))
}

// appendDisk appends the on-disk encoding of rec to buf
func appendDisk(buf []byte, rec *Record) []byte {
	var lsn [lsnWireSize]byte
	encodeLSN(lsn[:], rec.LSN)
	buf = append(buf, lsn[:]...)
	encodeLSN(lsn[:], rec.PrevLSN)
	buf = append(buf, lsn[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, rec.TimelineID)
	buf = append(buf, byte(rec.Type))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Payload)))
	buf = append(buf, rec.Payload...)
	buf = binary.LittleEndian.AppendUint32(buf, rec.Checksum)
	return buf
}

// writeRecordTo writes the on-disk encoding of rec to w
func writeRecordTo(w io.Writer, rec *Record) error {
	buf := appendDisk(make([]byte, 0, rec.DiskSize()), rec)
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n < len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// parseDiskRecord decodes one record from buf starting at off.
// It returns the record and the number of bytes consumed. A truncated or
// implausible header yields errTruncatedRecord, which readers treat as a
// torn write when it occurs at the log tail.
func parseDiskRecord(buf []byte, off int) (*Record, int, error) {
	if len(buf)-off < diskHeaderSize {
		return nil, 0, errTruncatedRecord
	}
	h := buf[off:]
	rec := &Record{
		LSN:        decodeLSN(h[0:16]),
		PrevLSN:    decodeLSN(h[16:32]),
		TimelineID: binary.LittleEndian.Uint32(h[32:36]),
		Type:       RecordType(h[36]),
	}
	payloadLen := binary.LittleEndian.Uint32(h[37:41])
	if payloadLen > MaxPayloadSize {
		return nil, 0, errTruncatedRecord
	}
	total := diskHeaderSize + int(payloadLen) + diskTrailerSize
	if len(buf)-off < total {
		return nil, 0, errTruncatedRecord
	}
	rec.Payload = make([]byte, payloadLen)
	copy(rec.Payload, h[diskHeaderSize:diskHeaderSize+int(payloadLen)])
	rec.Checksum = binary.LittleEndian.Uint32(h[diskHeaderSize+int(payloadLen):])
	return rec, total, nil
}

// EncodeWire encodes rec in the stream wire format:
//
//	[LSN:16][Timeline:4][Type:1][Len:4][Payload:Len][Checksum:4]
func EncodeWire(rec *Record) []byte {
	buf := make([]byte, 0, wireHeaderSize+len(rec.Payload)+4)
	var lsn [lsnWireSize]byte
	encodeLSN(lsn[:], rec.LSN)
	buf = append(buf, lsn[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, rec.TimelineID)
	buf = append(buf, byte(rec.Type))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Payload)))
	buf = append(buf, rec.Payload...)
	buf = binary.LittleEndian.AppendUint32(buf, rec.Checksum)
	return buf
}

// DecodeWire decodes a record from the stream wire format and verifies its
// checksum. Receivers must not advance their received position on error.
func DecodeWire(data []byte) (*Record, error) {
	if len(data) < wireHeaderSize+4 {
		return nil, fmt.Errorf("wire record too short: %d bytes", len(data))
	}
	rec := &Record{
		LSN:        decodeLSN(data[0:16]),
		TimelineID: binary.LittleEndian.Uint32(data[16:20]),
		Type:       RecordType(data[20]),
	}
	payloadLen := binary.LittleEndian.Uint32(data[21:25])
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("wire record payload length %d exceeds limit", payloadLen)
	}
	total := wireHeaderSize + int(payloadLen) + 4
	if len(data) != total {
		return nil, fmt.Errorf("wire record length mismatch: have %d bytes, header describes %d", len(data), total)
	}
	rec.Payload = make([]byte, payloadLen)
	copy(rec.Payload, data[wireHeaderSize:wireHeaderSize+int(payloadLen)])
	rec.Checksum = binary.LittleEndian.Uint32(data[total-4:])
	if !rec.Verify() {
		return nil, &WALError{Op: "decode", LSN: rec.LSN, Cause: ErrChecksumMismatch}
	}
	return rec, nil
}
