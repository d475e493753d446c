package wal

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// LSN is a log sequence number: the total-order position of a record
// within a timeline, as a (segment index, byte offset) pair.
// LSNs are never reused and are monotonic for the life of a timeline.
type LSN struct {
	Segment uint64
	Offset  uint32
}

// ZeroLSN is the invalid zero position. Real positions start at segment 1.
var ZeroLSN = LSN{}

// lsnWireSize is the encoded size of an LSN: segment u64 + offset u32 + 4 pad bytes.
const lsnWireSize = 16

// Compare returns -1, 0 or 1 ordering l against other.
func (l LSN) Compare(other LSN) int {
	if l.Segment != other.Segment {
		if l.Segment < other.Segment {
			return -1
		}
		return 1
	}
	if l.Offset != other.Offset {
		if l.Offset < other.Offset {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether l orders strictly before other.
func (l LSN) Less(other LSN) bool {
	return l.Compare(other) < 0
}

// After reports whether l orders strictly after other.
func (l LSN) After(other LSN) bool {
	return l.Compare(other) > 0
}

// IsZero reports whether l is the invalid zero position.
func (l LSN) IsZero() bool {
	return l == ZeroLSN
}

// String formats the LSN as "segment/offset" in hex, e.g. "2A/1F40".
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", l.Segment, l.Offset)
}

// ParseLSN parses the "segment/offset" hex form produced by String.
func ParseLSN(s string) (LSN, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return ZeroLSN, fmt.Errorf("invalid LSN %q: expected segment/offset", s)
	}
	seg, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return ZeroLSN, fmt.Errorf("invalid LSN segment in %q: %w", s, err)
	}
	off, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return ZeroLSN, fmt.Errorf("invalid LSN offset in %q: %w", s, err)
	}
	return LSN{Segment: seg, Offset: uint32(off)}, nil
}

// MinLSN returns the smaller of a and b.
func MinLSN(a, b LSN) LSN {
	if a.Less(b) {
		return a
	}
	return b
}

// encodeLSN writes the 16-byte wire form of l into b.
func encodeLSN(b []byte, l LSN) {
	binary.LittleEndian.PutUint64(b[0:8], l.Segment)
	binary.LittleEndian.PutUint32(b[8:12], l.Offset)
	binary.LittleEndian.PutUint32(b[12:16], 0) // pad
}

// decodeLSN reads the 16-byte wire form from b.
func decodeLSN(b []byte) LSN {
	return LSN{
		Segment: binary.LittleEndian.Uint64(b[0:8]),
		Offset:  binary.LittleEndian.Uint32(b[8:12]),
	}
}
