package state

import (
	"encoding/binary"
	"fmt"
)

// MutationOp is the operation carried by a data record payload
type MutationOp uint8

const (
	// OpPut sets a key to a value
	OpPut MutationOp = iota
	// OpDelete removes a key
	OpDelete
)

// Mutation is one decoded state change
type Mutation struct {
	Op    MutationOp
	Key   []byte
	Value []byte
}

// EncodePut builds a data record payload that sets key to value
func EncodePut(key, value []byte) []byte {
	buf := make([]byte, 0, 5+len(key)+len(value))
	buf = append(buf, byte(OpPut))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	buf = append(buf, value...)
	return buf
}

// EncodeDelete builds a data record payload that removes key
func EncodeDelete(key []byte) []byte {
	buf := make([]byte, 0, 5+len(key))
	buf = append(buf, byte(OpDelete))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	return buf
}

// DecodeMutation decodes a data record payload
func DecodeMutation(payload []byte) (Mutation, error) {
	if len(payload) < 5 {
		return Mutation{}, fmt.Errorf("mutation payload too short: %d bytes", len(payload))
	}
	op := MutationOp(payload[0])
	keyLen := binary.LittleEndian.Uint32(payload[1:5])
	if int(keyLen) > len(payload)-5 {
		return Mutation{}, fmt.Errorf("mutation key length %d exceeds payload", keyLen)
	}

	m := Mutation{Op: op, Key: payload[5 : 5+keyLen]}
	switch op {
	case OpPut:
		m.Value = payload[5+keyLen:]
	case OpDelete:
		if len(payload) != int(5+keyLen) {
			return Mutation{}, fmt.Errorf("delete mutation carries trailing bytes")
		}
	default:
		return Mutation{}, fmt.Errorf("unknown mutation op %d", op)
	}
	return m, nil
}
