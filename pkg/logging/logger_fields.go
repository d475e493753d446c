package logging

import (
	"fmt"
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Uint32(key string, value uint32) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Component field helpers for common component names
func Component(name string) Field {
	return String("component", name)
}

func Operation(op string) Field {
	return String("operation", op)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}

// Domain field helpers.
// LSNs are passed as stringers to avoid an import cycle with pkg/wal.

func LSN(lsn fmt.Stringer) Field {
	return String("lsn", lsn.String())
}

func LSNKey(key string, lsn fmt.Stringer) Field {
	return String(key, lsn.String())
}

func Segment(index uint64) Field {
	return Field{Key: "segment", Value: fmt.Sprintf("%016X", index)}
}

func Slot(name string) Field {
	return String("slot", name)
}

func Timeline(id uint32) Field {
	return Uint32("timeline", id)
}

func Replica(id string) Field {
	return String("replica", id)
}
