package archive

import (
	"context"
	"errors"
)

// Common sink errors
var (
	// ErrNotFound means the named object does not exist in the archive
	ErrNotFound = errors.New("archive object not found")
)

// Sink is a durable archive backend for sealed segments.
//
// Put must be atomic and idempotent: a reader never observes a partially
// written object, and re-putting the same name with the same content is
// harmless. The archiver relies on this to retry freely after crashes.
type Sink interface {
	// Put stores data under name
	Put(ctx context.Context, name string, data []byte) error
	// Get retrieves the object stored under name, or ErrNotFound
	Get(ctx context.Context, name string) ([]byte, error)
	// List returns all stored object names in ascending order
	List(ctx context.Context) ([]string, error)
}
