package state

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// ErrKeyNotFound is returned by Get for absent keys
var ErrKeyNotFound = errors.New("key not found")

// Key layout inside pebble: user data under 'k', engine metadata under 'm'.
var (
	keyPrefix     = []byte("k/")
	appliedLSNKey = []byte("m/applied_lsn")
)

// Store is the materialized state the log protects. Every applied record
// updates both the data and the applied-LSN watermark in one atomic batch,
// so replay after a crash is exactly-once: records at or below the
// watermark are skipped.
type Store struct {
	db     *pebble.DB
	logger logging.Logger
}

// OpenStore opens (or creates) the state store in dir
func OpenStore(dir string, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return &Store{db: db, logger: logger.With(logging.Component("state"))}, nil
}

// AppliedLSN returns the position of the last applied record
func (s *Store) AppliedLSN() (wal.LSN, error) {
	data, closer, err := s.db.Get(appliedLSNKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return wal.ZeroLSN, nil
	}
	if err != nil {
		return wal.ZeroLSN, fmt.Errorf("failed to read applied LSN: %w", err)
	}
	defer closer.Close()

	lsn, err := wal.ParseLSN(string(data))
	if err != nil {
		return wal.ZeroLSN, fmt.Errorf("corrupt applied LSN marker: %w", err)
	}
	return lsn, nil
}

// Apply applies one record to the store. Non-data records only advance the
// watermark. Records at or below the current watermark are ignored.
func (s *Store) Apply(rec *wal.Record) error {
	applied, err := s.AppliedLSN()
	if err != nil {
		return err
	}
	if !applied.IsZero() && !applied.Less(rec.LSN) {
		return nil // already applied
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if rec.Type == wal.RecordData {
		mutation, err := DecodeMutation(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to decode record %s: %w", rec.LSN, err)
		}
		key := append(append([]byte{}, keyPrefix...), mutation.Key...)
		switch mutation.Op {
		case OpPut:
			if err := batch.Set(key, mutation.Value, nil); err != nil {
				return err
			}
		case OpDelete:
			if err := batch.Delete(key, nil); err != nil {
				return err
			}
		}
	}

	if err := batch.Set(appliedLSNKey, []byte(rec.LSN.String()), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit record %s: %w", rec.LSN, err)
	}
	return nil
}

// Get returns the value stored under key
func (s *Store) Get(key []byte) ([]byte, error) {
	full := append(append([]byte{}, keyPrefix...), key...)
	data, closer, err := s.db.Get(full)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	value := make([]byte, len(data))
	copy(value, data)
	return value, nil
}

// Checkpoint writes a consistent snapshot of the store into destDir.
// Base backups are built from these snapshots.
func (s *Store) Checkpoint(destDir string) error {
	if err := s.db.Checkpoint(destDir); err != nil {
		return fmt.Errorf("failed to checkpoint state store: %w", err)
	}
	return nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}
