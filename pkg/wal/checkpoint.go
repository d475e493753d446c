package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dd0wney/cluso-wald/pkg/logging"
)

// checkpointFileName holds the durable redo point next to the segments
const checkpointFileName = "checkpoint.json"

// checkpointState is the persisted result of the last checkpoint
type checkpointState struct {
	Redo      string    `json:"redo"`
	Timeline  uint32    `json:"timeline"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointInfo describes the durable state loaded at open
type CheckpointInfo struct {
	Redo      LSN
	Timeline  uint32
	UpdatedAt time.Time
}

// loadCheckpointState reads the checkpoint file if present
func loadCheckpointState(dir string) (*CheckpointInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, checkpointFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint state: %w", err)
	}

	var state checkpointState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint state: %w", err)
	}
	redo, err := ParseLSN(state.Redo)
	if err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint redo point: %w", err)
	}
	return &CheckpointInfo{Redo: redo, Timeline: state.Timeline, UpdatedAt: state.UpdatedAt}, nil
}

// saveCheckpointState persists the redo point atomically (write temp, rename)
func saveCheckpointState(dir string, redo LSN, timeline uint32) error {
	state := checkpointState{
		Redo:      redo.String(),
		Timeline:  timeline,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, checkpointFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint state: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, checkpointFileName)); err != nil {
		return fmt.Errorf("failed to install checkpoint state: %w", err)
	}
	return nil
}

// Checkpoint advances the redo point and makes it durable.
// The redo point never advances past the oldest restore LSN of any
// replication slot, and never moves backwards.
func (m *Manager) Checkpoint() (LSN, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ZeroLSN, ErrManagerClosed
	}

	candidate := m.lastLSN
	if candidate.IsZero() {
		candidate = LSN{Segment: m.segIndex, Offset: m.offset}
	}
	if m.slotFloor != nil {
		if floor, ok := m.slotFloor(); ok {
			candidate = MinLSN(candidate, floor)
		}
	}
	if candidate.Less(m.redo) {
		candidate = m.redo
	}
	timeline := m.timeline
	m.mu.Unlock()

	// The checkpoint record itself is ordinary log traffic; it lands after
	// the redo point it announces.
	lsn, err := m.Append(RecordCheckpoint, EncodeCheckpointPayload(candidate))
	if err != nil {
		return ZeroLSN, err
	}

	if err := saveCheckpointState(m.dir, candidate, timeline); err != nil {
		return ZeroLSN, err
	}

	m.mu.Lock()
	m.redo = candidate
	m.mu.Unlock()

	m.metrics.WALCheckpointsTotal.Inc()
	m.metrics.WALRedoPointSegment.Set(float64(candidate.Segment))
	m.logger.Info("checkpoint complete",
		logging.LSNKey("redo", candidate),
		logging.LSNKey("checkpoint_lsn", lsn))
	return candidate, nil
}

// AdvanceRedo moves the redo point to lsn without appending a checkpoint
// record. Standbys use this: their log must stay byte-contiguous with the
// primary's stream, so they may never append records of their own. The
// redo point still never moves backwards.
func (m *Manager) AdvanceRedo(lsn LSN) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if lsn.Less(m.redo) || lsn == m.redo {
		m.mu.Unlock()
		return nil
	}
	timeline := m.timeline
	m.mu.Unlock()

	if err := saveCheckpointState(m.dir, lsn, timeline); err != nil {
		return err
	}

	m.mu.Lock()
	if m.redo.Less(lsn) {
		m.redo = lsn
	}
	m.mu.Unlock()

	m.metrics.WALCheckpointsTotal.Inc()
	m.metrics.WALRedoPointSegment.Set(float64(lsn.Segment))
	return nil
}
