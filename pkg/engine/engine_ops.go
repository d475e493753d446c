package engine

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/replication"
	"github.com/dd0wney/cluso-wald/pkg/state"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// ErrNotPrimary is returned when a write operation reaches a standby
var ErrNotPrimary = fmt.Errorf("node is not the primary")

// Put appends a key write to the log, applies it locally, and waits for
// the synchronous quorum when one is configured
func (e *Engine) Put(ctx context.Context, key, value []byte) (wal.LSN, error) {
	return e.appendMutation(ctx, state.EncodePut(key, value))
}

// Delete appends a key delete to the log
func (e *Engine) Delete(ctx context.Context, key []byte) (wal.LSN, error) {
	return e.appendMutation(ctx, state.EncodeDelete(key))
}

func (e *Engine) appendMutation(ctx context.Context, payload []byte) (wal.LSN, error) {
	if e.currentRole() != "primary" {
		return wal.ZeroLSN, ErrNotPrimary
	}
	lsn, err := e.mgr.Append(wal.RecordData, payload)
	if err != nil {
		return wal.ZeroLSN, err
	}
	e.publish(lsn)
	if err := e.waitQuorum(ctx, lsn); err != nil {
		return lsn, err
	}

	reader, err := e.mgr.ReadFrom(lsn)
	if err != nil {
		return lsn, err
	}
	defer reader.Close()
	rec, err := reader.Next()
	if err != nil {
		return lsn, err
	}
	return lsn, e.store.Apply(rec)
}

// Commit appends a transaction commit marker
func (e *Engine) Commit(ctx context.Context, txid uint64) (wal.LSN, error) {
	if e.currentRole() != "primary" {
		return wal.ZeroLSN, ErrNotPrimary
	}
	lsn, err := e.mgr.AppendCommit(txid)
	if err != nil {
		return wal.ZeroLSN, err
	}
	e.publish(lsn)
	return lsn, e.waitQuorum(ctx, lsn)
}

// publish mirrors a freshly appended record onto the broadcast feed
func (e *Engine) publish(lsn wal.LSN) {
	if e.feed == nil {
		return
	}
	reader, err := e.mgr.ReadFrom(lsn)
	if err != nil {
		return
	}
	defer reader.Close()
	if rec, err := reader.Next(); err == nil {
		e.feed.Publish(rec)
	}
}

func (e *Engine) waitQuorum(ctx context.Context, lsn wal.LSN) error {
	if e.primary == nil {
		return nil
	}
	if timeout := e.cfg.Replication.QuorumTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.primary.WaitForQuorum(ctx, lsn)
}

// Checkpoint forces a checkpoint and recycles everything behind the new
// redo point
func (e *Engine) Checkpoint() (wal.LSN, int, error) {
	if e.currentRole() != "primary" {
		return wal.ZeroLSN, 0, ErrNotPrimary
	}
	redo, err := e.mgr.Checkpoint()
	if err != nil {
		return wal.ZeroLSN, 0, err
	}
	recycled, err := e.mgr.RecycleSegments()
	return redo, recycled, err
}

// CreateRestorePoint names the current log position for later recovery
func (e *Engine) CreateRestorePoint(name string) (wal.LSN, error) {
	if e.currentRole() != "primary" {
		return wal.ZeroLSN, ErrNotPrimary
	}
	lsn, err := e.mgr.CreateRestorePoint(name)
	if err != nil {
		return wal.ZeroLSN, err
	}
	e.publish(lsn)
	return lsn, nil
}

// Promote turns a streaming standby into a primary: stop receiving,
// switch to a fresh timeline, then start serving the stream
func (e *Engine) Promote() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.role != "standby" {
		return fmt.Errorf("only a standby can be promoted")
	}

	e.receiver.Stop()
	e.receiver = nil

	timeline, lsn, err := e.mgr.SwitchTimeline()
	if err != nil {
		return fmt.Errorf("failed to switch timeline: %w", err)
	}
	e.role = "primary"
	if err := e.startPrimary(); err != nil {
		return err
	}
	// Re-register so the replication check reflects the new role
	e.registerHealthChecks()
	e.logger.Info("standby promoted",
		logging.Timeline(timeline),
		logging.LSNKey("switch_lsn", lsn))
	return nil
}

// NodeStatus is the aggregate picture the admin endpoint serves
type NodeStatus struct {
	NodeID     string `json:"node_id"`
	Role       string `json:"role"`
	Timeline   uint32 `json:"timeline"`
	LastLSN    string `json:"last_lsn"`
	RedoLSN    string `json:"redo_lsn"`
	AppliedLSN string `json:"applied_lsn"`
	OldestSeg  uint64 `json:"oldest_segment"`

	LastArchived uint64 `json:"last_archived_segment,omitempty"`
	Backlog      int    `json:"archive_backlog,omitempty"`

	Replicas []replication.ReplicaStatus `json:"replicas,omitempty"`
	Receiver *replication.ReceiverStatus `json:"receiver,omitempty"`
	Slots    []replication.Slot          `json:"slots,omitempty"`
}

// Status reports the node's current position and replication state
func (e *Engine) Status() NodeStatus {
	e.mu.Lock()
	role := e.role
	primary, slots, receiver := e.primary, e.slots, e.receiver
	e.mu.Unlock()

	status := NodeStatus{
		NodeID:    e.cfg.Node.ID,
		Role:      role,
		Timeline:  e.mgr.Timeline(),
		LastLSN:   e.mgr.CurrentLSN().String(),
		RedoLSN:   e.mgr.RedoPoint().String(),
		OldestSeg: e.mgr.OldestSegment(),
	}
	if applied, err := e.store.AppliedLSN(); err == nil {
		status.AppliedLSN = applied.String()
	}
	if e.archiver != nil {
		status.LastArchived = e.archiver.LastArchived()
		status.Backlog = e.archiver.Backlog()
	}
	if primary != nil {
		status.Replicas = primary.Status()
	}
	if slots != nil {
		status.Slots = slots.List()
	}
	if receiver != nil {
		rs := receiver.Status()
		status.Receiver = &rs
	}
	return status
}
