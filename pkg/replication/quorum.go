package replication

import (
	"context"
	"sync"

	"github.com/dd0wney/cluso-wald/pkg/metrics"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// quorumWaiter is one commit blocked on standby acknowledgements
type quorumWaiter struct {
	lsn  wal.LSN
	done chan error
}

// QuorumTracker decides when a synchronous commit is acknowledged by enough
// standbys. A commit at LSN x is released once at least `required` sync
// standbys have persisted x or beyond.
type QuorumTracker struct {
	metrics *metrics.Registry

	mu       sync.Mutex
	required int
	acks     map[string]wal.LSN
	waiters  []*quorumWaiter
}

// NewQuorumTracker creates a tracker requiring acks from `required` sync
// standbys
func NewQuorumTracker(required int, m *metrics.Registry) *QuorumTracker {
	if m == nil {
		m = metrics.DefaultRegistry()
	}
	return &QuorumTracker{
		metrics:  m,
		required: required,
		acks:     make(map[string]wal.LSN),
	}
}

// Required returns the configured quorum size
func (q *QuorumTracker) Required() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.required
}

// quorumLSNLocked returns the highest LSN persisted by at least `required`
// standbys, or false when fewer than `required` standbys exist
func (q *QuorumTracker) quorumLSNLocked() (wal.LSN, bool) {
	if q.required <= 0 {
		return wal.ZeroLSN, false
	}
	if len(q.acks) < q.required {
		return wal.ZeroLSN, false
	}

	lsns := make([]wal.LSN, 0, len(q.acks))
	for _, lsn := range q.acks {
		lsns = append(lsns, lsn)
	}
	// Selection by repeated max is fine at replica-set sizes
	for i := 0; i < q.required; i++ {
		maxIdx := i
		for j := i + 1; j < len(lsns); j++ {
			if lsns[maxIdx].Less(lsns[j]) {
				maxIdx = j
			}
		}
		lsns[i], lsns[maxIdx] = lsns[maxIdx], lsns[i]
	}
	return lsns[q.required-1], true
}

// releaseLocked completes every waiter satisfied at the current quorum LSN
func (q *QuorumTracker) releaseLocked() {
	quorum, ok := q.quorumLSNLocked()
	if !ok {
		return
	}

	remaining := q.waiters[:0]
	for _, w := range q.waiters {
		if !quorum.Less(w.lsn) {
			w.done <- nil
			continue
		}
		remaining = append(remaining, w)
	}
	q.waiters = remaining
}

// Ack records that a sync standby has persisted up to lsn
func (q *QuorumTracker) Ack(replicaID string, lsn wal.LSN) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if current, ok := q.acks[replicaID]; ok && !current.Less(lsn) {
		return
	}
	q.acks[replicaID] = lsn
	q.releaseLocked()
}

// Remove drops a standby from the quorum set. Pending waiters are failed
// with ErrQuorumChanged so callers can decide whether the commit stands.
func (q *QuorumTracker) Remove(replicaID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.acks[replicaID]; !ok {
		return
	}
	delete(q.acks, replicaID)

	for _, w := range q.waiters {
		w.done <- ErrQuorumChanged
	}
	q.waiters = nil
}

// Wait blocks until `required` sync standbys persist lsn, ctx ends, or the
// replica set changes. The record is already durable locally when Wait is
// called; a timeout means unacknowledged, not lost.
func (q *QuorumTracker) Wait(ctx context.Context, lsn wal.LSN) error {
	q.mu.Lock()
	if quorum, ok := q.quorumLSNLocked(); ok && !quorum.Less(lsn) {
		q.mu.Unlock()
		return nil
	}

	w := &quorumWaiter{lsn: lsn, done: make(chan error, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	q.metrics.ReplicationQuorumWaits.Inc()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		q.mu.Lock()
		for i, pending := range q.waiters {
			if pending == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		q.metrics.ReplicationQuorumTimeouts.Inc()
		return ErrQuorumTimeout
	}
}
