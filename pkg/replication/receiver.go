package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/metrics"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// Applier consumes persisted records in LSN order and applies them to the
// materialized state. Apply must be idempotent across restarts.
type Applier interface {
	Apply(rec *wal.Record) error
	AppliedLSN() (wal.LSN, error)
}

// ReceiverOptions configures a Receiver
type ReceiverOptions struct {
	PrimaryAddr string
	ReplicaID   string
	SlotName    string
	// Sync requests that this standby's acks count toward commit quorum
	Sync    bool
	Manager *wal.Manager
	Applier Applier
	// ReconnectInterval is the initial backoff between connection attempts
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	// AckInterval is how often progress acks are pushed even without new
	// records
	AckInterval time.Duration
	// ApplyBuffer is how many persisted records may queue ahead of the
	// applier before receipt backpressures
	ApplyBuffer int
	// MaxReplayDelay marks the standby stale when apply falls this far
	// behind receipt
	MaxReplayDelay time.Duration
	Logger         logging.Logger
	Metrics        *metrics.Registry
}

// Receiver is the standby side of replication: it persists records from
// the primary into the local log, acknowledges them, and replays them to
// the applier strictly in order. Persisting and applying are decoupled so
// a slow applier never delays acknowledgement durability.
type Receiver struct {
	opts    ReceiverOptions
	logger  logging.Logger
	metrics *metrics.Registry

	mu            sync.Mutex
	connected     bool
	primaryID     string
	primaryLSN    wal.LSN
	persisted     wal.LSN
	applied       wal.LSN
	appliedTxTime time.Time
	lastApplyAt   time.Time
	lastErr       error
	fatal         bool

	// sendMu serializes encoder writes between the read loop and the
	// periodic ack ticker
	sendMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver creates a receiver
func NewReceiver(opts ReceiverOptions) *Receiver {
	if opts.ReplicaID == "" {
		opts.ReplicaID = "standby-" + opts.SlotName
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = time.Second
	}
	if opts.MaxReconnectInterval == 0 {
		opts.MaxReconnectInterval = 30 * time.Second
	}
	if opts.AckInterval == 0 {
		opts.AckInterval = time.Second
	}
	if opts.ApplyBuffer <= 0 {
		opts.ApplyBuffer = 1024
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}

	return &Receiver{
		opts:    opts,
		logger:  opts.Logger.With(logging.Component("receiver"), logging.Replica(opts.ReplicaID)),
		metrics: opts.Metrics,
	}
}

// Start launches the receive loop. It reconnects with backoff until Stop
// is called or an unrecoverable condition is hit (stale cursor, timeline
// divergence, applier failure).
func (r *Receiver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop halts the receiver and waits for its goroutines
func (r *Receiver) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// ReceiverStatus is a point-in-time view of the standby pipeline
type ReceiverStatus struct {
	Connected    bool      `json:"connected"`
	PrimaryID    string    `json:"primary_id,omitempty"`
	PrimaryLSN   string    `json:"primary_lsn"`
	PersistedLSN string    `json:"persisted_lsn"`
	AppliedLSN   string    `json:"applied_lsn"`
	LastApplyAt  time.Time `json:"last_apply_at"`
	Stale        bool      `json:"stale"`
	LastError    string    `json:"last_error,omitempty"`
}

// Status reports the receiver's progress
func (r *Receiver) Status() ReceiverStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := ReceiverStatus{
		Connected:    r.connected,
		PrimaryID:    r.primaryID,
		PrimaryLSN:   r.primaryLSN.String(),
		PersistedLSN: r.persisted.String(),
		AppliedLSN:   r.applied.String(),
		LastApplyAt:  r.lastApplyAt,
	}
	if r.opts.MaxReplayDelay > 0 && r.applied.Less(r.persisted) &&
		!r.lastApplyAt.IsZero() && time.Since(r.lastApplyAt) > r.opts.MaxReplayDelay {
		status.Stale = true
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	return status
}

// Err returns the unrecoverable error that stopped the receiver, if any
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal {
		return r.lastErr
	}
	return nil
}

// run is the reconnect loop
func (r *Receiver) run(ctx context.Context) {
	defer r.wg.Done()

	interval := r.opts.ReconnectInterval
	for {
		err := r.streamOnce(ctx)

		r.mu.Lock()
		r.connected = false
		if err != nil {
			r.lastErr = err
			if errors.Is(err, ErrStaleCursor) || errors.Is(err, wal.ErrTimelineDivergence) {
				r.fatal = true
			}
		}
		fatal := r.fatal
		r.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if fatal {
			r.logger.Error("replication stopped; standby needs operator attention", logging.Error(err))
			return
		}
		if err != nil {
			r.logger.Warn("stream disconnected, will reconnect",
				logging.Duration("backoff", interval), logging.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		interval *= 2
		if interval > r.opts.MaxReconnectInterval {
			interval = r.opts.MaxReconnectInterval
		}
	}
}

// streamOnce dials the primary, handshakes, and pumps the stream until it
// breaks
func (r *Receiver) streamOnce(ctx context.Context) error {
	conn, err := net.Dial("tcp", r.opts.PrimaryAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	encoder := json.NewEncoder(conn)
	decoder := json.NewDecoder(conn)

	// Resume from the local durable tail; the primary resolves the final
	// start position against the slot
	fromLSN := r.opts.Manager.NextLSN()
	req, err := NewMessage(MsgHandshake, HandshakeRequest{
		ReplicaID: r.opts.ReplicaID,
		SlotName:  r.opts.SlotName,
		SlotKind:  SlotKindPhysical,
		FromLSN:   fromLSN.String(),
		Timeline:  r.opts.Manager.Timeline(),
		Sync:      r.opts.Sync,
		Version:   "1",
	})
	if err != nil {
		return err
	}
	if err := encoder.Encode(req); err != nil {
		return err
	}

	var msg Message
	if err := decoder.Decode(&msg); err != nil {
		return err
	}
	var resp HandshakeResponse
	if msg.Type != MsgHandshakeResponse || msg.Decode(&resp) != nil {
		return fmt.Errorf("unexpected handshake reply")
	}
	if !resp.Accepted {
		switch resp.ErrorCode {
		case CodeStaleCursor:
			return fmt.Errorf("%w: re-seed this standby from a base backup", ErrStaleCursor)
		case CodeTimelineMismatch:
			return fmt.Errorf("%w: primary reports older timeline", wal.ErrTimelineDivergence)
		case CodeSlotInUse:
			return ErrSlotInUse
		default:
			return fmt.Errorf("handshake rejected: %s", resp.ErrorMessage)
		}
	}

	r.mu.Lock()
	r.connected = true
	r.primaryID = resp.PrimaryID
	if lsn, err := wal.ParseLSN(resp.CurrentLSN); err == nil {
		r.primaryLSN = lsn
	}
	r.persisted = r.opts.Manager.CurrentLSN()
	r.mu.Unlock()

	r.logger.Info("connected to primary",
		logging.String("primary_id", resp.PrimaryID),
		logging.LSNKey("from_lsn", fromLSN))

	// Stage two: apply persisted records in order, decoupled from receipt
	applyCh := make(chan *wal.Record, r.opts.ApplyBuffer)
	applyErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		applyErr <- r.applyLoop(applyCh)
	}()
	defer close(applyCh)

	ackDone := make(chan struct{})
	defer close(ackDone)
	go func() {
		ticker := time.NewTicker(r.opts.AckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ackDone:
				return
			case <-ticker.C:
				// Progress acks double as liveness for the primary's
				// heartbeat timeout
				r.sendAck(encoder)
			}
		}
	}()

	for {
		select {
		case err := <-applyErr:
			if err != nil {
				r.mu.Lock()
				r.fatal = true
				r.mu.Unlock()
				return fmt.Errorf("apply failed: %w", err)
			}
		default:
		}

		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch msg.Type {
		case MsgRecord:
			var rm RecordMessage
			if err := msg.Decode(&rm); err != nil {
				return err
			}
			rec, err := wal.DecodeWire(rm.Record)
			if err != nil {
				// Never ack a record that failed validation; reconnect
				// and re-request from the durable tail
				r.metrics.ReplicationRecordsTotal.WithLabelValues("rejected").Inc()
				return err
			}
			if err := r.handleRecord(rec, applyCh, applyErr); err != nil {
				return err
			}
			r.sendAck(encoder)

		case MsgHeartbeat:
			var hb HeartbeatMessage
			if err := msg.Decode(&hb); err == nil {
				if lsn, err := wal.ParseLSN(hb.CurrentLSN); err == nil {
					r.mu.Lock()
					r.primaryLSN = lsn
					r.mu.Unlock()
				}
			}
			r.sendAck(encoder)

		case MsgError:
			var em ErrorMessage
			if msg.Decode(&em) == nil && em.Fatal {
				return fmt.Errorf("primary reported fatal error: %s", em.Message)
			}
		}
	}
}

// handleRecord persists one record and hands it to the applier
func (r *Receiver) handleRecord(rec *wal.Record, applyCh chan<- *wal.Record, applyErr <-chan error) error {
	if err := r.opts.Manager.AppendReplicated(rec); err != nil {
		if errors.Is(err, wal.ErrNonContiguousRecord) {
			// Out of sync with the stream; a reconnect re-requests from
			// the durable tail. The log itself is untouched.
			r.metrics.ReplicationRecordsTotal.WithLabelValues("rejected").Inc()
			return err
		}
		return err
	}

	r.mu.Lock()
	r.persisted = rec.LSN
	r.mu.Unlock()
	r.metrics.ReplicationRecordsTotal.WithLabelValues("persisted").Inc()

	select {
	case applyCh <- rec:
		return nil
	case err := <-applyErr:
		r.mu.Lock()
		r.fatal = true
		r.mu.Unlock()
		return fmt.Errorf("apply failed: %w", err)
	}
}

// applyLoop replays persisted records to the applier strictly in order
func (r *Receiver) applyLoop(applyCh <-chan *wal.Record) error {
	for rec := range applyCh {
		if err := r.opts.Applier.Apply(rec); err != nil {
			r.logger.Error("failed to apply record", logging.LSN(rec.LSN), logging.Error(err))
			return err
		}
		r.mu.Lock()
		r.applied = rec.LSN
		r.lastApplyAt = time.Now()
		if rec.Type == wal.RecordCommit {
			if info, err := wal.DecodeCommitPayload(rec.Payload); err == nil {
				r.appliedTxTime = info.CommitTime
			}
		}
		r.mu.Unlock()
		r.metrics.ReplicationRecordsTotal.WithLabelValues("applied").Inc()
	}
	return nil
}

// sendAck reports persisted and applied progress to the primary
func (r *Receiver) sendAck(encoder *json.Encoder) {
	r.mu.Lock()
	ack := AckMessage{
		ReplicaID:     r.opts.ReplicaID,
		PersistedLSN:  r.persisted.String(),
		AppliedLSN:    r.applied.String(),
		AppliedTxTime: r.appliedTxTime,
	}
	r.mu.Unlock()

	msg, err := NewMessage(MsgAck, ack)
	if err != nil {
		return
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if err := encoder.Encode(msg); err != nil {
		r.logger.Debug("ack send failed", logging.Error(err))
	}
}
