package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-wald/pkg/archive"
	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/metrics"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// ServerOptions configures a StreamServer
type ServerOptions struct {
	ListenAddr        string
	PrimaryID         string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// SyncQuorum is how many sync standbys must persist a record before a
	// synchronous commit returns. Zero means fully asynchronous.
	SyncQuorum int
	// SendBuffer is how many records are buffered per standby session
	SendBuffer int
	Manager    *wal.Manager
	Slots      *SlotManager
	// Sink, when set, lets the server pull recycled segments back from the
	// archive for a lagging standby instead of rejecting it as stale
	Sink    archive.Sink
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// StreamServer serves the replication stream on the primary. Each standby
// session tails the log through its own reader; slow standbys slow only
// themselves. Delivery per session is strictly in LSN order with no gaps,
// because every session reads the same durable log.
type StreamServer struct {
	opts    ServerOptions
	logger  logging.Logger
	metrics *metrics.Registry
	quorum  *QuorumTracker

	listener   net.Listener
	sessions   map[string]*session
	sessionsMu sync.RWMutex

	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// session is one connected standby
type session struct {
	replicaID string
	slotName  string
	sync      bool
	conn      net.Conn
	sendCh    chan *Message
	stopCh    chan struct{}
	stopOnce  sync.Once

	mu        sync.Mutex
	lastSeen  time.Time
	persisted wal.LSN
	applied   wal.LSN
}

// NewStreamServer creates a stream server
func NewStreamServer(opts ServerOptions) *StreamServer {
	if opts.PrimaryID == "" {
		opts.PrimaryID = uuid.NewString()
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 2 * time.Second
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}

	return &StreamServer{
		opts:     opts,
		logger:   opts.Logger.With(logging.Component("stream_server")),
		metrics:  opts.Metrics,
		quorum:   NewQuorumTracker(opts.SyncQuorum, opts.Metrics),
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}
}

// Start begins accepting standby connections
func (s *StreamServer) Start() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return fmt.Errorf("stream server already running")
	}

	listener, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener
	s.running = true

	s.wg.Add(2)
	go s.acceptConnections()
	go s.monitorSessions()

	s.logger.Info("stream server started",
		logging.String("listen_addr", listener.Addr().String()),
		logging.String("primary_id", s.opts.PrimaryID),
		logging.Int("sync_quorum", s.opts.SyncQuorum))
	return nil
}

// Addr returns the listener address, useful when listening on port 0
func (s *StreamServer) Addr() string {
	if s.listener == nil {
		return s.opts.ListenAddr
	}
	return s.listener.Addr().String()
}

// Stop disconnects all standbys and stops the server
func (s *StreamServer) Stop() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.listener.Close()

	s.sessionsMu.Lock()
	for _, sess := range s.sessions {
		sess.close()
	}
	s.sessionsMu.Unlock()

	s.wg.Wait()
	s.logger.Info("stream server stopped")
	return nil
}

// WaitForQuorum blocks a synchronous commit until the configured number of
// sync standbys have persisted lsn
func (s *StreamServer) WaitForQuorum(ctx context.Context, lsn wal.LSN) error {
	if s.opts.SyncQuorum <= 0 {
		return nil
	}
	return s.quorum.Wait(ctx, lsn)
}

func (sess *session) close() {
	sess.stopOnce.Do(func() {
		close(sess.stopCh)
		sess.conn.Close()
	})
}

func (sess *session) touch() {
	sess.mu.Lock()
	sess.lastSeen = time.Now()
	sess.mu.Unlock()
}

// acceptConnections accepts standby connections until the server stops
func (s *StreamServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("accept failed", logging.Error(err))
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection runs the handshake and then serves one standby session
func (s *StreamServer) handleConnection(conn net.Conn) {
	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	conn.SetReadDeadline(time.Now().Add(s.opts.HeartbeatTimeout))
	var msg Message
	if err := decoder.Decode(&msg); err != nil || msg.Type != MsgHandshake {
		s.logger.Warn("connection without handshake", logging.Error(err))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var req HandshakeRequest
	if err := msg.Decode(&req); err != nil {
		conn.Close()
		return
	}

	start, resp := s.resolveHandshake(&req)
	out, err := NewMessage(MsgHandshakeResponse, resp)
	if err == nil {
		err = encoder.Encode(out)
	}
	if err != nil || !resp.Accepted {
		if resp.ErrorCode != "" {
			s.logger.Warn("handshake rejected",
				logging.Replica(req.ReplicaID),
				logging.Slot(req.SlotName),
				logging.String("code", resp.ErrorCode))
		}
		conn.Close()
		return
	}

	sess := &session{
		replicaID: req.ReplicaID,
		slotName:  req.SlotName,
		sync:      req.Sync,
		conn:      conn,
		sendCh:    make(chan *Message, s.opts.SendBuffer),
		stopCh:    make(chan struct{}),
		lastSeen:  time.Now(),
		persisted: start,
	}

	s.sessionsMu.Lock()
	if old, ok := s.sessions[req.ReplicaID]; ok {
		old.close()
	}
	s.sessions[req.ReplicaID] = sess
	s.metrics.ReplicationConnectedReplicas.Set(float64(len(s.sessions)))
	s.sessionsMu.Unlock()

	s.logger.Info("standby connected",
		logging.Replica(req.ReplicaID),
		logging.Slot(req.SlotName),
		logging.LSNKey("start_lsn", start),
		logging.Bool("sync", req.Sync))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writeLoop(sess, encoder)
	}()
	go func() {
		defer s.wg.Done()
		s.streamRecords(sess, start)
	}()

	s.readLoop(sess, decoder)
	s.dropSession(sess, "connection closed")
}

// resolveHandshake validates the request and computes the stream start
// position: the greater of the standby's tail and the slot's restore LSN
func (s *StreamServer) resolveHandshake(req *HandshakeRequest) (wal.LSN, HandshakeResponse) {
	resp := HandshakeResponse{
		PrimaryID:  s.opts.PrimaryID,
		CurrentLSN: s.opts.Manager.CurrentLSN().String(),
		Timeline:   s.opts.Manager.Timeline(),
	}

	fromLSN := wal.ZeroLSN
	if req.FromLSN != "" {
		parsed, err := wal.ParseLSN(req.FromLSN)
		if err != nil {
			resp.ErrorMessage = fmt.Sprintf("bad from_lsn: %v", err)
			return wal.ZeroLSN, resp
		}
		fromLSN = parsed
	}

	if req.Timeline > s.opts.Manager.Timeline() {
		resp.ErrorCode = CodeTimelineMismatch
		resp.ErrorMessage = "standby is on a newer timeline than this primary"
		return wal.ZeroLSN, resp
	}

	openAt := fromLSN
	if openAt.IsZero() {
		openAt = s.opts.Manager.NextLSN()
	}
	slot, err := s.opts.Slots.Open(req.SlotName, req.SlotKind, openAt, req.Sync)
	if err != nil {
		if errors.Is(err, ErrSlotInUse) {
			resp.ErrorCode = CodeSlotInUse
		}
		resp.ErrorMessage = err.Error()
		return wal.ZeroLSN, resp
	}

	start := fromLSN
	if restore := slot.restore(); start.Less(restore) {
		start = restore
	}
	if start.IsZero() {
		start = s.opts.Manager.NextLSN()
	}

	if start.Segment < s.opts.Manager.OldestSegment() {
		// Recycled history is only stale if the archive cannot supply it
		if err := s.restoreFromArchive(start.Segment); err != nil {
			s.opts.Slots.Release(req.SlotName)
			s.metrics.ReplicationStaleCursors.Inc()
			resp.ErrorCode = CodeStaleCursor
			resp.ErrorMessage = ErrStaleCursor.Error()
			return wal.ZeroLSN, resp
		}
	}

	resp.Accepted = true
	resp.StartLSN = start.String()
	return start, resp
}

// restoreFromArchive pulls recycled segments back from the archive so a
// lagging standby can be served without a full re-seed. Segments are
// admitted newest-first so the retention horizon never covers a hole. The
// attaching slot already pins the floor at the requested position, keeping
// the restored segments from being recycled again mid-stream.
func (s *StreamServer) restoreFromArchive(fromSegment uint64) error {
	if s.opts.Sink == nil {
		return ErrStaleCursor
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	restored := 0
	for seg := s.opts.Manager.OldestSegment(); seg > fromSegment; seg-- {
		data, err := archive.FetchSegment(ctx, s.opts.Sink, seg-1)
		if err != nil {
			return fmt.Errorf("segment %016X unavailable: %w", seg-1, err)
		}
		if err := s.opts.Manager.AdmitRestored(seg-1, data); err != nil {
			return err
		}
		restored++
	}

	s.logger.Info("restored archived segments for lagging standby",
		logging.Count(restored),
		logging.Segment(fromSegment))
	return nil
}

// writeLoop serializes all outbound messages for one session
func (s *StreamServer) writeLoop(sess *session, encoder *json.Encoder) {
	for {
		select {
		case <-sess.stopCh:
			return
		case msg := <-sess.sendCh:
			if err := encoder.Encode(msg); err != nil {
				s.logger.Warn("send to standby failed",
					logging.Replica(sess.replicaID), logging.Error(err))
				sess.close()
				return
			}
		}
	}
}

// streamRecords tails the log from start and feeds the session
func (s *StreamServer) streamRecords(sess *session, start wal.LSN) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sess.stopCh:
		case <-s.stopCh:
		}
		cancel()
	}()

	reader, err := s.opts.Manager.ReadFrom(start)
	if err != nil {
		s.logger.Error("failed to open stream reader",
			logging.Replica(sess.replicaID), logging.LSN(start), logging.Error(err))
		sess.close()
		return
	}
	defer reader.Close()

	for {
		rec, err := reader.WaitNext(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("stream read failed",
					logging.Replica(sess.replicaID), logging.Error(err))
			}
			sess.close()
			return
		}

		msg, err := NewMessage(MsgRecord, RecordMessage{Record: wal.EncodeWire(rec)})
		if err != nil {
			sess.close()
			return
		}
		select {
		case sess.sendCh <- msg:
			s.metrics.ReplicationRecordsTotal.WithLabelValues("sent").Inc()
		case <-sess.stopCh:
			return
		}
	}
}

// readLoop consumes acks and heartbeats from the standby until the
// connection drops
func (s *StreamServer) readLoop(sess *session, decoder *json.Decoder) {
	for {
		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			return
		}
		sess.touch()

		switch msg.Type {
		case MsgAck:
			var ack AckMessage
			if err := msg.Decode(&ack); err != nil {
				continue
			}
			s.handleAck(sess, &ack)
		case MsgHeartbeat:
			s.metrics.ReplicationHeartbeatsTotal.WithLabelValues("received").Inc()
		}
	}
}

// handleAck advances the slot, the quorum tracker, and lag gauges
func (s *StreamServer) handleAck(sess *session, ack *AckMessage) {
	persisted, err := wal.ParseLSN(ack.PersistedLSN)
	if err != nil {
		return
	}
	applied := persisted
	if ack.AppliedLSN != "" {
		if parsed, err := wal.ParseLSN(ack.AppliedLSN); err == nil {
			applied = parsed
		}
	}

	sess.mu.Lock()
	if sess.persisted.Less(persisted) {
		sess.persisted = persisted
	}
	if sess.applied.Less(applied) {
		sess.applied = applied
	}
	sess.mu.Unlock()

	if err := s.opts.Slots.Ack(sess.slotName, persisted); err != nil {
		s.logger.Warn("slot ack failed", logging.Slot(sess.slotName), logging.Error(err))
	}
	if sess.sync {
		s.quorum.Ack(sess.replicaID, persisted)
	}

	current := s.opts.Manager.CurrentLSN()
	var timeLag time.Duration
	if applied.Less(current) {
		// A caught-up standby has zero lag no matter how old its last
		// commit is
		timeLag = replayLag(ack.AppliedTxTime, time.Now())
	}
	s.metrics.UpdateReplicationLag(lagBytes(current, applied, s.opts.Manager.SegmentSize()), timeLag)
}

// lagBytes approximates the byte distance between two positions
func lagBytes(ahead, behind wal.LSN, segmentSize uint32) uint64 {
	if !behind.Less(ahead) {
		return 0
	}
	segs := ahead.Segment - behind.Segment
	bytes := int64(segs) * int64(segmentSize)
	bytes += int64(ahead.Offset) - int64(behind.Offset)
	if bytes < 0 {
		return 0
	}
	return uint64(bytes)
}

// replayLag is how far behind wall clock the standby's applied commits are.
// Zero until the standby has applied its first commit; clock skew can make
// the raw difference negative, which is clamped.
func replayLag(appliedTxTime, now time.Time) time.Duration {
	if appliedTxTime.IsZero() {
		return 0
	}
	lag := now.Sub(appliedTxTime)
	if lag < 0 {
		return 0
	}
	return lag
}

// monitorSessions sends heartbeats and disconnects standbys that stopped
// responding. A dead standby's slot stays behind and keeps pinning
// retention until it reconnects or an operator drops the slot.
func (s *StreamServer) monitorSessions() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	var sequence uint64
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		sequence++
		hb, err := NewMessage(MsgHeartbeat, HeartbeatMessage{
			From:       s.opts.PrimaryID,
			Sequence:   sequence,
			CurrentLSN: s.opts.Manager.CurrentLSN().String(),
			Timeline:   s.opts.Manager.Timeline(),
		})
		if err != nil {
			continue
		}

		var stale []*session
		s.sessionsMu.RLock()
		for _, sess := range s.sessions {
			sess.mu.Lock()
			silent := time.Since(sess.lastSeen)
			sess.mu.Unlock()
			if silent > s.opts.HeartbeatTimeout {
				stale = append(stale, sess)
				continue
			}
			select {
			case sess.sendCh <- hb:
				s.metrics.ReplicationHeartbeatsTotal.WithLabelValues("sent").Inc()
			default:
			}
		}
		s.sessionsMu.RUnlock()

		for _, sess := range stale {
			s.dropSession(sess, "heartbeat timeout")
		}

		s.opts.Slots.CheckRetention(s.opts.Manager.CurrentLSN().Segment)
	}
}

// dropSession tears down one standby session
func (s *StreamServer) dropSession(sess *session, reason string) {
	sess.close()

	s.sessionsMu.Lock()
	if current, ok := s.sessions[sess.replicaID]; ok && current == sess {
		delete(s.sessions, sess.replicaID)
		s.metrics.ReplicationConnectedReplicas.Set(float64(len(s.sessions)))
	}
	s.sessionsMu.Unlock()

	s.opts.Slots.Release(sess.slotName)
	if sess.sync {
		s.quorum.Remove(sess.replicaID)
	}

	s.logger.Info("standby disconnected",
		logging.Replica(sess.replicaID),
		logging.Slot(sess.slotName),
		logging.String("reason", reason))
}

// ReplicaStatus is a point-in-time view of one connected standby
type ReplicaStatus struct {
	ReplicaID    string    `json:"replica_id"`
	SlotName     string    `json:"slot_name"`
	Sync         bool      `json:"sync"`
	PersistedLSN string    `json:"persisted_lsn"`
	AppliedLSN   string    `json:"applied_lsn"`
	LastSeen     time.Time `json:"last_seen"`
}

// Status returns the connected standbys sorted by replica ID
func (s *StreamServer) Status() []ReplicaStatus {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	statuses := make([]ReplicaStatus, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.mu.Lock()
		statuses = append(statuses, ReplicaStatus{
			ReplicaID:    sess.replicaID,
			SlotName:     sess.slotName,
			Sync:         sess.sync,
			PersistedLSN: sess.persisted.String(),
			AppliedLSN:   sess.applied.String(),
			LastSeen:     sess.lastSeen,
		})
		sess.mu.Unlock()
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ReplicaID < statuses[j].ReplicaID })
	return statuses
}
