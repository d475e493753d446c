package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-wald/pkg/archive"
	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/metrics"
	"github.com/dd0wney/cluso-wald/pkg/state"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// State is the recovery state machine position
type State int

const (
	StateIdle State = iota
	StateRestoring
	StateReplaying
	StateTargetReached
	StatePaused
	StatePromoted
	StateShutDown
)

// String returns the state name used in logs and metrics
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRestoring:
		return "restoring"
	case StateReplaying:
		return "replaying"
	case StateTargetReached:
		return "target_reached"
	case StatePaused:
		return "paused"
	case StatePromoted:
		return "promoted"
	case StateShutDown:
		return "shut_down"
	default:
		return "unknown"
	}
}

// AfterTargetAction is what happens once the target is reached
type AfterTargetAction int

const (
	// ActionPause holds the instance read-only awaiting Promote or Shutdown
	ActionPause AfterTargetAction = iota
	// ActionPromote switches to a new timeline and opens for writes
	ActionPromote
	// ActionShutdown stops the process after reaching the target
	ActionShutdown
)

// Recovery errors
var (
	// ErrUnrecoverableGap means required history is missing from both the
	// archive and the local log. Replay never skips a gap.
	ErrUnrecoverableGap = errors.New("unrecoverable gap in log history")
	// ErrTargetNotReached means the available history ended before the
	// requested target
	ErrTargetNotReached = errors.New("recovery target not reached before end of history")
	// ErrNotPaused is returned by Promote/Shutdown outside the paused state
	ErrNotPaused = errors.New("recovery is not paused")
)

// Options configures a Coordinator
type Options struct {
	// WALDir is where segments are restored to and replayed from
	WALDir string
	// Sink is the archive to restore from; nil replays local segments only
	Sink archive.Sink
	// Store is the state being rebuilt
	Store *state.Store
	// Target is the stopping point
	Target Target
	// AfterTarget selects the post-target behavior
	AfterTarget AfterTargetAction
	// SegmentSize must match the size the log was written with so a
	// promoted node continues placement deterministically
	SegmentSize uint32
	Logger      logging.Logger
	Metrics     *metrics.Registry
}

// Result is the terminal outcome of a recovery run
type Result struct {
	FinalState State
	AppliedLSN wal.LSN
	Timeline   uint32
	Replayed   uint64
	// Manager is the promoted log manager, set only when FinalState is
	// StatePromoted. The caller owns it.
	Manager *wal.Manager
}

// Coordinator drives point-in-time recovery: restore segments from the
// archive, replay them into the state store up to the target, then pause,
// promote, or shut down. The state machine only moves forward; a failed
// run is restarted from scratch, which is safe because apply is
// idempotent.
type Coordinator struct {
	opts    Options
	logger  logging.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	state    State
	applied  wal.LSN
	timeline uint32
	replayed uint64

	promoteCh  chan struct{}
	shutdownCh chan struct{}
	signalOnce sync.Once
}

// NewCoordinator creates a recovery coordinator
func NewCoordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}
	if opts.SegmentSize == 0 {
		opts.SegmentSize = wal.DefaultSegmentSize
	}

	return &Coordinator{
		opts:       opts,
		logger:     opts.Logger.With(logging.Component("recovery")),
		metrics:    opts.Metrics,
		state:      StateIdle,
		promoteCh:  make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// setState transitions the state machine
func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.metrics.SetRecoveryState(s.String())
	c.logger.Info("recovery state", logging.String("state", s.String()))
}

// RecoveryStatus is a point-in-time view of recovery progress
type RecoveryStatus struct {
	State      string `json:"state"`
	Target     string `json:"target"`
	AppliedLSN string `json:"applied_lsn"`
	Timeline   uint32 `json:"timeline"`
	Replayed   uint64 `json:"records_replayed"`
}

// Status reports recovery progress
func (c *Coordinator) Status() RecoveryStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RecoveryStatus{
		State:      c.state.String(),
		Target:     c.opts.Target.String(),
		AppliedLSN: c.applied.String(),
		Timeline:   c.timeline,
		Replayed:   c.replayed,
	}
}

// Promote releases a paused recovery into promotion
func (c *Coordinator) Promote() error {
	c.mu.Lock()
	paused := c.state == StatePaused
	c.mu.Unlock()
	if !paused {
		return ErrNotPaused
	}
	c.signalOnce.Do(func() { close(c.promoteCh) })
	return nil
}

// Shutdown releases a paused recovery into shutdown
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	paused := c.state == StatePaused
	c.mu.Unlock()
	if !paused {
		return ErrNotPaused
	}
	c.signalOnce.Do(func() { close(c.shutdownCh) })
	return nil
}

// Run executes recovery to completion. A failed attempt halts back in
// StateIdle carrying its diagnostic; it can be retried from scratch.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	c.metrics.RecoveryAttemptsTotal.WithLabelValues("started").Inc()

	result, err := c.run(ctx)
	if err != nil {
		c.setState(StateIdle)
		c.metrics.RecoveryAttemptsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	c.metrics.RecoveryAttemptsTotal.WithLabelValues("completed").Inc()
	return result, nil
}

func (c *Coordinator) run(ctx context.Context) (*Result, error) {
	applied, err := c.opts.Store.AppliedLSN()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.applied = applied
	c.mu.Unlock()

	// Restore: pull archived segments covering everything from the state's
	// watermark forward. Already-present local segments are overwritten
	// with their archived copies, which are identical by construction.
	c.setState(StateRestoring)
	if c.opts.Sink != nil {
		fetched, err := archive.RestoreSegments(ctx, c.opts.Sink, c.opts.WALDir, applied.Segment)
		if err != nil {
			return nil, fmt.Errorf("archive restore failed: %w", err)
		}
		c.metrics.RecoverySegmentsFetched.Add(float64(fetched))
		c.logger.Info("archive restore complete", logging.Count(fetched))
	}

	// Replay: strictly ordered, stop exactly at the target
	c.setState(StateReplaying)
	reached, err := c.replay(ctx, applied)
	if err != nil {
		return nil, err
	}
	if !reached {
		switch c.opts.Target.Kind {
		case TargetNone, TargetImmediate:
			// Exhausting the log satisfies end-of-log recovery, and an
			// immediate target with nothing to replay stops at the
			// backup's consistency point
		default:
			return nil, fmt.Errorf("%w: %s", ErrTargetNotReached, c.opts.Target)
		}
	}
	c.setState(StateTargetReached)

	c.mu.Lock()
	result := &Result{
		AppliedLSN: c.applied,
		Timeline:   c.timeline,
		Replayed:   c.replayed,
	}
	c.mu.Unlock()

	action := c.opts.AfterTarget
	if action == ActionPause {
		c.setState(StatePaused)
		select {
		case <-ctx.Done():
			result.FinalState = StateShutDown
			c.setState(StateShutDown)
			return result, nil
		case <-c.shutdownCh:
			result.FinalState = StateShutDown
			c.setState(StateShutDown)
			return result, nil
		case <-c.promoteCh:
			action = ActionPromote
		}
	}

	switch action {
	case ActionPromote:
		mgr, err := c.promote()
		if err != nil {
			return nil, err
		}
		result.Manager = mgr
		result.Timeline = mgr.Timeline()
		result.FinalState = StatePromoted
		c.setState(StatePromoted)
	case ActionShutdown:
		result.FinalState = StateShutDown
		c.setState(StateShutDown)
	}
	return result, nil
}

// replay applies restored records up to the target. Returns whether the
// target was explicitly reached.
func (c *Coordinator) replay(ctx context.Context, from wal.LSN) (bool, error) {
	reader, err := wal.OpenDirReader(c.opts.WALDir, from)
	if err != nil {
		return false, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		rec, err := reader.Next()
		if errors.Is(err, wal.ErrEndOfLog) {
			return false, nil
		}
		var gap *wal.GapError
		if errors.As(err, &gap) {
			c.logger.Error("history gap during replay",
				logging.LSNKey("gap_from", gap.From),
				logging.LSNKey("gap_to", gap.To))
			return false, fmt.Errorf("%w: %v", ErrUnrecoverableGap, gap)
		}
		if err != nil {
			return false, err
		}

		switch c.opts.Target.decide(rec) {
		case decisionStopBefore:
			return true, nil
		case decisionStopAfter:
			if err := c.apply(rec); err != nil {
				return false, err
			}
			return true, nil
		default:
			if err := c.apply(rec); err != nil {
				return false, err
			}
		}
	}
}

// apply replays one record into the state store
func (c *Coordinator) apply(rec *wal.Record) error {
	if err := c.opts.Store.Apply(rec); err != nil {
		return fmt.Errorf("replay of %s failed: %w", rec.LSN, err)
	}
	c.mu.Lock()
	c.applied = rec.LSN
	c.timeline = rec.TimelineID
	c.replayed++
	c.mu.Unlock()
	c.metrics.RecoveryRecordsReplayed.Inc()
	return nil
}

// promote opens the log for writes on a fresh timeline. History after the
// stop point on the old timeline stays readable in the archive but is
// never overwritten.
func (c *Coordinator) promote() (*wal.Manager, error) {
	c.mu.Lock()
	applied := c.applied
	c.mu.Unlock()

	// Drop restored segments past the stop point so the new timeline's
	// writes cannot interleave with history we chose not to replay
	if err := wal.TruncateAfter(c.opts.WALDir, applied); err != nil {
		return nil, err
	}

	mgr, err := wal.Open(c.opts.WALDir, wal.Options{
		SegmentSize: c.opts.SegmentSize,
		Fsync:       true,
		Logger:      c.logger,
		Metrics:     c.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log for promotion: %w", err)
	}

	newTimeline, switchLSN, err := mgr.SwitchTimeline()
	if err != nil {
		mgr.Close()
		return nil, err
	}
	c.logger.Info("promoted",
		logging.Timeline(newTimeline),
		logging.LSNKey("switch_lsn", switchLSN))
	return mgr, nil
}
