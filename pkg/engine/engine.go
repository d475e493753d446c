package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-wald/pkg/archive"
	"github.com/dd0wney/cluso-wald/pkg/config"
	"github.com/dd0wney/cluso-wald/pkg/health"
	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/metrics"
	"github.com/dd0wney/cluso-wald/pkg/replication"
	"github.com/dd0wney/cluso-wald/pkg/state"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// Engine wires the log manager, archiver, replication role, and state
// store into one running node. The configured role decides the shape:
// a primary streams to standbys, a standby streams from its primary.
type Engine struct {
	cfg     *config.Config
	logger  logging.Logger
	metrics *metrics.Registry

	mgr      *wal.Manager
	cache    *wal.SegmentCache
	store    *state.Store
	sink     archive.Sink
	archiver *archive.Archiver
	slots    *replication.SlotManager
	primary  *replication.StreamServer
	receiver *replication.Receiver
	feed     *replication.Feed
	checker  *health.HealthChecker

	mu      sync.Mutex
	role    string
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine from configuration. Nothing is opened until Start.
func New(cfg *config.Config, logger logging.Logger, reg *metrics.Registry) *Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger.With(logging.Component("engine")),
		metrics: reg,
		role:    cfg.Node.Role,
		checker: health.NewHealthChecker(),
	}
}

func (e *Engine) walDir() string   { return filepath.Join(e.cfg.Node.DataDir, "wal") }
func (e *Engine) stateDir() string { return filepath.Join(e.cfg.Node.DataDir, "state") }

// currentRole is the live role; promotion flips a standby to primary
func (e *Engine) currentRole() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Start opens storage and launches the role's services
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}

	for _, dir := range []string{e.walDir(), e.stateDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	store, err := state.OpenStore(e.stateDir(), e.logger)
	if err != nil {
		cancel()
		return err
	}
	e.store = store

	if e.cfg.WAL.SegmentCacheMB > 0 {
		cache, err := wal.NewSegmentCache(e.cfg.WAL.SegmentCacheMB*1024*1024, e.metrics)
		if err != nil {
			cancel()
			return err
		}
		e.cache = cache
	}

	if err := e.openSink(ctx); err != nil {
		cancel()
		return err
	}

	mgr, err := wal.Open(e.walDir(), wal.Options{
		SegmentSize:    e.cfg.WAL.SegmentSize,
		RetainSegments: e.cfg.WAL.RetainSegments,
		Fsync:          e.cfg.WAL.FsyncOnAppend,
		Cache:          e.cache,
		OnSeal:         e.onSeal,
		Logger:         e.logger,
		Metrics:        e.metrics,
	})
	if err != nil {
		cancel()
		return err
	}
	e.mgr = mgr

	if e.sink != nil {
		e.archiver = archive.New(archive.Options{
			Manager:          mgr,
			Sink:             e.sink,
			RetryInterval:    e.cfg.Archive.RetryBase,
			MaxRetryInterval: e.cfg.Archive.RetryMax,
			MaxRetryWindow:   e.cfg.Archive.MaxRetryWindow,
			Logger:           e.logger,
			Metrics:          e.metrics,
		})
		mgr.SetArchiveGate(true)
		if err := e.archiver.Start(ctx); err != nil {
			cancel()
			return err
		}
	}

	switch e.role {
	case "primary":
		if err := e.startPrimary(); err != nil {
			cancel()
			return err
		}
	case "standby":
		e.startStandby(ctx)
	default:
		cancel()
		return fmt.Errorf("unknown role %q", e.role)
	}

	e.registerHealthChecks()

	e.wg.Add(1)
	go e.maintenanceLoop(ctx)

	e.running = true
	e.logger.Info("engine started",
		logging.String("node_id", e.cfg.Node.ID),
		logging.String("role", e.role),
		logging.LSNKey("last_lsn", mgr.CurrentLSN()),
		logging.Timeline(mgr.Timeline()))
	return nil
}

// openSink builds the archive sink from configuration
func (e *Engine) openSink(ctx context.Context) error {
	if !e.cfg.Archive.Enabled {
		return nil
	}
	switch e.cfg.Archive.Sink {
	case "directory":
		sink, err := archive.NewDirectorySink(e.cfg.Archive.Directory)
		if err != nil {
			return err
		}
		e.sink = sink
	case "s3":
		sink, err := archive.NewS3Sink(ctx, archive.S3Options{
			Region:          e.cfg.Archive.S3Region,
			Bucket:          e.cfg.Archive.S3Bucket,
			Prefix:          e.cfg.Archive.S3Prefix,
			Endpoint:        e.cfg.Archive.S3Endpoint,
			AccessKeyID:     e.cfg.Archive.S3AccessKey,
			SecretAccessKey: e.cfg.Archive.S3SecretKey,
		})
		if err != nil {
			return err
		}
		e.sink = sink
	}
	return nil
}

// onSeal is the manager's seal hook; it runs on the appending goroutine
// and must stay non-blocking
func (e *Engine) onSeal(info wal.SegmentInfo) {
	if e.archiver != nil {
		e.archiver.Enqueue(info)
	}
}

func (e *Engine) startPrimary() error {
	slots, err := replication.NewSlotManager(
		e.cfg.Node.DataDir, e.cfg.Replication.MaxPinnedSegments, e.logger, e.metrics)
	if err != nil {
		return err
	}
	e.slots = slots
	e.mgr.SetSlotFloor(slots.Floor)

	syncQuorum := 0
	if e.cfg.Replication.Mode == "sync" {
		syncQuorum = e.cfg.Replication.SyncQuorum
	}
	e.primary = replication.NewStreamServer(replication.ServerOptions{
		ListenAddr:        e.cfg.Replication.ListenAddr,
		PrimaryID:         e.cfg.Node.ID,
		HeartbeatInterval: e.cfg.Replication.HeartbeatInterval,
		HeartbeatTimeout:  e.cfg.Replication.HeartbeatTimeout,
		SyncQuorum:        syncQuorum,
		SendBuffer:        e.cfg.Replication.SendBufferRecords,
		Manager:           e.mgr,
		Slots:             slots,
		Sink:              e.sink,
		Logger:            e.logger,
		Metrics:           e.metrics,
	})
	if err := e.primary.Start(); err != nil {
		return err
	}

	if addr := e.cfg.Replication.FeedListenAddr; addr != "" {
		feed, err := replication.NewFeed(addr, e.logger)
		if err != nil {
			return err
		}
		e.feed = feed
	}
	return nil
}

func (e *Engine) startStandby(ctx context.Context) {
	e.receiver = replication.NewReceiver(replication.ReceiverOptions{
		PrimaryAddr:       e.cfg.Replication.PrimaryAddr,
		ReplicaID:         e.cfg.Node.ID,
		SlotName:          e.cfg.Replication.SlotName,
		Sync:              e.cfg.Replication.Mode == "sync",
		Manager:           e.mgr,
		Applier:           e.store,
		ApplyBuffer:       e.cfg.Replication.SendBufferRecords,
		ReconnectInterval: e.cfg.Replication.ReconnectDelay,
		MaxReplayDelay:    e.cfg.Replication.MaxReplayDelay,
		Logger:            e.logger,
		Metrics:           e.metrics,
	})
	e.receiver.Start(ctx)
}

// maintenanceLoop periodically checkpoints and recycles segments.
// A standby advances its redo point from the applied watermark instead of
// appending checkpoint records, which would fork its log from the stream.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg.WAL.RecycleInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.currentRole() == "primary" {
				if _, err := e.mgr.Checkpoint(); err != nil {
					e.logger.Error("periodic checkpoint failed", logging.Error(err))
					continue
				}
			} else {
				applied, err := e.store.AppliedLSN()
				if err != nil {
					e.logger.Error("failed to read applied watermark", logging.Error(err))
					continue
				}
				if err := e.mgr.AdvanceRedo(applied); err != nil {
					e.logger.Error("failed to advance redo point", logging.Error(err))
					continue
				}
			}
			if n, err := e.mgr.RecycleSegments(); err != nil {
				e.logger.Error("segment recycling failed", logging.Error(err))
			} else if n > 0 {
				e.logger.Info("recycled segments", logging.Count(n))
			}
		}
	}
}

// Stop shuts the node down in dependency order: stop traffic first, then
// flush the log, then close storage.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	e.cancel()
	e.wg.Wait()

	if e.receiver != nil {
		e.receiver.Stop()
	}
	if e.primary != nil {
		e.primary.Stop()
	}
	if e.feed != nil {
		e.feed.Close()
	}
	if e.archiver != nil {
		e.archiver.Stop()
	}

	var firstErr error
	if err := e.mgr.Close(); err != nil {
		firstErr = err
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.cache != nil {
		e.cache.Close()
	}
	e.logger.Info("engine stopped")
	return firstErr
}

// Health returns the node's health checker for the admin server
func (e *Engine) Health() *health.HealthChecker { return e.checker }

// Manager exposes the log manager to the admin surface
func (e *Engine) Manager() *wal.Manager { return e.mgr }

// Store exposes the state store
func (e *Engine) Store() *state.Store { return e.store }

// Slots returns the slot manager; nil on a standby
func (e *Engine) Slots() *replication.SlotManager { return e.slots }

// ReplicationAddr returns the stream listener's bound address; empty on a
// standby. Lets tests and service discovery use port 0.
func (e *Engine) ReplicationAddr() string {
	if e.primary == nil {
		return ""
	}
	return e.primary.Addr()
}
