package archive

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/metrics"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// segmentObjectSuffix marks snappy-compressed segment objects in the sink
const segmentObjectSuffix = ".sz"

// SegmentObjectName returns the sink object name for a segment index
func SegmentObjectName(index uint64) string {
	return wal.SegmentFileName(index) + segmentObjectSuffix
}

// ParseSegmentObjectName extracts the segment index from a sink object name
func ParseSegmentObjectName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, segmentObjectSuffix)
	if !ok {
		return 0, false
	}
	index, err := wal.ParseSegmentFileName(base)
	if err != nil {
		return 0, false
	}
	return index, true
}

// Options configures an Archiver
type Options struct {
	Manager *wal.Manager
	Sink    Sink
	// RetryInterval is the initial backoff after a failed attempt
	RetryInterval time.Duration
	// MaxRetryInterval caps the backoff
	MaxRetryInterval time.Duration
	// MaxRetryWindow is how long a single segment may keep failing before
	// an alert is raised. Archiving still keeps retrying after the alert.
	MaxRetryWindow time.Duration
	Logger         logging.Logger
	Metrics        *metrics.Registry
}

// Archiver copies sealed segments to the archive sink, strictly in segment
// order. A failing segment is retried with backoff and never skipped:
// skipping would leave an undetected hole in the archived history.
type Archiver struct {
	manager *wal.Manager
	sink    Sink
	logger  logging.Logger
	metrics *metrics.Registry

	retryInterval    time.Duration
	maxRetryInterval time.Duration
	maxRetryWindow   time.Duration

	queue        chan wal.SegmentInfo
	resyncNeeded atomic.Bool
	lastArchived atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an Archiver. Call Start to begin archiving and wire Enqueue
// as the manager's seal hook.
func New(opts Options) *Archiver {
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Second
	}
	if opts.MaxRetryInterval == 0 {
		opts.MaxRetryInterval = 30 * time.Second
	}
	if opts.MaxRetryWindow == 0 {
		opts.MaxRetryWindow = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}

	return &Archiver{
		manager:          opts.Manager,
		sink:             opts.Sink,
		logger:           opts.Logger.With(logging.Component("archiver")),
		metrics:          opts.Metrics,
		retryInterval:    opts.RetryInterval,
		maxRetryInterval: opts.MaxRetryInterval,
		maxRetryWindow:   opts.MaxRetryWindow,
		queue:            make(chan wal.SegmentInfo, 256),
		done:             make(chan struct{}),
	}
}

// Start resynchronizes against the sink and launches the archive worker.
// Segments already present in the sink are never re-uploaded, so a crash
// between sealing and archiving is repaired by re-listing.
func (a *Archiver) Start(ctx context.Context) error {
	names, err := a.sink.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list archive sink: %w", err)
	}
	for _, name := range names {
		if index, ok := ParseSegmentObjectName(name); ok && index > a.lastArchived.Load() {
			a.lastArchived.Store(index)
		}
	}
	if last := a.lastArchived.Load(); last > 0 {
		a.manager.MarkArchived(last)
		a.metrics.ArchiveLastSegment.Set(float64(last))
	}

	if err := a.enqueueBacklog(); err != nil {
		return err
	}

	a.wg.Add(1)
	go a.run(ctx)
	return nil
}

// enqueueBacklog queues every sealed segment not yet archived
func (a *Archiver) enqueueBacklog() error {
	segments, err := a.manager.Segments()
	if err != nil {
		return err
	}
	last := a.lastArchived.Load()
	for _, info := range segments {
		if info.Sealed && info.Index > last {
			a.Enqueue(info)
		}
	}
	return nil
}

// Enqueue schedules a sealed segment for archiving. It never blocks; if the
// queue is full the worker falls back to a directory rescan, so nothing is
// lost. Safe to use as the manager's seal hook.
func (a *Archiver) Enqueue(info wal.SegmentInfo) {
	select {
	case a.queue <- info:
	default:
		a.resyncNeeded.Store(true)
	}
}

// LastArchived returns the highest segment index durably archived
func (a *Archiver) LastArchived() uint64 {
	return a.lastArchived.Load()
}

// Backlog returns how many sealed segments still await archiving
func (a *Archiver) Backlog() int {
	return len(a.queue)
}

// run is the archive worker loop
func (a *Archiver) run(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case info := <-a.queue:
			a.metrics.ArchiveBacklogSegments.Set(float64(len(a.queue)))
			if err := a.archiveSegment(ctx, info); err != nil {
				// Only cancellation gets here; retries happen inside
				return
			}
		}

		if a.resyncNeeded.Swap(false) {
			if err := a.enqueueBacklog(); err != nil {
				a.logger.Error("failed to rescan for unarchived segments", logging.Error(err))
			}
		}
	}
}

// archiveSegment uploads one segment, retrying with backoff until it
// succeeds or ctx is cancelled
func (a *Archiver) archiveSegment(ctx context.Context, info wal.SegmentInfo) error {
	if info.Index <= a.lastArchived.Load() {
		return nil // already archived, duplicate enqueue
	}

	name := SegmentObjectName(info.Index)
	firstAttempt := time.Now()
	interval := a.retryInterval
	alerted := false

	for {
		start := time.Now()
		data, err := os.ReadFile(info.Path)
		var compressed []byte
		if err == nil {
			compressed = snappy.Encode(nil, data)
			err = a.sink.Put(ctx, name, compressed)
		}
		if err == nil {
			a.metrics.RecordArchiveAttempt(true, len(compressed), time.Since(start))
			a.metrics.ArchiveLastSegment.Set(float64(info.Index))
			a.lastArchived.Store(info.Index)
			a.manager.MarkArchived(info.Index)
			a.logger.Info("segment archived",
				logging.Segment(info.Index),
				logging.Int("raw_bytes", len(data)),
				logging.Int("compressed_bytes", len(compressed)))
			return nil
		}

		a.metrics.RecordArchiveAttempt(false, 0, 0)
		a.metrics.ArchiveRetriesTotal.Inc()
		a.logger.Warn("archive attempt failed, will retry",
			logging.Segment(info.Index),
			logging.Duration("backoff", interval),
			logging.Error(err))

		if !alerted && time.Since(firstAttempt) > a.maxRetryWindow {
			alerted = true
			a.metrics.ArchiveAlerts.Inc()
			a.logger.Error("archiving has been failing beyond the alert window; retention is growing",
				logging.Segment(info.Index),
				logging.Duration("stalled_for", time.Since(firstAttempt)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			return context.Canceled
		case <-time.After(interval):
		}
		interval *= 2
		if interval > a.maxRetryInterval {
			interval = a.maxRetryInterval
		}
	}
}

// Stop halts the worker. Segments not yet archived are picked up by the
// resync on the next Start.
func (a *Archiver) Stop() {
	close(a.done)
	a.wg.Wait()
}
