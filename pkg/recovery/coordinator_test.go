package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-wald/pkg/archive"
	"github.com/dd0wney/cluso-wald/pkg/state"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// history is the primary-side fixture a recovery test restores from
type history struct {
	sink    *archive.MemorySink
	commits []wal.LSN
	// marker is the LSN of the "pre-migration" restore point
	marker wal.LSN
	// times[i] is the commit time of transaction i+1
	times []time.Time
}

// buildHistory writes a primary history and archives every segment:
// 10 transactions (each a put of key<i> then a commit), a restore point
// named "pre-migration" after the 5th, then 5 more puts overwriting the
// earlier keys.
func buildHistory(t *testing.T) *history {
	t.Helper()

	h := &history{sink: archive.NewMemorySink()}
	dir := t.TempDir()
	m, err := wal.Open(dir, wal.Options{SegmentSize: 512})
	require.NoError(t, err)

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 10; i++ {
		key := []byte(fmt.Sprintf("key%d", i))
		_, err := m.Append(wal.RecordData, state.EncodePut(key, []byte(fmt.Sprintf("v%d", i))))
		require.NoError(t, err)

		commitTime := base.Add(time.Duration(i) * time.Minute)
		lsn, err := m.Append(wal.RecordCommit, wal.EncodeCommitPayload(uint64(i), commitTime))
		require.NoError(t, err)
		h.commits = append(h.commits, lsn)
		h.times = append(h.times, commitTime)

		if i == 5 {
			h.marker, err = m.CreateRestorePoint("pre-migration")
			require.NoError(t, err)
		}
	}
	for i := 1; i <= 5; i++ {
		key := []byte(fmt.Sprintf("key%d", i))
		_, err := m.Append(wal.RecordData, state.EncodePut(key, []byte("overwritten")))
		require.NoError(t, err)
	}
	require.NoError(t, m.SealCurrentSegment())

	a := archive.New(archive.Options{Manager: m, Sink: h.sink, RetryInterval: time.Millisecond})
	require.NoError(t, a.Start(context.Background()))
	deadline := time.Now().Add(5 * time.Second)
	for a.LastArchived() < m.CurrentLSN().Segment && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	a.Stop()
	require.GreaterOrEqual(t, a.LastArchived(), h.commits[len(h.commits)-1].Segment)
	require.NoError(t, m.Close())
	return h
}

// runRecovery drives a coordinator against a fresh store and WAL dir
func runRecovery(t *testing.T, h *history, target Target, action AfterTargetAction) (*Result, *state.Store) {
	t.Helper()

	store, err := state.OpenStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := NewCoordinator(Options{
		WALDir:      t.TempDir(),
		Sink:        h.sink,
		Store:       store,
		Target:      target,
		AfterTarget: action,
		SegmentSize: 512,
	})
	result, err := c.Run(context.Background())
	require.NoError(t, err)
	return result, store
}

func TestCoordinator_EndOfLogRecovery(t *testing.T) {
	h := buildHistory(t)
	result, store := runRecovery(t, h, Target{}, ActionShutdown)

	require.Equal(t, StateShutDown, result.FinalState)
	require.NotZero(t, result.Replayed)

	// The overwrites after the marker are included at end of log
	for i := 1; i <= 5; i++ {
		value, err := store.Get([]byte(fmt.Sprintf("key%d", i)))
		require.NoError(t, err)
		require.Equal(t, "overwritten", string(value))
	}
}

func TestCoordinator_StopsAtRestorePoint(t *testing.T) {
	h := buildHistory(t)
	result, store := runRecovery(t, h,
		Target{Kind: TargetName, Name: "pre-migration"}, ActionShutdown)

	// Everything before the marker is present, nothing after it
	for i := 1; i <= 5; i++ {
		value, err := store.Get([]byte(fmt.Sprintf("key%d", i)))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%d", i), string(value))
	}
	for i := 6; i <= 10; i++ {
		_, err := store.Get([]byte(fmt.Sprintf("key%d", i)))
		require.ErrorIs(t, err, state.ErrKeyNotFound)
	}
	require.True(t, result.AppliedLSN.Less(h.marker))
}

func TestCoordinator_TimeTargetIsExact(t *testing.T) {
	h := buildHistory(t)

	// Halfway between commit 7 and commit 8
	cutoff := h.times[6].Add(30 * time.Second)
	_, store := runRecovery(t, h,
		Target{Kind: TargetTime, Time: cutoff}, ActionShutdown)

	for i := 1; i <= 7; i++ {
		value, err := store.Get([]byte(fmt.Sprintf("key%d", i)))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%d", i), string(value), "transaction %d committed before the cutoff", i)
	}
	// Transaction 8's put precedes its commit; with the commit past the
	// cutoff its data record was applied but carries no committed effect.
	// Transactions 9 and 10 are entirely absent.
	for i := 9; i <= 10; i++ {
		_, err := store.Get([]byte(fmt.Sprintf("key%d", i)))
		require.ErrorIs(t, err, state.ErrKeyNotFound)
	}
}

func TestCoordinator_XIDTarget(t *testing.T) {
	h := buildHistory(t)
	result, store := runRecovery(t, h,
		Target{Kind: TargetXID, XID: 3}, ActionShutdown)

	require.Equal(t, h.commits[2], result.AppliedLSN, "replay stops exactly after the commit of xid 3")
	for i := 1; i <= 3; i++ {
		_, err := store.Get([]byte(fmt.Sprintf("key%d", i)))
		require.NoError(t, err)
	}
	_, err := store.Get([]byte("key5"))
	require.ErrorIs(t, err, state.ErrKeyNotFound)
}

func TestCoordinator_LSNTarget(t *testing.T) {
	h := buildHistory(t)
	result, _ := runRecovery(t, h,
		Target{Kind: TargetLSN, LSN: h.commits[4]}, ActionShutdown)
	require.Equal(t, h.commits[4], result.AppliedLSN)
}

func TestCoordinator_TargetBeyondHistoryFails(t *testing.T) {
	h := buildHistory(t)

	store, err := state.OpenStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	c := NewCoordinator(Options{
		WALDir:      t.TempDir(),
		Sink:        h.sink,
		Store:       store,
		Target:      Target{Kind: TargetXID, XID: 9999},
		AfterTarget: ActionShutdown,
		SegmentSize: 512,
	})
	_, err = c.Run(context.Background())
	require.ErrorIs(t, err, ErrTargetNotReached)
	require.Equal(t, "idle", c.Status().State, "a failed attempt halts back in idle")
}

func TestCoordinator_GapIsUnrecoverable(t *testing.T) {
	h := buildHistory(t)

	// Punch a hole in the restored history
	walDir := t.TempDir()
	_, err := archive.RestoreSegments(context.Background(), h.sink, walDir, 0)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(walDir, wal.SegmentFileName(2))))

	store, err := state.OpenStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	c := NewCoordinator(Options{
		WALDir:      walDir,
		Store:       store,
		Target:      Target{},
		AfterTarget: ActionShutdown,
		SegmentSize: 512,
	})
	_, err = c.Run(context.Background())
	require.ErrorIs(t, err, ErrUnrecoverableGap)
	require.Equal(t, "idle", c.Status().State, "a failed attempt halts back in idle")
}

func TestCoordinator_ImmediateTargetOnEmptyHistory(t *testing.T) {
	// A base backup with no log to replay: an immediate target stops at
	// the backup's consistency point instead of failing
	store, err := state.OpenStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	c := NewCoordinator(Options{
		WALDir:      t.TempDir(),
		Store:       store,
		Target:      Target{Kind: TargetImmediate},
		AfterTarget: ActionShutdown,
		SegmentSize: 512,
	})
	result, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateShutDown, result.FinalState)
	require.Zero(t, result.Replayed)
}

func TestCoordinator_PromoteStartsNewTimeline(t *testing.T) {
	h := buildHistory(t)
	result, store := runRecovery(t, h,
		Target{Kind: TargetName, Name: "pre-migration"}, ActionPromote)

	require.Equal(t, StatePromoted, result.FinalState)
	require.NotNil(t, result.Manager)
	defer result.Manager.Close()

	require.Equal(t, uint32(2), result.Manager.Timeline(), "promotion switches to a new timeline")

	// The promoted node accepts writes that continue from the stop point
	lsn, err := result.Manager.Append(wal.RecordData, state.EncodePut([]byte("after-promote"), []byte("1")))
	require.NoError(t, err)
	require.True(t, result.AppliedLSN.Less(lsn))
	_ = store
}

func TestCoordinator_PauseThenPromote(t *testing.T) {
	h := buildHistory(t)

	store, err := state.OpenStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	c := NewCoordinator(Options{
		WALDir:      t.TempDir(),
		Sink:        h.sink,
		Store:       store,
		Target:      Target{Kind: TargetXID, XID: 5},
		AfterTarget: ActionPause,
		SegmentSize: 512,
	})

	resultCh := make(chan *Result, 1)
	go func() {
		result, err := c.Run(context.Background())
		require.NoError(t, err)
		resultCh <- result
	}()

	deadline := time.Now().Add(5 * time.Second)
	for c.Status().State != "paused" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, "paused", c.Status().State)

	require.NoError(t, c.Promote())

	result := <-resultCh
	require.Equal(t, StatePromoted, result.FinalState)
	require.NotNil(t, result.Manager)
	result.Manager.Close()
}
