package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-wald/pkg/config"
	"github.com/dd0wney/cluso-wald/pkg/health"
	"github.com/dd0wney/cluso-wald/pkg/metrics"
)

func testConfig(t *testing.T, role string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ID = role + "-test"
	cfg.Node.Role = role
	cfg.Node.DataDir = t.TempDir()
	cfg.WAL.SegmentSize = 4096
	cfg.WAL.FsyncOnAppend = false
	cfg.WAL.RecycleInterval = 50 * time.Millisecond
	cfg.Replication.ListenAddr = "127.0.0.1:0"
	cfg.Replication.HeartbeatInterval = 100 * time.Millisecond
	cfg.Replication.ReconnectDelay = 50 * time.Millisecond
	return cfg
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEngine_PrimaryServesWrites(t *testing.T) {
	ctx := context.Background()
	e := New(testConfig(t, "primary"), nil, metrics.NewRegistry())
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	lsn, err := e.Put(ctx, []byte("alpha"), []byte("1"))
	require.NoError(t, err)
	require.False(t, lsn.IsZero())
	_, err = e.Commit(ctx, 1)
	require.NoError(t, err)

	value, err := e.Store().Get([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, "1", string(value))

	status := e.Status()
	require.Equal(t, "primary", status.Role)
	require.NotEqual(t, "0/0", status.LastLSN)
}

func TestEngine_StandbyFollowsPrimary(t *testing.T) {
	ctx := context.Background()
	reg := metrics.NewRegistry()

	primary := New(testConfig(t, "primary"), nil, reg)
	require.NoError(t, primary.Start(ctx))
	defer primary.Stop()

	standbyCfg := testConfig(t, "standby")
	standbyCfg.Replication.PrimaryAddr = primary.ReplicationAddr()
	standbyCfg.Replication.SlotName = "standby_1"
	standby := New(standbyCfg, nil, metrics.NewRegistry())
	require.NoError(t, standby.Start(ctx))
	defer standby.Stop()

	for i := 0; i < 20; i++ {
		_, err := primary.Put(ctx, []byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	_, err := primary.Commit(ctx, 1)
	require.NoError(t, err)

	waitUntil(t, 5*time.Second, func() bool {
		_, err := standby.Store().Get([]byte("k19"))
		return err == nil
	})

	value, err := standby.Store().Get([]byte("k0"))
	require.NoError(t, err)
	require.Equal(t, "v0", string(value))

	// Writes are refused on the standby
	_, err = standby.Put(ctx, []byte("x"), []byte("y"))
	require.ErrorIs(t, err, ErrNotPrimary)
}

func TestEngine_StandbyPromotion(t *testing.T) {
	ctx := context.Background()

	primary := New(testConfig(t, "primary"), nil, metrics.NewRegistry())
	require.NoError(t, primary.Start(ctx))

	standbyCfg := testConfig(t, "standby")
	standbyCfg.Replication.PrimaryAddr = primary.ReplicationAddr()
	standbyCfg.Replication.SlotName = "standby_1"
	standby := New(standbyCfg, nil, metrics.NewRegistry())
	require.NoError(t, standby.Start(ctx))
	defer standby.Stop()

	_, err := primary.Put(ctx, []byte("replicated"), []byte("1"))
	require.NoError(t, err)
	waitUntil(t, 5*time.Second, func() bool {
		_, err := standby.Store().Get([]byte("replicated"))
		return err == nil
	})

	oldTimeline := standby.Manager().Timeline()
	require.NoError(t, primary.Stop())
	require.NoError(t, standby.Promote())

	require.Greater(t, standby.Manager().Timeline(), oldTimeline)
	_, err = standby.Put(ctx, []byte("post-promotion"), []byte("1"))
	require.NoError(t, err)

	value, err := standby.Store().Get([]byte("post-promotion"))
	require.NoError(t, err)
	require.Equal(t, "1", string(value))
}

func TestEngine_CheckpointRecyclesSegments(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "primary")
	cfg.WAL.RecycleInterval = time.Hour // only explicit checkpoints
	e := New(cfg, nil, metrics.NewRegistry())
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	// Enough writes to roll several segments
	payload := make([]byte, 512)
	for i := 0; i < 40; i++ {
		_, err := e.Put(ctx, []byte(fmt.Sprintf("key%d", i)), payload)
		require.NoError(t, err)
	}
	require.Greater(t, e.Manager().CurrentLSN().Segment, uint64(2))

	redo, recycled, err := e.Checkpoint()
	require.NoError(t, err)
	require.False(t, redo.IsZero())
	require.Greater(t, recycled, 0)
	require.Greater(t, e.Manager().OldestSegment(), uint64(1))
}

func TestEngine_RestorePointRequiresPrimary(t *testing.T) {
	ctx := context.Background()

	primary := New(testConfig(t, "primary"), nil, metrics.NewRegistry())
	require.NoError(t, primary.Start(ctx))
	defer primary.Stop()

	lsn, err := primary.CreateRestorePoint("pre-deploy")
	require.NoError(t, err)
	require.False(t, lsn.IsZero())
}

func TestEngine_HealthEndpointsReflectRole(t *testing.T) {
	ctx := context.Background()
	e := New(testConfig(t, "primary"), nil, metrics.NewRegistry())
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	resp := e.Health().Check()
	require.Contains(t, resp.Checks, "wal")
	require.Contains(t, resp.Checks, "replication")
	require.Equal(t, health.StatusHealthy, resp.Checks["wal"].Status)
}

func TestEngine_StandbyAdvancesRedoFromWatermark(t *testing.T) {
	ctx := context.Background()

	primary := New(testConfig(t, "primary"), nil, metrics.NewRegistry())
	require.NoError(t, primary.Start(ctx))
	defer primary.Stop()

	standbyCfg := testConfig(t, "standby")
	standbyCfg.Replication.PrimaryAddr = primary.ReplicationAddr()
	standbyCfg.Replication.SlotName = "standby_1"
	standby := New(standbyCfg, nil, metrics.NewRegistry())
	require.NoError(t, standby.Start(ctx))
	defer standby.Stop()

	_, err := primary.Put(ctx, []byte("k"), []byte("v"))
	require.NoError(t, err)
	waitUntil(t, 5*time.Second, func() bool {
		applied, err := standby.Store().AppliedLSN()
		return err == nil && !applied.IsZero()
	})

	// The maintenance loop moves the standby's redo point to the applied
	// watermark without appending anything to its log
	before := standby.Manager().CurrentLSN()
	waitUntil(t, 5*time.Second, func() bool {
		return !standby.Manager().RedoPoint().IsZero()
	})
	require.Equal(t, before, standby.Manager().CurrentLSN(), "standby must not append records of its own")
}
