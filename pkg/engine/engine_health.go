package engine

import (
	"runtime"
	"syscall"

	"github.com/dd0wney/cluso-wald/pkg/health"
)

// archiveLagAlertSegments is how far the archiver may trail the current
// segment before health turns degraded
const archiveLagAlertSegments = 16

// registerHealthChecks wires the node's components into the health checker
func (e *Engine) registerHealthChecks() {
	e.checker.RegisterCheck("wal", health.WALCheck(func() (string, uint64, uint64, uint32) {
		last := e.mgr.CurrentLSN()
		return last.String(), e.mgr.OldestSegment(), last.Segment, e.mgr.Timeline()
	}))

	if e.archiver != nil {
		e.checker.RegisterCheck("archive", health.ArchiveCheck(archiveLagAlertSegments,
			func() (uint64, uint64, int) {
				return e.archiver.LastArchived(), e.mgr.CurrentLSN().Segment, e.archiver.Backlog()
			}))
	}

	switch e.role {
	case "primary":
		primaryCheck := health.PrimaryReplicationCheck(func() (int, int) {
			connected := len(e.primary.Status())
			quorum := 0
			if e.cfg.Replication.Mode == "sync" {
				quorum = e.cfg.Replication.SyncQuorum
			}
			return connected, quorum
		})
		e.checker.RegisterCheck("replication", primaryCheck)
		// Overwrites the standby readiness check after a promotion
		e.checker.RegisterReadinessCheck("replication", primaryCheck)
	case "standby":
		standbyCheck := health.StandbyReplicationCheck(func() (bool, bool, string, error) {
			st := e.receiverStatus()
			return st.Connected, st.Stale, st.AppliedLSN, e.receiverErr()
		})
		e.checker.RegisterCheck("replication", standbyCheck)
		// A standby is only ready while it is streaming and current
		e.checker.RegisterReadinessCheck("replication", standbyCheck)
	}

	e.checker.RegisterCheck("disk_space", health.DiskSpaceCheck(func() (uint64, uint64) {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(e.cfg.Node.DataDir, &stat); err != nil {
			return 0, 0
		}
		total := stat.Blocks * uint64(stat.Bsize)
		free := stat.Bavail * uint64(stat.Bsize)
		return total - free, total
	}))

	e.checker.RegisterLivenessCheck("process", func() health.Check {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		return health.Check{
			Name:   "process",
			Status: health.StatusHealthy,
			Details: map[string]any{
				"goroutines":  runtime.NumGoroutine(),
				"alloc_bytes": mem.Alloc,
			},
		}
	})
}

// receiverStatus tolerates the receiver disappearing during promotion
func (e *Engine) receiverStatus() (st receiverStatusView) {
	e.mu.Lock()
	r := e.receiver
	e.mu.Unlock()
	if r != nil {
		s := r.Status()
		return receiverStatusView{Connected: s.Connected, Stale: s.Stale, AppliedLSN: s.AppliedLSN}
	}
	return receiverStatusView{}
}

func (e *Engine) receiverErr() error {
	e.mu.Lock()
	r := e.receiver
	e.mu.Unlock()
	if r != nil {
		return r.Err()
	}
	return nil
}

type receiverStatusView struct {
	Connected  bool
	Stale      bool
	AppliedLSN string
}
