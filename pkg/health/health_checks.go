package health

// Checks take closures rather than component types so the wiring layer
// decides what to expose and this package stays import-light.

// WALCheck reports the log manager's position. A manager that cannot
// report a position has been closed underneath us.
func WALCheck(get func() (lastLSN string, oldestSegment, currentSegment uint64, timeline uint32)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "wal",
			Details: make(map[string]any),
		}

		lastLSN, oldest, current, timeline := get()
		check.Details["last_lsn"] = lastLSN
		check.Details["oldest_segment"] = oldest
		check.Details["current_segment"] = current
		check.Details["timeline"] = timeline

		check.Status = StatusHealthy
		check.Message = "Log open"
		return check
	}
}

// ArchiveCheck reports archiver progress. The archiver never skips a
// segment, so a growing gap between the current segment and the last
// archived one means the sink is failing and retention is pinned.
func ArchiveCheck(maxLagSegments uint64, get func() (lastArchived, currentSegment uint64, backlog int)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "archive",
			Details: make(map[string]any),
		}

		lastArchived, current, backlog := get()
		var lag uint64
		if current > 0 {
			// The current segment is still being written; only sealed
			// segments count as archivable
			lag = current - 1 - lastArchived
		}
		check.Details["last_archived_segment"] = lastArchived
		check.Details["current_segment"] = current
		check.Details["backlog"] = backlog
		check.Details["lag_segments"] = lag

		switch {
		case lag > maxLagSegments:
			check.Status = StatusDegraded
			check.Message = "Archive falling behind, retention is pinned"
		default:
			check.Status = StatusHealthy
			check.Message = "Archive current"
		}
		return check
	}
}

// PrimaryReplicationCheck reports streaming state on a primary. With a
// synchronous quorum configured, too few connected standbys means commits
// will block until the quorum times out.
func PrimaryReplicationCheck(get func() (connected, syncQuorum int)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "replication",
			Details: make(map[string]any),
		}

		connected, quorum := get()
		check.Details["connected_standbys"] = connected
		check.Details["sync_quorum"] = quorum

		switch {
		case quorum > 0 && connected < quorum:
			check.Status = StatusUnhealthy
			check.Message = "Synchronous quorum not met"
		case connected == 0:
			check.Status = StatusHealthy
			check.Message = "No standbys connected"
		default:
			check.Status = StatusHealthy
			check.Message = "Streaming to standbys"
		}
		return check
	}
}

// StandbyReplicationCheck reports a standby's receive state. A fatal
// receiver error (stale cursor, diverged timeline) is unhealthy and needs
// an operator; a disconnected receiver that is still retrying is degraded.
func StandbyReplicationCheck(get func() (streaming, stale bool, appliedLSN string, fatal error)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "replication",
			Details: make(map[string]any),
		}

		streaming, stale, applied, fatal := get()
		check.Details["streaming"] = streaming
		check.Details["applied_lsn"] = applied

		switch {
		case fatal != nil:
			check.Status = StatusUnhealthy
			check.Message = fatal.Error()
		case !streaming:
			check.Status = StatusDegraded
			check.Message = "Not connected to primary, reconnecting"
		case stale:
			check.Status = StatusDegraded
			check.Message = "Replay delay over threshold"
		default:
			check.Status = StatusHealthy
			check.Message = "Streaming from primary"
		}
		return check
	}
}

// RecoveryCheck reports recovery progress. A recovering node is never
// ready; it turns healthy once promoted.
func RecoveryCheck(get func() (state string)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "recovery",
			Details: make(map[string]any),
		}

		state := get()
		check.Details["state"] = state

		switch state {
		case "promoted":
			check.Status = StatusHealthy
			check.Message = "Recovery complete, accepting writes"
		case "paused", "target_reached":
			check.Status = StatusDegraded
			check.Message = "Recovery paused at target"
		case "shut_down":
			check.Status = StatusUnhealthy
			check.Message = "Recovery stopped"
		default:
			check.Status = StatusDegraded
			check.Message = "Recovery in progress"
		}
		return check
	}
}

// DiskSpaceCheck watches the data directory's filesystem. The log can
// only grow while retention is pinned, so low disk is an early warning.
func DiskSpaceCheck(get func() (used, total uint64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "disk_space",
			Details: make(map[string]any),
		}

		used, total := get()
		if total == 0 {
			check.Status = StatusHealthy
			check.Message = "Disk usage unknown"
			return check
		}
		usagePercent := float64(used) / float64(total) * 100
		check.Details["used_bytes"] = used
		check.Details["total_bytes"] = total
		check.Details["usage_percent"] = usagePercent

		switch {
		case usagePercent > 95:
			check.Status = StatusUnhealthy
			check.Message = "Critical disk space"
		case usagePercent > 80:
			check.Status = StatusDegraded
			check.Message = "Low disk space"
		default:
			check.Status = StatusHealthy
			check.Message = "Sufficient disk space"
		}
		return check
	}
}
