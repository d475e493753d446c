package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWorstStatusWins(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck("ok", func() Check { return Check{Status: StatusHealthy} })
	hc.RegisterCheck("slow", func() Check { return Check{Status: StatusDegraded} })

	if resp := hc.Check(); resp.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", resp.Status)
	}

	hc.RegisterCheck("dead", func() Check { return Check{Status: StatusUnhealthy} })
	if resp := hc.Check(); resp.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", resp.Status)
	}
}

func TestCheckSetsAreIndependent(t *testing.T) {
	hc := NewHealthChecker()
	var healthCalls, readyCalls int
	hc.RegisterCheck("h", func() Check { healthCalls++; return Check{Status: StatusHealthy} })
	hc.RegisterReadinessCheck("r", func() Check { readyCalls++; return Check{Status: StatusHealthy} })

	hc.Check()
	if healthCalls != 1 || readyCalls != 0 {
		t.Errorf("Check ran wrong sets: health=%d ready=%d", healthCalls, readyCalls)
	}
	hc.CheckReadiness()
	if readyCalls != 1 {
		t.Errorf("CheckReadiness did not run readiness checks")
	}
}

func TestArchiveCheck_LagDegrades(t *testing.T) {
	lastArchived, current := uint64(3), uint64(5)
	check := ArchiveCheck(4, func() (uint64, uint64, int) { return lastArchived, current, 0 })

	if got := check(); got.Status != StatusHealthy {
		t.Errorf("lag 1 within threshold should be healthy, got %s: %s", got.Status, got.Message)
	}

	current = 20
	if got := check(); got.Status != StatusDegraded {
		t.Errorf("lag over threshold should be degraded, got %s", got.Status)
	}
}

func TestPrimaryReplicationCheck_QuorumUnmet(t *testing.T) {
	connected := 0
	check := PrimaryReplicationCheck(func() (int, int) { return connected, 1 })

	if got := check(); got.Status != StatusUnhealthy {
		t.Errorf("sync quorum without standbys should be unhealthy, got %s", got.Status)
	}
	connected = 1
	if got := check(); got.Status != StatusHealthy {
		t.Errorf("met quorum should be healthy, got %s", got.Status)
	}
}

func TestPrimaryReplicationCheck_AsyncStandalone(t *testing.T) {
	check := PrimaryReplicationCheck(func() (int, int) { return 0, 0 })
	if got := check(); got.Status != StatusHealthy {
		t.Errorf("async primary with no standbys should be healthy, got %s", got.Status)
	}
}

func TestStandbyReplicationCheck(t *testing.T) {
	var (
		streaming = true
		stale     bool
		fatal     error
	)
	check := StandbyReplicationCheck(func() (bool, bool, string, error) {
		return streaming, stale, "1/40", fatal
	})

	if got := check(); got.Status != StatusHealthy {
		t.Errorf("streaming standby should be healthy, got %s", got.Status)
	}

	streaming = false
	if got := check(); got.Status != StatusDegraded {
		t.Errorf("reconnecting standby should be degraded, got %s", got.Status)
	}

	fatal = errors.New("replication cursor is stale")
	if got := check(); got.Status != StatusUnhealthy {
		t.Errorf("fatal receiver error should be unhealthy, got %s", got.Status)
	}
}

func TestRecoveryCheck(t *testing.T) {
	state := "replaying"
	check := RecoveryCheck(func() string { return state })

	if got := check(); got.Status != StatusDegraded {
		t.Errorf("replaying should be degraded, got %s", got.Status)
	}
	state = "promoted"
	if got := check(); got.Status != StatusHealthy {
		t.Errorf("promoted should be healthy, got %s", got.Status)
	}
	state = "shut_down"
	if got := check(); got.Status != StatusUnhealthy {
		t.Errorf("shut_down should be unhealthy, got %s", got.Status)
	}
}

func TestDiskSpaceCheck(t *testing.T) {
	used := uint64(50)
	check := DiskSpaceCheck(func() (uint64, uint64) { return used, 100 })

	if got := check(); got.Status != StatusHealthy {
		t.Errorf("50%% usage should be healthy, got %s", got.Status)
	}
	used = 85
	if got := check(); got.Status != StatusDegraded {
		t.Errorf("85%% usage should be degraded, got %s", got.Status)
	}
	used = 99
	if got := check(); got.Status != StatusUnhealthy {
		t.Errorf("99%% usage should be unhealthy, got %s", got.Status)
	}
}

func TestReadinessHandler_NotReadyIs503(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterReadinessCheck("replication", StandbyReplicationCheck(func() (bool, bool, string, error) {
		return false, false, "0/0", nil
	}))

	rec := httptest.NewRecorder()
	hc.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHTTPHandler_DegradedIs200(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck("archive", ArchiveCheck(0, func() (uint64, uint64, int) { return 0, 10, 5 }))

	rec := httptest.NewRecorder()
	hc.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("degraded health should still be 200, got %d", rec.Code)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != StatusDegraded {
		t.Errorf("expected degraded in body, got %s", resp.Status)
	}
}
