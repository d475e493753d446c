package health

import (
	"time"
)

// NewHealthChecker creates an empty checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:      make(map[string]CheckFunc),
		readyChecks: make(map[string]CheckFunc),
		liveChecks:  make(map[string]CheckFunc),
	}
}

// RegisterCheck registers a check reported by the full health endpoint
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// RegisterReadinessCheck registers a check gating readiness. A standby that
// is still catching up registers its streaming state here so load balancers
// hold traffic until replay is current.
func (hc *HealthChecker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.readyChecks[name] = check
}

// RegisterLivenessCheck registers a check gating liveness
func (hc *HealthChecker) RegisterLivenessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.liveChecks[name] = check
}

// Check runs every registered health check
func (hc *HealthChecker) Check() Response {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.performChecks(hc.checks)
}

// CheckReadiness runs the readiness checks
func (hc *HealthChecker) CheckReadiness() Response {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.performChecks(hc.readyChecks)
}

// CheckLiveness runs the liveness checks
func (hc *HealthChecker) CheckLiveness() Response {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.performChecks(hc.liveChecks)
}

// performChecks runs a check set; the worst component status wins
func (hc *HealthChecker) performChecks(checksMap map[string]CheckFunc) Response {
	response := Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]Check),
	}

	for name, checkFunc := range checksMap {
		start := time.Now()
		check := checkFunc()
		check.Duration = time.Since(start)
		check.LastChecked = start

		response.Checks[name] = check

		if check.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
		} else if check.Status == StatusDegraded && response.Status != StatusUnhealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}
