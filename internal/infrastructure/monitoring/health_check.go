package monitoring

import (
	"context"
	"sync"
	"time"
)

// CheckFunc probes one dependency. It reports healthy and, when unhealthy,
// the reason.
type CheckFunc func(ctx context.Context) (bool, error)

type healthCheck struct {
	name     string
	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
}

// HealthChecker aggregates dependency probes for the daemon's health
// endpoint. Checks run on demand via CheckAll and, optionally, on their own
// intervals in the background; the background results feed Healthy.
type HealthChecker struct {
	mu         sync.RWMutex
	checks     []healthCheck
	lastResult map[string]string
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		lastResult: make(map[string]string),
	}
}

func (h *HealthChecker) AddCheck(name string, check CheckFunc, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, healthCheck{
		name:     name,
		check:    check,
		interval: interval,
		timeout:  timeout,
	})
}

// CheckAll runs every registered check now and aggregates the results. The
// overall status is unhealthy if any single check fails.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make([]healthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	for _, c := range checks {
		result := h.runCheck(ctx, c)
		status.Checks[c.name] = result
		if result != "healthy" {
			status.Status = "unhealthy"
		}
	}

	return status
}

// Healthy reports the aggregate of the most recent results recorded by
// CheckAll or the background loops. True when no check has run yet.
func (h *HealthChecker) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, result := range h.lastResult {
		if result != "healthy" {
			return false
		}
	}
	return true
}

// StartBackgroundChecks runs every check on its own interval until ctx is
// cancelled, keeping the cached results fresh for Healthy.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	checks := make([]healthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	for _, c := range checks {
		go h.runPeriodically(ctx, c)
	}
}

func (h *HealthChecker) runCheck(ctx context.Context, c healthCheck) string {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	healthy, err := c.check(checkCtx)
	cancel()

	result := "healthy"
	switch {
	case err != nil:
		result = err.Error()
	case !healthy:
		result = "check failed"
	}

	h.mu.Lock()
	h.lastResult[c.name] = result
	h.mu.Unlock()
	return result
}

func (h *HealthChecker) runPeriodically(ctx context.Context, c healthCheck) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.runCheck(ctx, c)
		}
	}
}
