// Package health aggregates component liveness for the /health surface:
// database reachability, service heartbeat freshness, anything a process
// registers. Each probe runs with a timeout so one hung dependency can
// never wedge the health endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
)

// probeTimeout bounds a single component check.
const probeTimeout = 2 * time.Second

// CheckFunc probes one component; nil means healthy.
type CheckFunc func(ctx context.Context) error

// HealthManager implements core.IHealthMonitor over a set of named
// component checks.
type HealthManager struct {
	logger core.ILogger

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthManager creates an empty manager. A nil logger is accepted
// for tests.
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]CheckFunc)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds or replaces the check for a component.
func (hm *HealthManager) Register(component string, check CheckFunc) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// RegisterHeartbeatCheck watches a service_status heartbeat: the
// component is unhealthy once the service has not beaten within maxAge.
func (hm *HealthManager) RegisterHeartbeatCheck(component string, maxAge time.Duration, age func(ctx context.Context) (time.Duration, bool, error)) {
	hm.Register(component, func(ctx context.Context) error {
		a, ok, err := age(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no heartbeat recorded yet")
		}
		if a > maxAge {
			return fmt.Errorf("heartbeat stale: last seen %s ago (max %s)", a.Round(time.Second), maxAge)
		}
		return nil
	})
}

// runCheck executes one probe under the shared timeout, converting a
// probe that ignores its context but overruns into a timeout error.
func runCheck(check CheckFunc) error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- check(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("health probe timed out after %s", probeTimeout)
	}
}

func (hm *HealthManager) snapshot() map[string]CheckFunc {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make(map[string]CheckFunc, len(hm.checks))
	for name, check := range hm.checks {
		out[name] = check
	}
	return out
}

// GetStatus evaluates every component and reports per-component state.
func (hm *HealthManager) GetStatus() map[string]string {
	status := make(map[string]string)
	for component, check := range hm.snapshot() {
		if err := runCheck(check); err != nil {
			status[component] = "Unhealthy: " + err.Error()
			if hm.logger != nil {
				hm.logger.Warn("component unhealthy", "check", component, "error", err)
			}
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered component passes. An empty
// manager is healthy.
func (hm *HealthManager) IsHealthy() bool {
	for _, check := range hm.snapshot() {
		if err := runCheck(check); err != nil {
			return false
		}
	}
	return true
}
