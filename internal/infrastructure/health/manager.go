// Package health aggregates component liveness for the HTTP health probe.
package health

import (
	"sync"

	"rebalancer/internal/core"
)

// Manager implements core.IHealthMonitor over registered check functions.
// Checks run on demand; a probe hits the broker, the settlement store and
// the worker pool at most once per request.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds a health check. Re-registering a component replaces its
// check.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every check and reports per-component status strings.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
			if m.logger != nil {
				m.logger.Warn("component unhealthy", "name", component, "error", err)
			}
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered component passes its check.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}
