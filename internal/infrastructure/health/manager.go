// Package health aggregates liveness checks from engine components.
package health

import (
	"sync"
	"time"

	"fundarb/internal/core"
)

// Manager implements core.IHealthMonitor. Checks run on demand; results
// are cached briefly to keep the HTTP endpoint cheap.
type Manager struct {
	mu       sync.RWMutex
	checks   map[string]func() error
	cache    map[string]string
	cachedAt time.Time
	ttl      time.Duration
	logger   core.ILogger
}

// NewManager creates a health manager with a 2s result cache.
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		checks: make(map[string]func() error),
		cache:  make(map[string]string),
		ttl:    2 * time.Second,
		logger: logger.WithField("component", "health"),
	}
}

// Register adds a named health check.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	m.checks[component] = check
	m.cachedAt = time.Time{}
	m.mu.Unlock()
}

// GetStatus runs all checks and returns component -> "ok" or the error.
func (m *Manager) GetStatus() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.cachedAt) < m.ttl && len(m.cache) > 0 {
		out := make(map[string]string, len(m.cache))
		for k, v := range m.cache {
			out[k] = v
		}
		return out
	}

	result := make(map[string]string, len(m.checks))
	for name, check := range m.checks {
		if err := check(); err != nil {
			result[name] = err.Error()
			m.logger.Warn("Health check failed", "check", name, "error", err)
		} else {
			result[name] = "ok"
		}
	}
	m.cache = result
	m.cachedAt = time.Now()

	out := make(map[string]string, len(result))
	for k, v := range result {
		out[k] = v
	}
	return out
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	for _, status := range m.GetStatus() {
		if status != "ok" {
			return false
		}
	}
	return true
}
