package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager owns one named CircuitBreaker per protected dependency
// (etcd discovery, admin-plane upstream calls).
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewManager builds an empty Manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// GetOrCreate returns the named breaker, creating it from config on
// first use.
func (m *Manager) GetOrCreate(name string, config Config) *CircuitBreaker {
	m.mu.RLock()
	b, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, exists = m.breakers[name]; exists {
		return b
	}

	config.OnStateChange = func(name string, from State, to State, counts Counts) {
		m.logger.Info("circuit breaker state changed",
			zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()),
			zap.Uint32("forced_reset_failures", counts.ForcedResetFailures),
			zap.Uint32("timeout_failures", counts.TimeoutFailures),
			zap.Uint32("transport_failures", counts.TransportFailures))
	}

	b = NewCircuitBreaker(name, config, m.logger)
	m.breakers[name] = b

	m.logger.Info("circuit breaker created",
		zap.String("name", name), zap.Duration("interval", config.Interval),
		zap.Duration("timeout", config.Timeout), zap.Uint32("max_requests", config.MaxRequests))
	return b
}

// Get returns the named breaker, or nil if it has never been created.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakers[name]
}

// Reset resets the named breaker, if it exists.
func (m *Manager) Reset(name string) {
	m.mu.RLock()
	b, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		b.Reset()
	}
}

// ResetAll resets every managed breaker.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	for _, b := range breakers {
		b.Reset()
	}
	m.logger.Info("all circuit breakers reset")
}

// Stats is a JSON-friendly snapshot of one breaker's state, served by
// the admin plane's GET /admin/breakers route.
type Stats struct {
	Name                 string  `json:"name"`
	State                string  `json:"state"`
	Requests             uint32  `json:"requests"`
	TotalSuccesses       uint32  `json:"total_successes"`
	TotalFailures        uint32  `json:"total_failures"`
	ConsecutiveSuccesses uint32  `json:"consecutive_successes"`
	ConsecutiveFailures  uint32  `json:"consecutive_failures"`
	ErrorRate            float64 `json:"error_rate"`
	TransportFailures    uint32  `json:"transport_failures"`
	TimeoutFailures      uint32  `json:"timeout_failures"`
	ForcedResetFailures  uint32  `json:"forced_reset_failures"`
}

// GetStats snapshots every managed breaker.
func (m *Manager) GetStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		counts := b.Counts()
		stats[name] = Stats{
			Name:                 name,
			State:                b.State().String(),
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ErrorRate:            counts.ErrorRate(),
			TransportFailures:    counts.TransportFailures,
			TimeoutFailures:      counts.TimeoutFailures,
			ForcedResetFailures:  counts.ForcedResetFailures,
		}
	}
	return stats
}

// DefaultConfig is the baseline threshold used for the discovery and
// admin-plane upstream breakers.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.Requests >= 5 && (counts.ErrorRate() >= 0.5 || counts.ConsecutiveFailures >= 5)
		},
	}
}
