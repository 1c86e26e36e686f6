// Package circuitbreaker wraps sony/gobreaker with a name-keyed manager
// so each upstream target (a GitHub installation, the Slack webhook) gets
// its own independent circuit, matching spec.md §7's per-target breaker.
package circuitbreaker

import (
	"context"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/pkg/metrics"
)

// Manager owns one gobreaker.CircuitBreaker[any] per name, created lazily
// on first use so callers never need to pre-register every installation
// ID up front.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	settings gobreaker.Settings
	metrics  *metrics.Metrics
}

// NewManager creates a Manager. The template settings' Name field is
// ignored — each breaker gets its own name on creation. m may be nil, in
// which case state transitions are not recorded.
func NewManager(template gobreaker.Settings, m *metrics.Metrics) *Manager {
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		settings: template,
		metrics:  m,
	}
}

func (m *Manager) breaker(name string) *gobreaker.CircuitBreaker[any] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	settings := m.settings
	settings.Name = name
	if m.metrics != nil {
		userOnStateChange := settings.OnStateChange
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			m.metrics.CircuitBreakerStateTransitionsTotal.WithLabelValues(name, to.String()).Inc()
			if userOnStateChange != nil {
				userOnStateChange(name, from, to)
			}
		}
	}
	b := gobreaker.NewCircuitBreaker[any](settings)
	m.breakers[name] = b
	return b
}

// Execute runs fn through the named circuit breaker, translating
// gobreaker's open-circuit error into an *apperrors.AppError of type
// ErrorTypeCircuitOpen so callers can branch on it uniformly.
func (m *Manager) Execute(_ context.Context, name string, fn func() (any, error)) (any, error) {
	result, err := m.breaker(name).Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, apperrors.NewCircuitOpenError(name)
	}
	return result, err
}

// State returns the current state of the named breaker, creating it if
// it does not yet exist.
func (m *Manager) State(name string) gobreaker.State {
	return m.breaker(name).State()
}

// Counts returns the rolling counts for the named breaker.
func (m *Manager) Counts(name string) gobreaker.Counts {
	return m.breaker(name).Counts()
}
