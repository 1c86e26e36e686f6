package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/pkg/metrics"
)

func newTestManager() *Manager {
	return NewManager(gobreaker.Settings{
		MaxRequests: 1,
		Interval:    0,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}, metrics.NewWithRegistry(prometheus.NewRegistry()))
}

func TestBreakerOpenRecordsStateTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewManager(gobreaker.Settings{
		MaxRequests: 1,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 2 },
	}, metrics.NewWithRegistry(reg))
	boom := errors.New("boom")
	fail := func() (any, error) { return nil, boom }

	for i := 0; i < 2; i++ {
		_, _ = m.Execute(context.Background(), "flaky-target", fail)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "flakeguard_circuit_breaker_state_transitions_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a circuit_breaker_state_transitions_total sample after tripping, got families %+v", families)
	}
}

func TestExecuteSuccess(t *testing.T) {
	m := newTestManager()
	result, err := m.Execute(context.Background(), "github:install-1", func() (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %v", result)
	}
}

func TestExecuteTripsAfterConsecutiveFailures(t *testing.T) {
	m := newTestManager()
	boom := errors.New("boom")
	fail := func() (any, error) { return nil, boom }

	for i := 0; i < 2; i++ {
		if _, err := m.Execute(context.Background(), "slack", fail); err != boom {
			t.Fatalf("expected underlying error, got %v", err)
		}
	}

	_, err := m.Execute(context.Background(), "slack", fail)
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected circuit-open AppError, got %v", err)
	}
	if appErr.Type != apperrors.ErrorTypeCircuitOpen {
		t.Fatalf("expected circuit_open type, got %v", appErr.Type)
	}
}

func TestIndependentBreakersPerName(t *testing.T) {
	m := newTestManager()
	boom := errors.New("boom")
	fail := func() (any, error) { return nil, boom }

	for i := 0; i < 2; i++ {
		_, _ = m.Execute(context.Background(), "repo-a", fail)
	}
	if m.State("repo-a") != gobreaker.StateOpen {
		t.Fatalf("expected repo-a open, got %v", m.State("repo-a"))
	}
	if m.State("repo-b") != gobreaker.StateClosed {
		t.Fatalf("expected repo-b closed, got %v", m.State("repo-b"))
	}
}
