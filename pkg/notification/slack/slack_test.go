package slack

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/pkg/metrics"
	"github.com/thc1006/flakeguard-sub006/pkg/policy"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/circuitbreaker"
)

func newTestBreakers() *circuitbreaker.Manager {
	return circuitbreaker.NewManager(gobreaker.Settings{
		MaxRequests: 1,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}, metrics.NewWithRegistry(prometheus.NewRegistry()))
}

func TestFormatMessageVariesByAction(t *testing.T) {
	quarantine := formatMessage("pkg/foo/TestBar", policy.Decision{Action: policy.ActionQuarantine, Priority: policy.PriorityHigh, Rationale: "score 0.9"})
	if !strings.Contains(quarantine, "quarantined") || !strings.Contains(quarantine, "pkg/foo/TestBar") {
		t.Fatalf("unexpected quarantine message: %q", quarantine)
	}

	warn := formatMessage("pkg/foo/TestBar", policy.Decision{Action: policy.ActionWarn, Rationale: "score 0.6"})
	if !strings.Contains(warn, "flagged") {
		t.Fatalf("unexpected warn message: %q", warn)
	}

	cleared := formatMessage("pkg/foo/TestBar", policy.Decision{Action: policy.ActionNone, Rationale: "score 0.1"})
	if !strings.Contains(cleared, "cleared") {
		t.Fatalf("unexpected cleared message: %q", cleared)
	}
}

func TestPostFlakeNotificationSendsTextPayload(t *testing.T) {
	var received string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = string(body)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), newTestBreakers(), nil)
	decision := policy.Decision{Action: policy.ActionQuarantine, Priority: policy.PriorityHigh, Rationale: "score 0.92"}

	if err := client.PostFlakeNotification(context.Background(), "pkg/foo/TestBar", decision); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(received, "quarantined") || !strings.Contains(received, "pkg/foo/TestBar") {
		t.Fatalf("expected the webhook body to carry the formatted message, got %q", received)
	}
}

func TestPostFlakeNotificationWrapsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), newTestBreakers(), nil)
	err := client.PostFlakeNotification(context.Background(), "pkg/foo/TestBar", policy.Decision{Action: policy.ActionWarn})
	if err == nil {
		t.Fatalf("expected an error for a 500 response")
	}
	if !apperrors.IsType(err, apperrors.ErrorTypeNetwork) {
		t.Fatalf("expected a network-typed error, got %v", err)
	}
}

func TestPostFlakeNotificationOpensCircuitAfterConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breakers := newTestBreakers()
	client := NewClient(server.URL, server.Client(), breakers, nil)
	decision := policy.Decision{Action: policy.ActionWarn}

	for i := 0; i < 2; i++ {
		if err := client.PostFlakeNotification(context.Background(), "pkg/foo/TestBar", decision); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}

	err := client.PostFlakeNotification(context.Background(), "pkg/foo/TestBar", decision)
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Type != apperrors.ErrorTypeCircuitOpen {
		t.Fatalf("expected a circuit-open error on the third call, got %v", err)
	}
}
