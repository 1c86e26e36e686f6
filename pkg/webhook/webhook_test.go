package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/thc1006/flakeguard-sub006/pkg/metrics"
	"github.com/thc1006/flakeguard-sub006/pkg/queue"
)

func newTestHandler(t *testing.T, secret string) (*Handler, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	q := queue.New(rc, "test-jobs")
	return NewHandler([]byte(secret), q, nil, metrics.NewWithRegistry(prometheus.NewRegistry())), q
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newSignedRequest(secret string, body []byte, delivery string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "workflow_run")
	req.Header.Set("X-GitHub-Delivery", delivery)
	req.Header.Set("X-Hub-Signature-256", sign([]byte(secret), body))
	return req
}

func TestServeHTTPAcceptsValidSignedRequest(t *testing.T) {
	h, q := newTestHandler(t, "topsecret")
	body := []byte(`{"action":"completed"}`)
	req := newSignedRequest("topsecret", body, "11111111-1111-1111-1111-111111111111")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success || resp.DeliveryID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	counts, err := q.Counts(req.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[queue.StateWaiting] != 1 {
		t.Fatalf("expected 1 waiting job, got %d", counts[queue.StateWaiting])
	}
}

func TestServeHTTPRejectsInvalidSignature(t *testing.T) {
	h, q := newTestHandler(t, "topsecret")
	body := []byte(`{"action":"completed"}`)
	req := newSignedRequest("wrong-secret", body, "22222222-2222-2222-2222-222222222222")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	counts, err := q.Counts(req.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[queue.StateWaiting] != 0 {
		t.Fatalf("expected no job enqueued for invalid signature")
	}
}

func TestServeHTTPRejectsMissingHeaders(t *testing.T) {
	h, _ := newTestHandler(t, "topsecret")
	body := []byte(`{"action":"completed"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestServeHTTPRejectsWrongContentType(t *testing.T) {
	h, _ := newTestHandler(t, "topsecret")
	body := []byte(`{"action":"completed"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-GitHub-Event", "workflow_run")
	req.Header.Set("X-GitHub-Delivery", "33333333-3333-3333-3333-333333333333")
	req.Header.Set("X-Hub-Signature-256", sign([]byte("topsecret"), body))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestServeHTTPDeduplicatesRepeatedDelivery(t *testing.T) {
	h, q := newTestHandler(t, "topsecret")
	body := []byte(`{"action":"completed"}`)
	delivery := "44444444-4444-4444-4444-444444444444"

	req1 := newSignedRequest("topsecret", body, delivery)
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, req1)
	if w1.Code != http.StatusAccepted {
		t.Fatalf("expected first delivery accepted, got %d", w1.Code)
	}

	req2 := newSignedRequest("topsecret", body, delivery)
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req2)
	if w2.Code != http.StatusAccepted {
		t.Fatalf("expected duplicate delivery to still return 202, got %d", w2.Code)
	}

	counts, err := q.Counts(req1.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[queue.StateWaiting] != 1 {
		t.Fatalf("expected deduplication to prevent a second enqueue, got %d waiting", counts[queue.StateWaiting])
	}
}

func TestServeHTTPAcceptsButDoesNotEnqueueUnrecognizedEventType(t *testing.T) {
	h, q := newTestHandler(t, "topsecret")
	body := []byte(`{"action":"opened"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-GitHub-Delivery", "66666666-6666-6666-6666-666666666666")
	req.Header.Set("X-Hub-Signature-256", sign([]byte("topsecret"), body))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for an unrecognized but signature-valid event, got %d", w.Code)
	}
	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success=true, got %+v", resp)
	}

	counts, err := q.Counts(req.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[queue.StateWaiting] != 0 {
		t.Fatalf("expected unrecognized event type to not be enqueued, got %d waiting", counts[queue.StateWaiting])
	}
}

func TestMountRegistersPostRoute(t *testing.T) {
	h, _ := newTestHandler(t, "topsecret")
	r := chi.NewRouter()
	h.Mount(r)

	body := []byte(`{"action":"completed"}`)
	req := newSignedRequest("topsecret", body, "55555555-5555-5555-5555-555555555555")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 via mounted router, got %d", w.Code)
	}
}

func TestVerifyRawRejectsTamperedBody(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"action":"completed"}`)
	header := sign(secret, body)

	if err := VerifyRaw(secret, header, body); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
	if err := VerifyRaw(secret, header, []byte(`{"action":"tampered"}`)); err == nil {
		t.Fatalf("expected tampered body to fail verification")
	}
}
