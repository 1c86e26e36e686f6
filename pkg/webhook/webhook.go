// Package webhook implements the inbound CI-provider webhook intake
// (spec.md §6.2): signature verification, header validation, and
// deduplicated enqueueing onto the job queue.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/pkg/metrics"
	"github.com/thc1006/flakeguard-sub006/pkg/queue"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/logging"
)

const dedupTTL = 24 * time.Hour

// recognizedEventTypes is the GitHub event allowlist spec.md §4.1 step 3
// defines; anything else is accepted (202) but never enqueued.
var recognizedEventTypes = map[string]bool{
	"workflow_run": true,
	"workflow_job": true,
	"check_run":    true,
	"check_suite":  true,
	"pull_request": true,
}

// Handler receives GitHub-shaped Actions webhooks, verifies their HMAC
// signature, and enqueues a webhook-ingest job keyed by delivery ID.
type Handler struct {
	secret  []byte
	queue   *queue.Queue
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler constructs a Handler. secret is the shared webhook secret
// configured on the CI provider side. m may be nil, in which case
// enqueued-job counts are not recorded.
func NewHandler(secret []byte, q *queue.Queue, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{secret: secret, queue: q, logger: logger, metrics: m}
}

// Mount registers the handler's routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/webhook", h.ServeHTTP)
}

type response struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	DeliveryID string `json:"deliveryId,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := logging.NewFields().Component("webhook").Operation("intake")

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	sigHeader := r.Header.Get("X-Hub-Signature-256")

	if eventType == "" || deliveryID == "" || sigHeader == "" {
		h.logger.WithFields(fields.ToLogrus()).Warn("webhook missing required headers")
		writeJSON(w, http.StatusBadRequest, response{Success: false, Message: "missing required headers"})
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeJSON(w, http.StatusBadRequest, response{Success: false, Message: "content-type must be application/json", DeliveryID: deliveryID})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WithFields(fields.Error(err).ToLogrus()).Error("failed to read webhook body")
		writeJSON(w, http.StatusBadRequest, response{Success: false, Message: "failed to read request body", DeliveryID: deliveryID})
		return
	}

	if !h.verifySignature(sigHeader, body) {
		h.logger.WithFields(fields.Custom("delivery_id", deliveryID).ToLogrus()).Warn("webhook signature verification failed")
		writeJSON(w, http.StatusUnauthorized, response{Success: false, Message: "invalid signature", DeliveryID: deliveryID})
		return
	}

	if !recognizedEventTypes[eventType] {
		h.logger.WithFields(fields.Custom("event_type", eventType).Custom("delivery_id", deliveryID).ToLogrus()).
			Info("ignoring unrecognized webhook event type")
		writeJSON(w, http.StatusAccepted, response{Success: true, Message: "accepted, not processed", DeliveryID: deliveryID})
		return
	}

	payload, err := json.Marshal(envelope{EventType: eventType, DeliveryID: deliveryID, Body: json.RawMessage(body)})
	if err != nil {
		h.logger.WithFields(fields.Error(err).ToLogrus()).Error("failed to marshal webhook envelope")
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: "internal error", DeliveryID: deliveryID})
		return
	}

	if _, err := h.queue.EnqueueDeduped(r.Context(), "webhook:"+deliveryID, dedupTTL, queue.JobTypeWebhookIngest, payload, queue.PriorityHigh, 5); err != nil {
		h.logger.WithFields(fields.Error(err).Custom("delivery_id", deliveryID).ToLogrus()).Error("failed to enqueue webhook job")
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: "failed to enqueue event", DeliveryID: deliveryID})
		return
	}
	if h.metrics != nil {
		h.metrics.JobsEnqueuedTotal.WithLabelValues(string(queue.JobTypeWebhookIngest)).Inc()
	}

	writeJSON(w, http.StatusAccepted, response{Success: true, Message: "accepted", DeliveryID: deliveryID})
}

// envelope is the payload persisted onto the queue for a webhook-ingest
// job; C7's worker unmarshals this to dispatch by EventType.
type envelope struct {
	EventType  string          `json:"eventType"`
	DeliveryID string          `json:"deliveryId"`
	Body       json.RawMessage `json:"body"`
}

// verifySignature checks the X-Hub-Signature-256 header (sha256=<hex>)
// against an HMAC-SHA256 of body keyed by the configured secret, using a
// constant-time comparison to avoid leaking timing information.
func (h *Handler) verifySignature(header string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	want := mac.Sum(nil)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// VerifyRaw exposes signature verification independent of an HTTP
// request, used by the ingest pipeline when replaying a stored envelope.
func VerifyRaw(secret []byte, header string, body []byte) error {
	h := &Handler{secret: secret}
	if !h.verifySignature(header, body) {
		return apperrors.New(apperrors.ErrorTypeAuth, "invalid webhook signature")
	}
	return nil
}
