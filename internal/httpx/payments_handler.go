package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ariefcatur/storefront-settlement/internal/metrics"
	"github.com/ariefcatur/storefront-settlement/internal/payment"
	"github.com/ariefcatur/storefront-settlement/internal/settlement"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	HeaderSignature = "X-Razorpay-Signature"
	HeaderEventID   = "X-Razorpay-Event-Id"

	maxWebhookBody = 1 << 20
)

type Reconciler interface {
	Reconcile(ctx context.Context, ev payment.Event) (settlement.Outcome, error)
}

// EventDedup is a fast path for redelivered webhooks. The order row lock in
// Reconcile stays authoritative.
type EventDedup interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) (bool, error)
}

type PaymentsHandler struct {
	Reconciler Reconciler
	Secret     string
	Dedup      EventDedup // optional
	Metrics    *metrics.Settlement
	Log        *zap.Logger
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/payments/webhook", h.webhook)
}

func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	log := h.log().With(
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("remote_addr", r.RemoteAddr),
	)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("webhook_body_too_large", zap.Int64("limit_bytes", tooLarge.Limit))
			h.count("unknown", "too_large")
			writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "webhook body too large")
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "unreadable body")
		return
	}

	// Authenticity first: nothing is parsed or read before this passes.
	if !payment.VerifySignature(body, r.Header.Get(HeaderSignature), h.Secret) {
		log.Warn("security_webhook_signature_invalid",
			zap.Bool("signature_present", r.Header.Get(HeaderSignature) != ""),
			zap.Bool("secret_configured", h.Secret != ""),
			zap.Int("body_bytes", len(body)),
		)
		h.count("unknown", "invalid_signature")
		writeError(w, http.StatusBadRequest, codeInvalidSignature, "invalid signature")
		return
	}

	eventID := r.Header.Get(HeaderEventID)
	ev, err := payment.ParseEvent(body, eventID)
	if err != nil {
		// Authentic but unusable: acknowledge so the provider stops retrying.
		log.Warn("webhook_event_malformed", zap.String("event_id", eventID), zap.Error(err))
		h.count("unknown", "malformed")
		writeJSON(w, http.StatusOK, map[string]string{"status": "malformed"})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()

	if h.Dedup != nil && eventID != "" {
		if seen, err := h.Dedup.Seen(ctx, eventID); err != nil {
			log.Debug("webhook_dedup_lookup_failed", zap.Error(err))
		} else if seen {
			h.count(ev.Type, "redelivered")
			writeJSON(w, http.StatusOK, map[string]string{"status": string(settlement.OutcomeDuplicate)})
			return
		}
	}

	outcome, err := h.Reconciler.Reconcile(ctx, ev)
	if err != nil {
		log.Error("webhook_reconcile_failed", zap.String("event_id", eventID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeReconciliationFailed, "temporary failure, retry")
		return
	}

	if h.Dedup != nil && eventID != "" {
		if _, err := h.Dedup.Mark(ctx, eventID); err != nil {
			log.Debug("webhook_dedup_mark_failed", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

func (h *PaymentsHandler) count(event, outcome string) {
	if h.Metrics != nil {
		h.Metrics.WebhookEvents.WithLabelValues(event, outcome).Inc()
	}
}

func (h *PaymentsHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}
