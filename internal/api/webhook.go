package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	svcerrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/internal/fulfillment"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rcourtman/pulse-entitlements/internal/metrics"
	"github.com/rcourtman/pulse-entitlements/pkg/billing"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlements"
)

const (
	webhookBodyLimit = 1024 * 1024 // 1 MiB

	// SignatureHeader carries the "t=<unix>,v1=<hex hmac>" signature of the
	// raw request body.
	SignatureHeader = "X-Billing-Signature"
)

// Applier is satisfied by *fulfillment.Processor.
type Applier interface {
	Apply(ctx context.Context, ev billing.BillingEvent) (*fulfillment.Result, error)
}

// WebhookHandler handles incoming billing provider events.
type WebhookHandler struct {
	secret       string
	tolerance    time.Duration
	defaultAppID string
	catalog      billing.Catalog
	processor    Applier
}

type webhookReceivedResponse struct {
	Received      bool   `json:"received"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	EntitlementID string `json:"entitlementId,omitempty"`
}

// NewWebhookHandler creates a billing webhook HTTP handler.
func NewWebhookHandler(secret string, tolerance time.Duration, defaultAppID string, processor Applier) *WebhookHandler {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &WebhookHandler{
		secret:       secret,
		tolerance:    tolerance,
		defaultAppID: defaultAppID,
		catalog:      billing.DefaultCatalog,
		processor:    processor,
	}
}

// ServeHTTP verifies the signature, parses the payload and applies the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	fail := func(code int, msg string) {
		status = code
		writeError(w, code, msg)
	}

	if r.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		fail(http.StatusServiceUnavailable, "webhook secret not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			fail(http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		fail(http.StatusBadRequest, "failed to read request body")
		return
	}

	sigHeader := r.Header.Get(SignatureHeader)
	if strings.TrimSpace(sigHeader) == "" {
		fail(http.StatusBadRequest, "missing billing signature")
		return
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, sigHeader, h.secret, h.tolerance); err != nil {
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Msg("Billing webhook signature rejected")
		fail(http.StatusBadRequest, "invalid billing signature")
		return
	}

	ev, err := billing.ParseWebhookPayload(payload, h.catalog, h.defaultAppID)
	if err != nil {
		metrics.BillingEventsTotal.WithLabelValues(eventType, "rejected").Inc()
		fail(http.StatusBadRequest, err.Error())
		return
	}
	eventType = string(ev.Type)

	logger := logging.FromContext(r.Context()).With().
		Str("event_id", ev.EventID).
		Str("event_type", eventType).
		Str("sku", string(ev.SKU)).
		Logger()

	res, err := h.processor.Apply(r.Context(), ev)
	if err != nil {
		if entitlements.IsValidationError(err) || errors.Is(err, svcerrors.ErrInvalidInput) {
			logger.Warn().Err(err).Msg("Billing event rejected")
			fail(http.StatusBadRequest, err.Error())
			return
		}
		logger.Error().Err(err).Msg("Billing webhook processing failed")
		fail(http.StatusInternalServerError, "processing failed")
		return
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, webhookReceivedResponse{
		Received:      true,
		Duplicate:     res.Duplicate,
		EntitlementID: res.Record.ID,
	})
}
