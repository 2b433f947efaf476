// Package api exposes the entitlement service over HTTP.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/pulse-entitlements/internal/config"
	"github.com/rcourtman/pulse-entitlements/internal/fulfillment"
	"github.com/rcourtman/pulse-entitlements/internal/revocation"
	"github.com/rcourtman/pulse-entitlements/internal/store"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config      *config.Config
	Store       *store.Store
	Processor   *fulfillment.Processor
	Revocations *revocation.List
	Version     string

	// Limiters for the public endpoints. Defaults are created when nil.
	VerifyLimiter  *RateLimiter
	WebhookLimiter *RateLimiter
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("GET /healthz", HandleHealthz)
	mux.HandleFunc("GET /readyz", HandleReadyz(deps.Store, deps.Revocations))
	mux.HandleFunc("GET /version", HandleVersion(deps.Version))

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", adminAuth(metricsHandler))
	}

	// Billing webhook (signature-authenticated)
	webhookHandler := NewWebhookHandler(deps.Config.WebhookSecret, deps.Config.WebhookTolerance, deps.Config.DefaultAppID, deps.Processor)
	webhookLimiter := deps.WebhookLimiter
	if webhookLimiter == nil {
		webhookLimiter = NewRateLimiter("webhook", 0, 0)
	}
	mux.Handle("/api/v1/billing/webhook", webhookLimiter.Middleware(webhookHandler))

	// Verification is public and rate limited.
	verifyLimiter := deps.VerifyLimiter
	if verifyLimiter == nil {
		verifyLimiter = NewRateLimiter("verify", 0, 0)
	}
	mux.Handle("POST /api/v1/entitlements/verify", verifyLimiter.Middleware(HandleVerify(deps.Config.SigningSecret, deps.Revocations)))

	// Admin API (key-authenticated)
	mux.Handle("POST /api/v1/entitlements/issue", adminAuth(HandleIssue(deps.Processor)))
	mux.Handle("GET /api/v1/entitlements/{app_id}/{subject}", adminAuth(HandleCurrent(deps.Store, deps.Config.SigningSecret, deps.Revocations)))
	mux.Handle("GET /api/v1/entitlements/{app_id}/{subject}/history", adminAuth(HandleHistory(deps.Store)))
	mux.Handle("POST /api/v1/revocations", adminAuth(HandleRevoke(deps.Store, deps.Revocations)))
}

// NewHandler builds the full middleware-wrapped handler tree.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return SecurityHeaders(RequestLogger(mux))
}
