// Package metrics holds the Prometheus collectors for the entitlement service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pulse"
	subsystem = "entitlements"
)

var (
	// IssuedTotal counts signed records by source (admin or billing).
	IssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "issued_total",
		Help:      "Total signed entitlement records by source.",
	}, []string{"source"})

	// VerificationsTotal counts verification outcomes. reason is empty for
	// valid tokens and names the failing guard otherwise.
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "verifications_total",
		Help:      "Total token verifications by result and failing guard.",
	}, []string{"result", "reason"})

	// BillingEventsTotal counts billing events by type and processing outcome.
	BillingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "billing_events_total",
		Help:      "Billing events by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookRequestsTotal counts billing webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// RevokedSignatures is the size of the in-memory revocation list.
	RevokedSignatures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "revoked_signatures",
		Help:      "Number of signatures in the in-memory revocation list.",
	})

	// RevocationRefreshTotal counts revocation list refreshes by result.
	RevocationRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "revocation_refresh_total",
		Help:      "Revocation list refreshes by result.",
	}, []string{"result"})

	// RateLimitedTotal counts requests rejected by each per-IP limiter.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-IP rate limiters.",
	}, []string{"limiter"})
)

// RecordVerification records one verification outcome.
func RecordVerification(valid bool, reason string) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	VerificationsTotal.WithLabelValues(result, reason).Inc()
}
