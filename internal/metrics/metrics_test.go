package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestRecordVerification(t *testing.T) {
	valid := VerificationsTotal.WithLabelValues("valid", "")
	revoked := VerificationsTotal.WithLabelValues("invalid", "revoked")
	beforeValid := testutil.ToFloat64(valid)
	beforeRevoked := testutil.ToFloat64(revoked)

	RecordVerification(true, "")
	RecordVerification(false, "revoked")
	RecordVerification(false, "revoked")

	if got := testutil.ToFloat64(valid) - beforeValid; got != 1 {
		t.Fatalf("valid delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(revoked) - beforeRevoked; got != 2 {
		t.Fatalf("revoked delta = %v, want 2", got)
	}
}

func TestWebhookDurationObserved(t *testing.T) {
	WebhookDuration.WithLabelValues("purchase_expired").Observe(0.02)
	WebhookDuration.WithLabelValues("purchase_expired").Observe(7)

	var m dto.Metric
	observer, err := WebhookDuration.GetMetricWithLabelValues("purchase_expired")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}

	h := m.GetHistogram()
	if h.GetSampleCount() < 2 {
		t.Fatalf("sample count = %d, want >= 2", h.GetSampleCount())
	}
	var under25ms uint64
	for _, b := range h.GetBucket() {
		if b.GetUpperBound() == 0.025 {
			under25ms = b.GetCumulativeCount()
		}
	}
	if under25ms < 1 {
		t.Fatalf("0.025s bucket = %d, want >= 1", under25ms)
	}
}
