package store

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlements"
)

// Source records how an entitlement row was produced.
type Source string

const (
	SourceAdmin   Source = "admin"
	SourceBilling Source = "billing"
)

// Record is one signed entitlement in the append-only history of an
// (app, subject) pair. The newest row is the current entitlement.
type Record struct {
	ID        string                `json:"id"`
	AppID     string                `json:"app_id"`
	Subject   string                `json:"subject"`
	Signature string                `json:"signature"`
	Mode      entitlements.PlanMode `json:"mode"`
	Token     string                `json:"token"`
	Source    Source                `json:"source"`
	EventID   string                `json:"event_id,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
}

// NewRecord builds a row for a freshly signed record.
func NewRecord(subject string, e entitlements.Entitlements, source Source, eventID string) (*Record, error) {
	token, err := entitlements.MarshalToken(e)
	if err != nil {
		return nil, fmt.Errorf("marshal token: %w", err)
	}
	return &Record{
		ID:        NewID(),
		AppID:     e.AppID,
		Subject:   subject,
		Signature: e.Signature,
		Mode:      e.Mode,
		Token:     token,
		Source:    source,
		EventID:   eventID,
	}, nil
}

// Entitlements parses the stored token. The result is unverified.
func (r *Record) Entitlements() (*entitlements.Entitlements, error) {
	return entitlements.ParseToken([]byte(r.Token))
}

// BillingEvent is the idempotency log entry for a processed billing event.
// Attribution columns are audit data only.
type BillingEvent struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	SKU            string    `json:"sku"`
	AppID          string    `json:"app_id"`
	Subject        string    `json:"subject"`
	CustomerEmail  string    `json:"customer_email,omitempty"`
	GithubUsername string    `json:"github_username,omitempty"`
	CustomerID     string    `json:"customer_id,omitempty"`
	BundleID       string    `json:"bundle_id,omitempty"`
	EntitlementID  string    `json:"entitlement_id"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// Revocation is an explicitly invalidated signature.
type Revocation struct {
	ID        string    `json:"id"`
	Signature string    `json:"signature"`
	Reason    string    `json:"reason,omitempty"`
	RevokedAt time.Time `json:"revoked_at"`
}

// NewID returns a lexically sortable row id.
func NewID() string {
	return ulid.Make().String()
}
