// Package billing turns billing events into entitlement state.
//
// Derive is a pure state-transition function: the previous signed record plus
// one event yields the next unsigned record. Event idempotency, signature
// checks on the previous record and persistence belong to the caller.
package billing

import "strings"

// EventType is the billing provider's lifecycle event name.
type EventType string

const (
	EventPurchaseCreated   EventType = "purchase_created"
	EventPurchaseRenewed   EventType = "purchase_renewed"
	EventPurchaseRefunded  EventType = "purchase_refunded"
	EventPurchaseCancelled EventType = "purchase_cancelled"
	EventPurchaseExpired   EventType = "purchase_expired"
	EventPurchaseDisputed  EventType = "purchase_disputed"
)

// KnownEventTypes lists every event type accepted from webhooks.
var KnownEventTypes = []EventType{
	EventPurchaseCreated,
	EventPurchaseRenewed,
	EventPurchaseRefunded,
	EventPurchaseCancelled,
	EventPurchaseExpired,
	EventPurchaseDisputed,
}

// Known reports whether t is an accepted event type.
func (t EventType) Known() bool {
	for _, known := range KnownEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Activating reports whether t grants what the SKU carries. Every other event
// type revokes it.
func (t EventType) Activating() bool {
	return t == EventPurchaseCreated || t == EventPurchaseRenewed
}

// Attribution carries customer metadata for audit only. It never influences
// mode or the hosted/self-host flags.
type Attribution struct {
	CustomerEmail  string `json:"customerEmail,omitempty"`
	GithubUsername string `json:"githubUsername,omitempty"`
	CustomerID     string `json:"customerId,omitempty"`
	BundleID       string `json:"bundleId,omitempty"`
}

// Subject returns the most stable customer identifier available: the billing
// customer id, then email, then GitHub username.
func (a Attribution) Subject() string {
	for _, candidate := range []string{a.CustomerID, strings.ToLower(a.CustomerEmail), a.GithubUsername} {
		if v := strings.TrimSpace(candidate); v != "" {
			return v
		}
	}
	return ""
}

// BillingEvent is one validated billing lifecycle event.
type BillingEvent struct {
	// EventID is the provider's idempotency key.
	EventID string
	Type    EventType
	SKU     SKU
	AppID   string

	Features []string

	// IssuedAt and ExpiresAt override the derived timestamps when set.
	IssuedAt  *string
	ExpiresAt *string

	Attribution Attribution
}
