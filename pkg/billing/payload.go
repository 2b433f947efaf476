package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlements"
)

// WebhookPayload is the body posted by the billing provider.
type WebhookPayload struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	SKU       string          `json:"sku"`
	AppID     string          `json:"appId,omitempty"`
	Features  []string        `json:"features,omitempty"`
	ExpiresAt *string         `json:"expiresAt,omitempty"`
	IssuedAt  *string         `json:"issuedAt,omitempty"`
	Metadata  WebhookMetadata `json:"metadata"`
}

// WebhookMetadata is customer attribution attached to a purchase.
type WebhookMetadata struct {
	Email    string `json:"email,omitempty"`
	Github   string `json:"github,omitempty"`
	BuyerID  string `json:"buyerId,omitempty"`
	BundleID string `json:"bundleId,omitempty"`
}

func invalid(field, message string) error {
	return &entitlements.ValidationError{Field: field, Message: message}
}

// ParseWebhookPayload decodes and validates a webhook body against catalog.
// Unknown event types and SKUs are rejected here so Derive never sees them.
// A missing appId falls back to defaultAppID.
func ParseWebhookPayload(data []byte, catalog Catalog, defaultAppID string) (BillingEvent, error) {
	var p WebhookPayload
	if err := json.Unmarshal(bytes.TrimSpace(data), &p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			field := strings.SplitN(typeErr.Field, ".", 2)[0]
			return BillingEvent{}, invalid(field, field+" has the wrong type")
		}
		return BillingEvent{}, invalid("body", "webhook body must be a JSON object")
	}

	eventID := strings.TrimSpace(p.EventID)
	if eventID == "" {
		return BillingEvent{}, invalid("eventId", "eventId is required")
	}
	eventType := EventType(strings.TrimSpace(p.EventType))
	if !eventType.Known() {
		return BillingEvent{}, invalid("eventType", "unsupported eventType "+strconv.Quote(p.EventType))
	}
	sku := SKU(strings.TrimSpace(p.SKU))
	if _, ok := catalog.Lookup(sku); !ok {
		return BillingEvent{}, invalid("sku", "unknown sku "+strconv.Quote(p.SKU))
	}

	appID := strings.TrimSpace(p.AppID)
	if appID == "" {
		appID = strings.TrimSpace(defaultAppID)
	}
	if appID == "" {
		return BillingEvent{}, invalid("appId", "appId is required")
	}

	if p.IssuedAt != nil {
		if _, err := entitlements.ParseTimestamp(*p.IssuedAt); err != nil {
			return BillingEvent{}, invalid("issuedAt", "issuedAt must be an ISO-8601 datetime")
		}
	}
	if p.ExpiresAt != nil {
		if _, err := entitlements.ParseTimestamp(*p.ExpiresAt); err != nil {
			return BillingEvent{}, invalid("expiresAt", "expiresAt must be an ISO-8601 datetime")
		}
	}

	return BillingEvent{
		EventID:   eventID,
		Type:      eventType,
		SKU:       sku,
		AppID:     appID,
		Features:  entitlements.CanonicalFeatures(p.Features),
		IssuedAt:  p.IssuedAt,
		ExpiresAt: p.ExpiresAt,
		Attribution: Attribution{
			CustomerEmail:  strings.TrimSpace(p.Metadata.Email),
			GithubUsername: strings.TrimSpace(p.Metadata.Github),
			CustomerID:     strings.TrimSpace(p.Metadata.BuyerID),
			BundleID:       strings.TrimSpace(p.Metadata.BundleID),
		},
	}, nil
}
