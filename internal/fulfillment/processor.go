// Package fulfillment applies billing events and administrative issuance to
// the persisted entitlement history.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	svcerrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rcourtman/pulse-entitlements/internal/metrics"
	"github.com/rcourtman/pulse-entitlements/internal/store"
	"github.com/rcourtman/pulse-entitlements/pkg/billing"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlements"
)

// ErrNoSubject is returned for billing events that carry no customer
// identifier to key the entitlement on.
var ErrNoSubject = errors.New("billing event has no customer identifier")

// Store is the persistence the processor needs.
type Store interface {
	Current(ctx context.Context, appID, subject string) (*store.Record, error)
	Get(ctx context.Context, id string) (*store.Record, error)
	EventProcessed(ctx context.Context, eventID string) (*store.BillingEvent, error)
	ApplyBillingEvent(ctx context.Context, rec *store.Record, ev *store.BillingEvent) error
	SaveIssued(ctx context.Context, rec *store.Record) error
}

// Processor turns billing events and issuance requests into signed,
// persisted entitlement records.
type Processor struct {
	store     Store
	secret    string
	catalog   billing.Catalog
	isRevoked func(signature string) bool
	now       func() time.Time

	subjects sync.Map // map[string]*sync.Mutex, keyed by appID and subject
}

// NewProcessor creates a Processor. isRevoked may be nil.
func NewProcessor(st Store, secret string, catalog billing.Catalog, isRevoked func(string) bool) *Processor {
	if catalog == nil {
		catalog = billing.DefaultCatalog
	}
	return &Processor{
		store:     st,
		secret:    secret,
		catalog:   catalog,
		isRevoked: isRevoked,
		now:       time.Now,
	}
}

// Result is a persisted record and its parsed entitlements.
type Result struct {
	Record       *store.Record
	Entitlements *entitlements.Entitlements
	// Duplicate is set when the billing event had already been processed and
	// Record is the entitlement it produced at the time.
	Duplicate bool
}

// Apply processes one billing event. Re-delivered events return the original
// result flagged Duplicate without writing anything.
func (p *Processor) Apply(ctx context.Context, ev billing.BillingEvent) (*Result, error) {
	const op = "fulfillment.apply"

	subject := ev.Attribution.Subject()
	if subject == "" {
		metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "rejected").Inc()
		return nil, svcerrors.WrapValidation(op, ErrNoSubject)
	}

	unlock := p.lockSubject(ev.AppID, subject)
	defer unlock()

	if res, err := p.duplicate(ctx, ev.EventID); err != nil || res != nil {
		return res, err
	}

	previous, err := p.loadPrevious(ctx, ev.AppID, subject)
	if err != nil {
		metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return nil, svcerrors.WrapInternal(op, err)
	}
	unsigned := p.catalog.Derive(ev, previous, p.now())

	signed, err := entitlements.SignEntitlements(unsigned, p.secret)
	if err != nil {
		metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return nil, svcerrors.WrapInternal(op, err)
	}

	rec, err := store.NewRecord(subject, signed, store.SourceBilling, ev.EventID)
	if err != nil {
		return nil, svcerrors.WrapInternal(op, err)
	}
	logged := &store.BillingEvent{
		EventID:        ev.EventID,
		EventType:      string(ev.Type),
		SKU:            string(ev.SKU),
		AppID:          ev.AppID,
		Subject:        subject,
		CustomerEmail:  ev.Attribution.CustomerEmail,
		GithubUsername: ev.Attribution.GithubUsername,
		CustomerID:     ev.Attribution.CustomerID,
		BundleID:       ev.Attribution.BundleID,
	}

	if err := p.store.ApplyBillingEvent(ctx, rec, logged); err != nil {
		if errors.Is(err, svcerrors.ErrConflict) {
			// Lost a race with a concurrent delivery of the same event.
			if res, dupErr := p.duplicate(ctx, ev.EventID); dupErr == nil && res != nil {
				return res, nil
			}
		}
		metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return nil, err
	}

	metrics.IssuedTotal.WithLabelValues(string(store.SourceBilling)).Inc()
	metrics.BillingEventsTotal.WithLabelValues(string(ev.Type), "applied").Inc()
	log.Info().
		Str("event_id", ev.EventID).
		Str("event_type", string(ev.Type)).
		Str("sku", string(ev.SKU)).
		Str("app_id", ev.AppID).
		Str("subject", subject).
		Str("mode", string(signed.Mode)).
		Bool("hosted_active", signed.HostedActive).
		Bool("self_host_license", signed.SelfHostLicense).
		Str("entitlement_id", rec.ID).
		Msg("Applied billing event")

	return &Result{Record: rec, Entitlements: &signed}, nil
}

func (p *Processor) duplicate(ctx context.Context, eventID string) (*Result, error) {
	processed, err := p.store.EventProcessed(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, nil
	}

	rec, err := p.store.Get(ctx, processed.EntitlementID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, svcerrors.WrapInternal("fulfillment.duplicate", fmt.Errorf("entitlement %q for event %q is missing", processed.EntitlementID, eventID))
	}
	parsed, err := rec.Entitlements()
	if err != nil {
		return nil, svcerrors.WrapInternal("fulfillment.duplicate", err)
	}

	metrics.BillingEventsTotal.WithLabelValues(processed.EventType, "duplicate").Inc()
	log.Info().
		Str("event_id", eventID).
		Str("entitlement_id", rec.ID).
		Msg("Billing event already processed")
	return &Result{Record: rec, Entitlements: parsed, Duplicate: true}, nil
}

// lockSubject serializes the read-derive-write sequence for one customer.
// The returned func releases the lock.
func (p *Processor) lockSubject(appID, subject string) func() {
	v, _ := p.subjects.LoadOrStore(appID+"\x00"+subject, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// loadPrevious returns the current verified record for (appID, subject).
// Records that do not verify are treated as absent; store errors are returned
// so the event is retried rather than derived from defaults.
func (p *Processor) loadPrevious(ctx context.Context, appID, subject string) (*entitlements.Entitlements, error) {
	rec, err := p.store.Current(ctx, appID, subject)
	if err != nil {
		return nil, fmt.Errorf("load current entitlement: %w", err)
	}
	if rec == nil {
		return nil, nil
	}

	previous, err := rec.Entitlements()
	if err != nil {
		log.Warn().Err(err).Str("entitlement_id", rec.ID).
			Msg("Stored entitlement is malformed; deriving from defaults")
		return nil, nil
	}

	ok, reason := entitlements.VerifyWithReason(previous, p.secret, entitlements.VerifyOptions{IsRevoked: p.isRevoked})
	if !ok {
		log.Warn().
			Str("entitlement_id", rec.ID).
			Str("guard", string(reason)).
			Str("signature", logging.Fingerprint(previous.Signature)).
			Str("app_id", appID).
			Str("subject", subject).
			Msg("Previous entitlement failed verification; deriving from defaults")
		return nil, nil
	}
	return previous, nil
}

// Issue signs an administrative issuance for subject and persists it.
// Invalid input is returned as *entitlements.ValidationError.
func (p *Processor) Issue(ctx context.Context, subject string, in entitlements.IssueInput) (*Result, error) {
	const op = "fulfillment.issue"

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, &entitlements.ValidationError{Field: "subject", Message: "subject must be a non-empty string"}
	}

	issued, err := entitlements.IssueAt(in, p.secret, p.now())
	if err != nil {
		if entitlements.IsValidationError(err) {
			return nil, err
		}
		return nil, svcerrors.WrapInternal(op, err)
	}

	rec, err := store.NewRecord(subject, issued.Entitlements, store.SourceAdmin, "")
	if err != nil {
		return nil, svcerrors.WrapInternal(op, err)
	}

	unlock := p.lockSubject(rec.AppID, subject)
	defer unlock()
	if err := p.store.SaveIssued(ctx, rec); err != nil {
		return nil, err
	}

	metrics.IssuedTotal.WithLabelValues(string(store.SourceAdmin)).Inc()
	log.Info().
		Str("app_id", rec.AppID).
		Str("subject", subject).
		Str("mode", string(rec.Mode)).
		Str("entitlement_id", rec.ID).
		Msg("Issued entitlement")

	return &Result{Record: rec, Entitlements: &issued.Entitlements}, nil
}
