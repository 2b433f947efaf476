package billing

import (
	"strings"
	"time"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlements"
)

// Derive applies event to previous using the default catalog.
func Derive(event BillingEvent, previous *entitlements.Entitlements, now time.Time) entitlements.UnsignedEntitlements {
	return DefaultCatalog.Derive(event, previous, now)
}

// Derive returns the unsigned record that follows previous once event is
// applied. previous may be nil. The caller verifies previous, rejects unknown
// SKUs and event types, and de-duplicates event ids before calling.
//
// Every transition is an assignment or a monotonic max, so applying the same
// activation twice grants nothing extra.
func (c Catalog) Derive(event BillingEvent, previous *entitlements.Entitlements, now time.Time) entitlements.UnsignedEntitlements {
	next := entitlements.UnsignedEntitlements{Mode: entitlements.ModeLocalOnly}
	var features []string
	if previous != nil {
		next.Mode = previous.Mode
		next.HostedActive = previous.HostedActive
		next.SelfHostLicense = previous.SelfHostLicense
		if previous.UpdatePackYear != nil {
			next.UpdatePackYear = entitlements.IntPtr(*previous.UpdatePackYear)
		}
		if previous.ExpiresAt != nil {
			next.ExpiresAt = entitlements.StringPtr(*previous.ExpiresAt)
		}
		features = append(features, previous.Features...)
	}
	features = append(features, event.Features...)
	next.Features = entitlements.CanonicalFeatures(features)

	defaults, known := c.Lookup(event.SKU)
	if known {
		if event.Type.Activating() {
			activate(&next, defaults, event)
		} else {
			deactivate(&next, defaults)
		}
	}
	fallbackMode(&next)

	if event.IssuedAt != nil && strings.TrimSpace(*event.IssuedAt) != "" {
		next.IssuedAt = *event.IssuedAt
	} else {
		next.IssuedAt = entitlements.FormatTimestamp(now)
	}
	next.AppID = strings.TrimSpace(event.AppID)
	return next
}

func activate(next *entitlements.UnsignedEntitlements, defaults SKUDefaults, event BillingEvent) {
	if !defaults.ModeUnchanged() {
		next.Mode = defaults.Mode
	}
	if defaults.Hosted {
		next.HostedActive = true
		if event.ExpiresAt != nil {
			next.ExpiresAt = entitlements.StringPtr(*event.ExpiresAt)
		}
	}
	if defaults.SelfHostLifetime {
		next.SelfHostLicense = true
	}
	if defaults.UpdatePackYear != nil {
		year := *defaults.UpdatePackYear
		if next.UpdatePackYear == nil || *next.UpdatePackYear < year {
			next.UpdatePackYear = entitlements.IntPtr(year)
		}
	}
}

func deactivate(next *entitlements.UnsignedEntitlements, defaults SKUDefaults) {
	if defaults.Hosted {
		next.HostedActive = false
		next.ExpiresAt = nil
	}
	if defaults.SelfHostLifetime {
		next.SelfHostLicense = false
	}
	// Only the pack for the recorded year is revoked. Refunding an older pack
	// leaves newer coverage in place.
	if defaults.UpdatePackYear != nil && next.UpdatePackYear != nil && *next.UpdatePackYear == *defaults.UpdatePackYear {
		next.UpdatePackYear = nil
	}
}

// fallbackMode keeps mode from claiming a tier whose flag is no longer held.
func fallbackMode(next *entitlements.UnsignedEntitlements) {
	switch {
	case next.Mode == entitlements.ModeHosted && !next.HostedActive:
		if next.SelfHostLicense {
			next.Mode = entitlements.ModeSelfHost
		} else {
			next.Mode = entitlements.ModeLocalOnly
		}
	case next.Mode == entitlements.ModeSelfHost && !next.SelfHostLicense:
		if next.HostedActive {
			next.Mode = entitlements.ModeHosted
		} else {
			next.Mode = entitlements.ModeLocalOnly
		}
	}
}
