package entitlements

import "time"

// Gates assume e has already passed Verify. Any ambiguity (nil record, missing
// field, unparsable date) resolves to "not entitled".

// IsExpired reports whether e has expired at now. A record without expiresAt
// never expires; an unparsable expiresAt is already expired.
func IsExpired(e *Entitlements, now time.Time) bool {
	if e == nil {
		return true
	}
	if e.ExpiresAt == nil {
		return false
	}
	expiresAt, err := ParseTimestamp(*e.ExpiresAt)
	if err != nil {
		// Fail closed.
		return true
	}
	return !expiresAt.After(now)
}

// CanUseHosted reports whether e grants the hosted product at now.
func CanUseHosted(e *Entitlements, now time.Time) bool {
	return e != nil && e.Mode == ModeHosted && e.HostedActive && !IsExpired(e, now)
}

// CanUseSelfHost reports whether e grants a self-hosted install at now.
func CanUseSelfHost(e *Entitlements, now time.Time) bool {
	return e != nil && e.Mode == ModeSelfHost && e.SelfHostLicense && !IsExpired(e, now)
}

// CanUseUpdatePack reports whether e covers the update pack dated year.
func CanUseUpdatePack(e *Entitlements, year int, now time.Time) bool {
	if e == nil || IsExpired(e, now) || e.UpdatePackYear == nil {
		return false
	}
	return *e.UpdatePackYear >= year
}

// GateReport bundles every gate answer for one record at one instant.
type GateReport struct {
	Expired          bool  `json:"expired"`
	CanUseHosted     bool  `json:"canUseHosted"`
	CanUseSelfHost   bool  `json:"canUseSelfHost"`
	UpdatePackYear   *int  `json:"updatePackYear,omitempty"`
	CanUseUpdatePack *bool `json:"canUseUpdatePack,omitempty"`
}

// Evaluate runs all gates. The update pack gate is only evaluated when
// updatePackYear is non-nil.
func Evaluate(e *Entitlements, updatePackYear *int, now time.Time) GateReport {
	report := GateReport{
		Expired:        IsExpired(e, now),
		CanUseHosted:   CanUseHosted(e, now),
		CanUseSelfHost: CanUseSelfHost(e, now),
	}
	if updatePackYear != nil {
		year := *updatePackYear
		allowed := CanUseUpdatePack(e, year, now)
		report.UpdatePackYear = &year
		report.CanUseUpdatePack = &allowed
	}
	return report
}
