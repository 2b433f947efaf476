// Package entitlements issues, signs, verifies and gates entitlement tokens.
//
// An entitlement is a small signed record stating which plan mode a client may
// run in, which optional features it has unlocked, and until when. Tokens are
// verified offline by recomputing an HMAC over a canonical encoding of the
// record, so self-hosted and disconnected installs can gate features locally.
//
// Everything in this package is pure: no I/O, no global mutable state, and the
// gates take "now" from the caller instead of reading the clock.
package entitlements

// PlanMode is the coarse product tier an entitlement grants.
type PlanMode string

const (
	ModeHosted    PlanMode = "hosted"
	ModeSelfHost  PlanMode = "self_host"
	ModeLocalOnly PlanMode = "local_only"
)

// Valid reports whether m is one of the known plan modes.
func (m PlanMode) Valid() bool {
	switch m {
	case ModeHosted, ModeSelfHost, ModeLocalOnly:
		return true
	default:
		return false
	}
}

// MinSignatureLength is the shortest signature accepted by the verifier.
// Signatures produced by Sign are 43 characters (32 bytes, unpadded base64url).
const MinSignatureLength = 16

// UnsignedEntitlements is the signable payload.
type UnsignedEntitlements struct {
	// AppID scopes the entitlement to one product.
	AppID string `json:"appId"`

	Mode PlanMode `json:"mode"`

	// HostedActive is true while a hosted subscription is paid and not
	// refunded or cancelled.
	HostedActive bool `json:"hostedActive"`

	// SelfHostLicense is true while a perpetual self-host license is held.
	SelfHostLicense bool `json:"selfHostLicense"`

	// UpdatePackYear is the most recent update-pack year purchased. Packs dated
	// on or before this year are covered.
	UpdatePackYear *int `json:"updatePackYear"`

	// Features are optional feature flags. The canonical form is de-duplicated
	// and sorted.
	Features []string `json:"features"`

	// IssuedAt is an ISO-8601 timestamp.
	IssuedAt string `json:"issuedAt"`

	// ExpiresAt is an ISO-8601 timestamp; nil means no expiry.
	ExpiresAt *string `json:"expiresAt"`
}

// Entitlements is a signed entitlement record.
type Entitlements struct {
	UnsignedEntitlements

	// Signature is the unpadded base64url HMAC-SHA256 of the canonical
	// encoding of the other fields.
	Signature string `json:"signature"`
}

// Unsigned returns a copy of the record without its signature.
func (e Entitlements) Unsigned() UnsignedEntitlements {
	return e.UnsignedEntitlements.Clone()
}

// Clone returns a deep copy so callers cannot alias slices or pointers.
func (u UnsignedEntitlements) Clone() UnsignedEntitlements {
	cp := u
	cp.Features = append([]string(nil), u.Features...)
	cp.UpdatePackYear = cloneIntPtr(u.UpdatePackYear)
	cp.ExpiresAt = cloneStringPtr(u.ExpiresAt)
	return cp
}

func cloneIntPtr(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneStringPtr(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// StringPtr returns a pointer to v.
func StringPtr(v string) *string {
	return &v
}
