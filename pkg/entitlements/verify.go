package entitlements

import (
	"crypto/hmac"
	"errors"
	"strings"
)

// Failure identifies which verification guard rejected a record. It exists for
// call-site logging; API boundaries expose only the boolean result.
type Failure string

const (
	FailureNone              Failure = ""
	FailureMalformed         Failure = "malformed"
	FailureRevoked           Failure = "revoked"
	FailureSignatureMismatch Failure = "signature_mismatch"
	FailureCryptoUnavailable Failure = "crypto_unavailable"
)

// VerifyOptions configures revocation checks. Both checks run when set.
type VerifyOptions struct {
	// RevokedSignatures is a precomputed set of revoked signatures.
	RevokedSignatures map[string]struct{}

	// IsRevoked is consulted for every structurally valid record.
	IsRevoked func(signature string) bool
}

// RevokedSet builds a RevokedSignatures set from a list.
func RevokedSet(signatures ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(signatures))
	for _, sig := range signatures {
		set[sig] = struct{}{}
	}
	return set
}

// Verify reports whether e is structurally valid, not revoked, and carries the
// signature recomputed from its other fields. It says nothing about expiry or
// plan eligibility; use the gates for that.
func Verify(e *Entitlements, secret string, opts VerifyOptions) bool {
	ok, _ := VerifyWithReason(e, secret, opts)
	return ok
}

// VerifyWithReason is Verify plus the guard that short-circuited.
func VerifyWithReason(e *Entitlements, secret string, opts VerifyOptions) (bool, Failure) {
	if err := validateStructure(e); err != nil {
		return false, FailureMalformed
	}

	// Revocation is checked before the MAC so a stale but authentic signature
	// can never pass.
	if opts.IsRevoked != nil && opts.IsRevoked(e.Signature) {
		return false, FailureRevoked
	}
	if _, revoked := opts.RevokedSignatures[e.Signature]; revoked {
		return false, FailureRevoked
	}

	expected, err := Sign(e.UnsignedEntitlements, secret)
	if err != nil {
		if errors.Is(err, ErrCryptoUnavailable) {
			return false, FailureCryptoUnavailable
		}
		// Missing secret: nothing can verify.
		return false, FailureSignatureMismatch
	}

	if !hmac.Equal([]byte(expected), []byte(e.Signature)) {
		return false, FailureSignatureMismatch
	}
	return true, FailureNone
}

// VerifyToken parses a serialized token and verifies it. Any parse failure
// yields false.
func VerifyToken(token []byte, secret string, opts VerifyOptions) bool {
	e, err := ParseToken(token)
	if err != nil {
		return false
	}
	return Verify(e, secret, opts)
}

func validateStructure(e *Entitlements) error {
	if e == nil {
		return &ValidationError{Field: "entitlements", Message: "entitlements are required"}
	}
	if strings.TrimSpace(e.AppID) == "" {
		return &ValidationError{Field: "appId", Message: "appId is required"}
	}
	if !e.Mode.Valid() {
		return &ValidationError{Field: "mode", Message: modeMessage}
	}
	if e.IssuedAt == "" {
		return &ValidationError{Field: "issuedAt", Message: "issuedAt is required"}
	}
	if len(e.Signature) < MinSignatureLength {
		return &ValidationError{Field: "signature", Message: "signature is too short"}
	}
	return nil
}
