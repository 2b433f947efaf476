package entitlements

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
)

var (
	// ErrCryptoUnavailable is returned when the keyed hash cannot be computed
	// in this runtime. It is an environment defect, not a data problem.
	ErrCryptoUnavailable = errors.New("entitlements: HMAC-SHA256 unavailable")

	// ErrMissingSecret is returned when signing is attempted without a secret.
	ErrMissingSecret = errors.New("entitlements: signing secret is empty")
)

// Signer computes entitlement signatures. The zero value uses HMAC-SHA256.
type Signer struct {
	// Hash overrides the digest constructor. Nil means sha256.New.
	Hash func() hash.Hash
}

var defaultSigner = Signer{}

// Sign returns the signature of payload under secret using HMAC-SHA256.
// Identical inputs always yield the identical signature.
func Sign(payload UnsignedEntitlements, secret string) (string, error) {
	return defaultSigner.Sign(payload, secret)
}

// SignEntitlements signs payload and returns the signed record with features
// in canonical form.
func SignEntitlements(payload UnsignedEntitlements, secret string) (Entitlements, error) {
	return defaultSigner.SignEntitlements(payload, secret)
}

// Sign returns the unpadded base64url HMAC of the canonical bytes of payload.
func (s Signer) Sign(payload UnsignedEntitlements, secret string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	sum, err := s.mac([]byte(secret), CanonicalBytes(payload))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// SignEntitlements signs payload and attaches the signature.
func (s Signer) SignEntitlements(payload UnsignedEntitlements, secret string) (Entitlements, error) {
	canonical := Canonicalize(payload)
	sig, err := s.Sign(canonical, secret)
	if err != nil {
		return Entitlements{}, err
	}
	return Entitlements{UnsignedEntitlements: canonical, Signature: sig}, nil
}

func (s Signer) mac(key, msg []byte) (sum []byte, err error) {
	newHash := s.Hash
	if newHash == nil {
		newHash = sha256.New
	}

	// crypto/hmac panics when the runtime refuses the primitive, for example
	// short keys under GODEBUG=fips140=only.
	defer func() {
		if r := recover(); r != nil {
			sum = nil
			err = fmt.Errorf("%w: %v", ErrCryptoUnavailable, r)
		}
	}()

	mac := hmac.New(newHash, key)
	mac.Write(msg)
	return mac.Sum(nil), nil
}
