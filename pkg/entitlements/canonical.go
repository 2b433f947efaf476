package entitlements

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// canonicalPayload fixes the key order of the signing input. encoding/json
// emits struct fields in declaration order, and the pointer fields have no
// omitempty so absent values serialize as explicit nulls.
type canonicalPayload struct {
	AppID           string   `json:"appId"`
	Mode            PlanMode `json:"mode"`
	HostedActive    bool     `json:"hostedActive"`
	SelfHostLicense bool     `json:"selfHostLicense"`
	UpdatePackYear  *int     `json:"updatePackYear"`
	Features        []string `json:"features"`
	IssuedAt        string   `json:"issuedAt"`
	ExpiresAt       *string  `json:"expiresAt"`
}

// CanonicalFeatures returns features de-duplicated and sorted ascending.
// The result is never nil.
func CanonicalFeatures(features []string) []string {
	seen := make(map[string]struct{}, len(features))
	out := make([]string, 0, len(features))
	for _, feature := range features {
		if _, ok := seen[feature]; ok {
			continue
		}
		seen[feature] = struct{}{}
		out = append(out, feature)
	}
	sort.Strings(out)
	return out
}

// CanonicalBytes returns the signing input for u. The encoding depends only on
// the semantic content of u: feature order and duplicates do not change it.
func CanonicalBytes(u UnsignedEntitlements) []byte {
	payload := canonicalPayload{
		AppID:           u.AppID,
		Mode:            u.Mode,
		HostedActive:    u.HostedActive,
		SelfHostLicense: u.SelfHostLicense,
		UpdatePackYear:  u.UpdatePackYear,
		Features:        CanonicalFeatures(u.Features),
		IssuedAt:        u.IssuedAt,
		ExpiresAt:       u.ExpiresAt,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// Keep <, > and & literal in the signing input.
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		// Strings, bools and ints cannot fail to encode.
		panic(fmt.Sprintf("entitlements: canonical encoding failed: %v", err))
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// Canonicalize returns a copy of u with its features in canonical form.
func Canonicalize(u UnsignedEntitlements) UnsignedEntitlements {
	cp := u.Clone()
	cp.Features = CanonicalFeatures(u.Features)
	return cp
}
