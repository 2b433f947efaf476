package entitlements

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// tokenWire mirrors Entitlements with pointers so missing keys and nulls can
// be told apart from zero values.
type tokenWire struct {
	AppID           *string   `json:"appId"`
	Mode            *string   `json:"mode"`
	HostedActive    *bool     `json:"hostedActive"`
	SelfHostLicense *bool     `json:"selfHostLicense"`
	UpdatePackYear  *int      `json:"updatePackYear"`
	Features        *[]string `json:"features"`
	IssuedAt        *string   `json:"issuedAt"`
	ExpiresAt       *string   `json:"expiresAt"`
	Signature       *string   `json:"signature"`
}

// ParseToken decodes a serialized token and checks its shape: JSON types,
// required keys and the minimum signature length. It does not verify the
// signature.
func ParseToken(token []byte) (*Entitlements, error) {
	token = bytes.TrimSpace(token)
	if len(token) == 0 {
		return nil, &ValidationError{Field: "token", Message: "token is empty"}
	}

	var wire tokenWire
	if err := json.Unmarshal(token, &wire); err != nil {
		return nil, &ValidationError{Field: "token", Message: fmt.Sprintf("token is not a valid entitlement record: %v", err)}
	}

	switch {
	case wire.AppID == nil:
		return nil, fieldError("appId")
	case wire.Mode == nil:
		return nil, fieldError("mode")
	case wire.HostedActive == nil:
		return nil, fieldError("hostedActive")
	case wire.SelfHostLicense == nil:
		return nil, fieldError("selfHostLicense")
	case wire.Features == nil:
		return nil, fieldError("features")
	case wire.IssuedAt == nil:
		return nil, fieldError("issuedAt")
	case wire.Signature == nil:
		return nil, &ValidationError{Field: "signature", Message: "signature is required"}
	}

	e := &Entitlements{
		UnsignedEntitlements: UnsignedEntitlements{
			AppID:           *wire.AppID,
			Mode:            PlanMode(*wire.Mode),
			HostedActive:    *wire.HostedActive,
			SelfHostLicense: *wire.SelfHostLicense,
			UpdatePackYear:  wire.UpdatePackYear,
			Features:        *wire.Features,
			IssuedAt:        *wire.IssuedAt,
			ExpiresAt:       wire.ExpiresAt,
		},
		Signature: *wire.Signature,
	}
	if err := validateStructure(e); err != nil {
		return nil, err
	}
	return e, nil
}
