package entitlements

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	MinUpdatePackYear = 2000
	MaxUpdatePackYear = 9999

	modeMessage = "mode must be hosted, self_host, or local_only"
)

// ValidationError describes which input field was rejected and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IssueInput is an administrative issuance request. Pointer fields distinguish
// "absent" from the zero value.
type IssueInput struct {
	AppID           string   `json:"appId"`
	Mode            PlanMode `json:"mode"`
	HostedActive    *bool    `json:"hostedActive"`
	SelfHostLicense *bool    `json:"selfHostLicense"`
	UpdatePackYear  *int     `json:"updatePackYear,omitempty"`
	Features        []string `json:"features,omitempty"`
	IssuedAt        *string  `json:"issuedAt,omitempty"`
	ExpiresAt       *string  `json:"expiresAt,omitempty"`
}

// IssueResult is a freshly signed record and its serialized token.
type IssueResult struct {
	Token        string       `json:"token"`
	Entitlements Entitlements `json:"entitlements"`
}

var fieldMessages = map[string]string{
	"appId":           "appId must be a non-empty string",
	"mode":            modeMessage,
	"hostedActive":    "hostedActive must be a boolean",
	"selfHostLicense": "selfHostLicense must be a boolean",
	"updatePackYear":  fmt.Sprintf("updatePackYear must be an integer between %d and %d", MinUpdatePackYear, MaxUpdatePackYear),
	"features":        "features must be a list of strings",
	"issuedAt":        "issuedAt must be an ISO-8601 datetime",
	"expiresAt":       "expiresAt must be an ISO-8601 datetime",
}

func fieldError(field string) *ValidationError {
	msg, ok := fieldMessages[field]
	if !ok {
		msg = field + " is invalid"
	}
	return &ValidationError{Field: field, Message: msg}
}

// DecodeIssueInput decodes a JSON issuance request. Type mismatches are
// reported as field-level validation errors rather than decoder messages.
// Anything after the object other than whitespace is rejected.
func DecodeIssueInput(r io.Reader) (IssueInput, error) {
	var in IssueInput
	dec := json.NewDecoder(r)
	if err := dec.Decode(&in); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return IssueInput{}, fieldError(strings.SplitN(typeErr.Field, ".", 2)[0])
		}
		return IssueInput{}, &ValidationError{Field: "body", Message: "request body must be a JSON object"}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return IssueInput{}, &ValidationError{Field: "body", Message: "request body must be a single JSON object"}
	}
	return in, nil
}

// ValidateIssueInput checks in and returns the first failing field.
func ValidateIssueInput(in IssueInput) error {
	if strings.TrimSpace(in.AppID) == "" {
		return fieldError("appId")
	}
	if !in.Mode.Valid() {
		return fieldError("mode")
	}
	if in.HostedActive == nil {
		return fieldError("hostedActive")
	}
	if in.SelfHostLicense == nil {
		return fieldError("selfHostLicense")
	}
	if in.UpdatePackYear != nil {
		if y := *in.UpdatePackYear; y < MinUpdatePackYear || y > MaxUpdatePackYear {
			return fieldError("updatePackYear")
		}
	}
	if in.IssuedAt != nil {
		if _, err := ParseTimestamp(*in.IssuedAt); err != nil {
			return fieldError("issuedAt")
		}
	}
	if in.ExpiresAt != nil {
		if _, err := ParseTimestamp(*in.ExpiresAt); err != nil {
			return fieldError("expiresAt")
		}
	}
	return nil
}

var nowFn = time.Now

// Issue validates in, signs it with secret and returns the record and token.
// A missing issuedAt defaults to the current time.
func Issue(in IssueInput, secret string) (*IssueResult, error) {
	return IssueAt(in, secret, nowFn())
}

// IssueAt is Issue with an explicit default issuance time.
func IssueAt(in IssueInput, secret string, now time.Time) (*IssueResult, error) {
	if err := ValidateIssueInput(in); err != nil {
		return nil, err
	}

	issuedAt := FormatTimestamp(now)
	if in.IssuedAt != nil {
		issuedAt = *in.IssuedAt
	}

	unsigned := UnsignedEntitlements{
		AppID:           strings.TrimSpace(in.AppID),
		Mode:            in.Mode,
		HostedActive:    *in.HostedActive,
		SelfHostLicense: *in.SelfHostLicense,
		UpdatePackYear:  cloneIntPtr(in.UpdatePackYear),
		Features:        CanonicalFeatures(in.Features),
		IssuedAt:        issuedAt,
		ExpiresAt:       cloneStringPtr(in.ExpiresAt),
	}

	signed, err := SignEntitlements(unsigned, secret)
	if err != nil {
		return nil, err
	}
	token, err := MarshalToken(signed)
	if err != nil {
		return nil, err
	}
	return &IssueResult{Token: token, Entitlements: signed}, nil
}

// MarshalToken serializes a signed record as its token form: the eight
// unsigned fields followed by the signature, with nulls kept explicit.
func MarshalToken(e Entitlements) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return "", fmt.Errorf("encode entitlement token: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
