package entitlements

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func validInput() IssueInput {
	return IssueInput{
		AppID:           "crm",
		Mode:            ModeHosted,
		HostedActive:    boolPtr(true),
		SelfHostLicense: boolPtr(false),
		Features:        []string{"reports", "api", "reports"},
		ExpiresAt:       StringPtr("2026-07-01T00:00:00.000Z"),
	}
}

func TestIssueAtBuildsSignedRecord(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 30, 0, 123456789, time.UTC)

	result, err := IssueAt(validInput(), testSecret, now)
	if err != nil {
		t.Fatalf("IssueAt: %v", err)
	}

	e := result.Entitlements
	if e.IssuedAt != "2026-06-01T08:30:00.123Z" {
		t.Fatalf("IssuedAt = %q, want default from now", e.IssuedAt)
	}
	if strings.Join(e.Features, ",") != "api,reports" {
		t.Fatalf("Features = %v, want [api reports]", e.Features)
	}
	if !Verify(&e, testSecret, VerifyOptions{}) {
		t.Fatal("issued record does not verify")
	}
	if !CanUseHosted(&e, now) {
		t.Fatal("issued hosted record should pass the hosted gate")
	}
}

func TestIssueKeepsExplicitIssuedAt(t *testing.T) {
	in := validInput()
	in.IssuedAt = StringPtr("2025-12-31T23:59:59Z")

	result, err := IssueAt(in, testSecret, time.Now())
	if err != nil {
		t.Fatalf("IssueAt: %v", err)
	}
	if result.Entitlements.IssuedAt != "2025-12-31T23:59:59Z" {
		t.Fatalf("IssuedAt = %q, want explicit value", result.Entitlements.IssuedAt)
	}
}

func TestIssueUsesPackageClock(t *testing.T) {
	fixed := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	orig := nowFn
	nowFn = func() time.Time { return fixed }
	t.Cleanup(func() { nowFn = orig })

	result, err := Issue(validInput(), testSecret)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if result.Entitlements.IssuedAt != "2030-01-02T03:04:05.000Z" {
		t.Fatalf("IssuedAt = %q", result.Entitlements.IssuedAt)
	}
}

func TestIssueTokenIsSerializedRecord(t *testing.T) {
	result, err := IssueAt(validInput(), testSecret, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("IssueAt: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(result.Token), &raw); err != nil {
		t.Fatalf("token is not JSON: %v", err)
	}
	for _, key := range []string{"appId", "mode", "hostedActive", "selfHostLicense", "updatePackYear", "features", "issuedAt", "expiresAt", "signature"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("token missing key %q: %s", key, result.Token)
		}
	}
	if string(raw["updatePackYear"]) != "null" {
		t.Fatalf("updatePackYear = %s, want explicit null", raw["updatePackYear"])
	}
	if !strings.HasPrefix(result.Token, `{"appId":"crm","mode":"hosted",`) {
		t.Fatalf("token key order unexpected: %s", result.Token)
	}

	parsed, err := ParseToken([]byte(result.Token))
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if parsed.Signature != result.Entitlements.Signature {
		t.Fatalf("parsed signature %q, want %q", parsed.Signature, result.Entitlements.Signature)
	}
}

func TestValidateIssueInput(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(in *IssueInput)
		field   string
		message string
	}{
		{name: "empty appId", mutate: func(in *IssueInput) { in.AppID = " " }, field: "appId"},
		{name: "bad mode", mutate: func(in *IssueInput) { in.Mode = "enterprise" }, field: "mode", message: "mode must be hosted, self_host, or local_only"},
		{name: "missing hostedActive", mutate: func(in *IssueInput) { in.HostedActive = nil }, field: "hostedActive"},
		{name: "missing selfHostLicense", mutate: func(in *IssueInput) { in.SelfHostLicense = nil }, field: "selfHostLicense"},
		{name: "year too low", mutate: func(in *IssueInput) { in.UpdatePackYear = IntPtr(1999) }, field: "updatePackYear"},
		{name: "year too high", mutate: func(in *IssueInput) { in.UpdatePackYear = IntPtr(10000) }, field: "updatePackYear"},
		{name: "bad issuedAt", mutate: func(in *IssueInput) { in.IssuedAt = StringPtr("yesterday") }, field: "issuedAt"},
		{name: "bad expiresAt", mutate: func(in *IssueInput) { in.ExpiresAt = StringPtr("2026-13-45") }, field: "expiresAt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)

			err := ValidateIssueInput(in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("ValidateIssueInput error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("Field = %q, want %q", ve.Field, tt.field)
			}
			if tt.message != "" && ve.Message != tt.message {
				t.Fatalf("Message = %q, want %q", ve.Message, tt.message)
			}
			if _, err := IssueAt(in, testSecret, time.Now()); !IsValidationError(err) {
				t.Fatalf("IssueAt error = %v, want validation error", err)
			}
		})
	}

	in := validInput()
	in.UpdatePackYear = IntPtr(2000)
	if err := ValidateIssueInput(in); err != nil {
		t.Fatalf("year 2000 rejected: %v", err)
	}
	in.UpdatePackYear = IntPtr(9999)
	if err := ValidateIssueInput(in); err != nil {
		t.Fatalf("year 9999 rejected: %v", err)
	}
}

func TestDecodeIssueInput(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "features not a list", body: `{"appId":"crm","features":"api"}`, field: "features"},
		{name: "feature not a string", body: `{"appId":"crm","features":["api",3]}`, field: "features"},
		{name: "fractional year", body: `{"appId":"crm","updatePackYear":2025.5}`, field: "updatePackYear"},
		{name: "string boolean", body: `{"appId":"crm","hostedActive":"yes"}`, field: "hostedActive"},
		{name: "not an object", body: `[1,2]`, field: "body"},
		{name: "garbage", body: `{`, field: "body"},
		{name: "trailing garbage", body: `{"appId":"crm"}garbage`, field: "body"},
		{name: "second object", body: `{"appId":"crm"} {"appId":"other"}`, field: "body"},
		{name: "stray brace", body: `{"appId":"crm"}}`, field: "body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeIssueInput(strings.NewReader(tt.body))
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("DecodeIssueInput error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("Field = %q (%s), want %q", ve.Field, ve.Message, tt.field)
			}
		})
	}

	in, err := DecodeIssueInput(strings.NewReader("{\"appId\":\"crm\",\"mode\":\"self_host\",\"hostedActive\":false,\"selfHostLicense\":true,\"updatePackYear\":2026}\n"))
	if err != nil {
		t.Fatalf("DecodeIssueInput: %v", err)
	}
	if err := ValidateIssueInput(in); err != nil {
		t.Fatalf("ValidateIssueInput: %v", err)
	}
}

func TestIssueRequiresSecret(t *testing.T) {
	if _, err := IssueAt(validInput(), "", time.Now()); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("IssueAt error = %v, want ErrMissingSecret", err)
	}
}
