package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlements"
)

const testSecret = "cli-test-secret"

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv(secretEnv, "")

	oldTerminal, oldNow := isTerminal, nowFn
	isTerminal = func(int) bool { return false }
	nowFn = func() time.Time { return time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC) }
	t.Cleanup(func() {
		isTerminal = oldTerminal
		nowFn = oldNow
	})
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"
	out, _, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "entitlements 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	out, _, err = execute(t, "", "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestSecretCmd(t *testing.T) {
	out, _, err := execute(t, "", "secret")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	_, _, err = execute(t, "", "secret", "--bytes", "8")
	assert.ErrorContains(t, err, "--bytes must be at least 16")
}

func TestIssueThenVerify(t *testing.T) {
	isolate(t)

	out, _, err := execute(t, "", "issue",
		"--secret", testSecret,
		"--app-id", "crm",
		"--mode", "self_host",
		"--self-host-license",
		"--update-pack-year", "2026",
		"--feature", "sso", "--feature", "api",
	)
	require.NoError(t, err)
	token := strings.TrimSpace(out)

	e, err := entitlements.ParseToken([]byte(token))
	require.NoError(t, err)
	assert.Equal(t, "2026-04-01T08:00:00.000Z", e.IssuedAt)
	assert.Equal(t, []string{"api", "sso"}, e.Features)
	assert.Nil(t, e.ExpiresAt)

	t.Setenv(secretEnv, testSecret)
	out, _, err = execute(t, token, "verify", "--update-pack-year", "2027")
	require.NoError(t, err)
	var report verifyReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Valid)
	require.NotNil(t, report.Gates)
	assert.True(t, report.Gates.CanUseSelfHost)
	require.NotNil(t, report.Gates.CanUseUpdatePack)
	assert.False(t, *report.Gates.CanUseUpdatePack)

	path := writeFile(t, "token.json", token+"\n")
	_, _, err = execute(t, "", "verify", path)
	require.NoError(t, err)

	out, _, err = execute(t, "", "verify", "--revoked", e.Signature, path)
	assert.True(t, errors.Is(err, errTokenInvalid))
	assert.JSONEq(t, `{"valid":false}`, out)

	_, _, err = execute(t, "", "verify", "--secret", "other-secret", path)
	assert.True(t, errors.Is(err, errTokenInvalid))
}

func TestIssueErrors(t *testing.T) {
	isolate(t)

	_, _, err := execute(t, "", "issue", "--app-id", "crm")
	assert.ErrorContains(t, err, "signing secret is required")

	_, _, err = execute(t, "", "issue", "--secret", testSecret, "--app-id", "crm", "--mode", "gold")
	assert.EqualError(t, err, "mode must be hosted, self_host, or local_only")

	_, _, err = execute(t, "", "issue", "--secret", testSecret, "--app-id", "crm", "--expires-at", "soon")
	assert.EqualError(t, err, "expiresAt must be an ISO-8601 datetime")

	_, _, err = execute(t, "", "issue", "--secret", testSecret)
	assert.ErrorContains(t, err, "app-id")
}

func TestSecretPrompt(t *testing.T) {
	isolate(t)
	isTerminal = func(int) bool { return true }
	oldRead := readPassword
	readPassword = func(int) ([]byte, error) { return []byte("prompted-secret\n"), nil }
	t.Cleanup(func() { readPassword = oldRead })

	out, stderr, err := execute(t, "", "issue", "--app-id", "crm", "--mode", "hosted", "--hosted-active")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Signing secret:")
	assert.True(t, entitlements.VerifyToken([]byte(strings.TrimSpace(out)), "prompted-secret", entitlements.VerifyOptions{}))
}

func TestDerive(t *testing.T) {
	isolate(t)

	purchase := writeFile(t, "purchase.json", `{
		"eventId": "evt_1",
		"eventType": "purchase_created",
		"sku": "hosted_monthly",
		"expiresAt": "2026-05-01T00:00:00.000Z",
		"metadata": {"buyerId": "cus_1"}
	}`)
	out, _, err := execute(t, "", "derive", "--secret", testSecret, "--event", purchase, "--app-id", "crm")
	require.NoError(t, err)
	first, err := entitlements.ParseToken([]byte(out))
	require.NoError(t, err)
	require.True(t, entitlements.Verify(first, testSecret, entitlements.VerifyOptions{}))
	assert.Equal(t, "crm", first.AppID)
	assert.Equal(t, entitlements.ModeHosted, first.Mode)
	assert.True(t, entitlements.CanUseHosted(first, nowFn()))

	previous := writeFile(t, "previous.json", out)
	refund := `{"eventId": "evt_2", "eventType": "purchase_refunded", "sku": "hosted_monthly", "appId": "crm"}`
	out, _, err = execute(t, refund, "derive", "--secret", testSecret, "--previous", previous)
	require.NoError(t, err)
	second, err := entitlements.ParseToken([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, entitlements.ModeLocalOnly, second.Mode)
	assert.False(t, second.HostedActive)
	assert.Nil(t, second.ExpiresAt)

	// A previous token signed with another secret is ignored.
	selfHost := `{"eventId": "evt_3", "eventType": "purchase_created", "sku": "update_pack_2026", "appId": "crm"}`
	out, _, err = execute(t, selfHost, "derive", "--secret", "rotated-secret", "--previous", previous)
	require.NoError(t, err)
	third, err := entitlements.ParseToken([]byte(out))
	require.NoError(t, err)
	assert.False(t, third.HostedActive)
	require.NotNil(t, third.UpdatePackYear)
	assert.Equal(t, 2026, *third.UpdatePackYear)

	_, _, err = execute(t, `{"eventId":"evt_4","eventType":"purchase_created","sku":"gold","appId":"crm"}`, "derive", "--secret", testSecret)
	assert.ErrorContains(t, err, "parse event:")
}
