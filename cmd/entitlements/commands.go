package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcourtman/pulse-entitlements/pkg/billing"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlements"
)

const maxInputBytes int64 = 1 << 20 // 1 MiB

// errTokenInvalid makes verify exit non-zero after printing its report.
var errTokenInvalid = errors.New("token is not valid")

// Swapped in tests.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
	nowFn        = time.Now
)

// resolveSecret returns the signing secret from the flag, the environment or
// an interactive prompt, in that order.
func resolveSecret(cmd *cobra.Command, flagValue string) (string, error) {
	if s := strings.TrimSpace(flagValue); s != "" {
		return s, nil
	}
	if s := strings.TrimSpace(os.Getenv(secretEnv)); s != "" {
		return s, nil
	}

	fd := int(syscall.Stdin)
	if !isTerminal(fd) {
		return "", fmt.Errorf("signing secret is required (--secret or %s)", secretEnv)
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Signing secret: ")
	raw, err := readPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read signing secret: %w", err)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", fmt.Errorf("signing secret is required")
	}
	return secret, nil
}

// readInput reads path, or the command's stdin when path is empty or "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	var r io.Reader
	if path == "" || path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(io.LimitReader(r, maxInputBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxInputBytes {
		return nil, fmt.Errorf("input exceeds %d bytes", maxInputBytes)
	}
	return data, nil
}

func parseNow(value string) (time.Time, error) {
	if value == "" {
		return nowFn(), nil
	}
	t, err := entitlements.ParseTimestamp(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--now: %w", err)
	}
	return t, nil
}

func newIssueCmd() *cobra.Command {
	var (
		secret          string
		appID           string
		mode            string
		hostedActive    bool
		selfHostLicense bool
		updatePackYear  int
		features        []string
		issuedAt        string
		expiresAt       string
		pretty          bool
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign an entitlement record and print its token",
		Example: `  # Hosted plan expiring at the end of the year
  entitlements issue --app-id crm --mode hosted --hosted-active --expires-at 2026-12-31T23:59:59Z

  # Self-host license with update packs through 2026
  ENTITLEMENTS_SIGNING_SECRET=... entitlements issue --app-id crm --mode self_host --self-host-license --update-pack-year 2026`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveSecret(cmd, secret)
			if err != nil {
				return err
			}

			in := entitlements.IssueInput{
				AppID:           appID,
				Mode:            entitlements.PlanMode(mode),
				HostedActive:    &hostedActive,
				SelfHostLicense: &selfHostLicense,
				Features:        features,
			}
			if cmd.Flags().Changed("update-pack-year") {
				in.UpdatePackYear = &updatePackYear
			}
			if issuedAt != "" {
				in.IssuedAt = &issuedAt
			}
			if expiresAt != "" {
				in.ExpiresAt = &expiresAt
			}

			res, err := entitlements.IssueAt(in, key, nowFn())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if pretty {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				enc.SetEscapeHTML(false)
				return enc.Encode(res.Entitlements)
			}
			_, err = fmt.Fprintln(out, res.Token)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&secret, "secret", "", "signing secret (default $"+secretEnv+")")
	flags.StringVar(&appID, "app-id", "", "application the entitlement is scoped to")
	flags.StringVar(&mode, "mode", string(entitlements.ModeLocalOnly), "plan mode: hosted, self_host or local_only")
	flags.BoolVar(&hostedActive, "hosted-active", false, "grant an active hosted subscription")
	flags.BoolVar(&selfHostLicense, "self-host-license", false, "grant a perpetual self-host license")
	flags.IntVar(&updatePackYear, "update-pack-year", 0, "latest update pack year covered")
	flags.StringSliceVar(&features, "feature", nil, "feature flag (repeatable)")
	flags.StringVar(&issuedAt, "issued-at", "", "issuance timestamp (default now)")
	flags.StringVar(&expiresAt, "expires-at", "", "expiry timestamp (default never)")
	flags.BoolVar(&pretty, "pretty", false, "print the record as indented JSON")
	_ = cmd.MarkFlagRequired("app-id")
	return cmd
}

type verifyReport struct {
	Valid bool                     `json:"valid"`
	Gates *entitlements.GateReport `json:"gates,omitempty"`
}

func newVerifyCmd() *cobra.Command {
	var (
		secret         string
		updatePackYear int
		now            string
		revoked        []string
	)

	cmd := &cobra.Command{
		Use:   "verify [token-file]",
		Short: "Verify a token and report its gates",
		Long:  `Verify a token read from a file or stdin. Prints a JSON report and exits 1 when the token does not verify.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			data, err := readInput(cmd, path)
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			key, err := resolveSecret(cmd, secret)
			if err != nil {
				return err
			}
			at, err := parseNow(now)
			if err != nil {
				return err
			}

			report := verifyReport{}
			e, parseErr := entitlements.ParseToken(data)
			if parseErr != nil {
				log.Debug().Err(parseErr).Msg("Token is malformed")
			} else {
				ok, reason := entitlements.VerifyWithReason(e, key, entitlements.VerifyOptions{
					RevokedSignatures: entitlements.RevokedSet(revoked...),
				})
				if ok {
					var year *int
					if cmd.Flags().Changed("update-pack-year") {
						year = &updatePackYear
					}
					gates := entitlements.Evaluate(e, year, at)
					report = verifyReport{Valid: true, Gates: &gates}
				} else {
					log.Debug().Str("guard", string(reason)).Msg("Token failed verification")
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Valid {
				return errTokenInvalid
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&secret, "secret", "", "signing secret (default $"+secretEnv+")")
	flags.IntVar(&updatePackYear, "update-pack-year", 0, "also check coverage of this update pack year")
	flags.StringVar(&now, "now", "", "evaluate gates at this timestamp (default now)")
	flags.StringSliceVar(&revoked, "revoked", nil, "revoked signature (repeatable)")
	return cmd
}

func newDeriveCmd() *cobra.Command {
	var (
		secret       string
		previousPath string
		eventPath    string
		defaultAppID string
		now          string
	)

	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Apply a billing event payload to a previous token offline",
		Long: `Apply a billing webhook payload to an optional previous token and print the newly signed token.
A previous token that does not verify is ignored and derivation starts from defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveSecret(cmd, secret)
			if err != nil {
				return err
			}
			at, err := parseNow(now)
			if err != nil {
				return err
			}

			payload, err := readInput(cmd, eventPath)
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}
			ev, err := billing.ParseWebhookPayload(payload, billing.DefaultCatalog, defaultAppID)
			if err != nil {
				return fmt.Errorf("parse event: %w", err)
			}

			var previous *entitlements.Entitlements
			if previousPath != "" {
				data, err := readInput(cmd, previousPath)
				if err != nil {
					return fmt.Errorf("read previous token: %w", err)
				}
				previous = loadPrevious(data, key)
			}

			signed, err := entitlements.SignEntitlements(billing.Derive(ev, previous, at), key)
			if err != nil {
				return err
			}
			token, err := entitlements.MarshalToken(signed)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&secret, "secret", "", "signing secret (default $"+secretEnv+")")
	flags.StringVar(&previousPath, "previous", "", "file holding the current token")
	flags.StringVar(&eventPath, "event", "-", "file holding the billing webhook payload (- for stdin)")
	flags.StringVar(&defaultAppID, "app-id", "", "app id for payloads that omit appId")
	flags.StringVar(&now, "now", "", "derivation time used when the event has no issuedAt")
	return cmd
}

func loadPrevious(data []byte, secret string) *entitlements.Entitlements {
	e, err := entitlements.ParseToken(data)
	if err != nil {
		log.Warn().Err(err).Msg("Previous token is malformed; deriving from defaults")
		return nil
	}
	if ok, reason := entitlements.VerifyWithReason(e, secret, entitlements.VerifyOptions{}); !ok {
		log.Warn().Str("guard", string(reason)).Msg("Previous token failed verification; deriving from defaults")
		return nil
	}
	return e
}

func newSecretCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Generate a random signing secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if size < 16 {
				return fmt.Errorf("--bytes must be at least 16, got %d", size)
			}
			buf := make([]byte, size)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("generate secret: %w", err)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), base64.RawURLEncoding.EncodeToString(buf))
			return err
		},
	}
	cmd.Flags().IntVar(&size, "bytes", 32, "number of random bytes")
	return cmd
}
