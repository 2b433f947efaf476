// Package config loads the entitlement service configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const databaseFile = "entitlements.db"

// Config holds all configuration for the entitlement service.
type Config struct {
	SigningSecret     string
	AdminKey          string
	WebhookSecret     string // empty disables the billing webhook
	DataDir           string
	BindAddress       string
	Port              int
	DefaultAppID      string
	RevocationFile    string
	RevocationRefresh time.Duration
	WebhookTolerance  time.Duration
	PublicMetrics     bool
	LogLevel          string
	LogFormat         string
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, databaseFile)
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// WebhookEnabled reports whether billing webhooks can be authenticated.
func (c *Config) WebhookEnabled() bool {
	return c.WebhookSecret != ""
}

// Load loads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("ENTITLEMENTS_PORT", 8080)
	if err != nil {
		return nil, err
	}
	refresh, err := envOrDefaultDuration("ENTITLEMENTS_REVOCATION_REFRESH", time.Minute)
	if err != nil {
		return nil, err
	}
	tolerance, err := envOrDefaultDuration("ENTITLEMENTS_WEBHOOK_TOLERANCE", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("ENTITLEMENTS_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		// Secrets are used verbatim; only surrounding whitespace is dropped.
		SigningSecret:     strings.TrimSpace(os.Getenv("ENTITLEMENTS_SIGNING_SECRET")),
		AdminKey:          strings.TrimSpace(os.Getenv("ENTITLEMENTS_ADMIN_KEY")),
		WebhookSecret:     strings.TrimSpace(os.Getenv("ENTITLEMENTS_WEBHOOK_SECRET")),
		DataDir:           envOrDefault("ENTITLEMENTS_DATA_DIR", "/data"),
		BindAddress:       envOrDefault("ENTITLEMENTS_BIND_ADDRESS", "0.0.0.0"),
		Port:              port,
		DefaultAppID:      strings.TrimSpace(os.Getenv("ENTITLEMENTS_DEFAULT_APP_ID")),
		RevocationFile:    strings.TrimSpace(os.Getenv("ENTITLEMENTS_REVOCATION_FILE")),
		RevocationRefresh: refresh,
		WebhookTolerance:  tolerance,
		PublicMetrics:     publicMetrics,
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate entitlements config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.SigningSecret == "" {
		missing = append(missing, "ENTITLEMENTS_SIGNING_SECRET")
	}
	if c.AdminKey == "" {
		missing = append(missing, "ENTITLEMENTS_ADMIN_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ENTITLEMENTS_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.RevocationRefresh <= 0 {
		return fmt.Errorf("ENTITLEMENTS_REVOCATION_REFRESH must be greater than 0, got %s", c.RevocationRefresh)
	}
	if c.WebhookTolerance <= 0 {
		return fmt.Errorf("ENTITLEMENTS_WEBHOOK_TOLERANCE must be greater than 0, got %s", c.WebhookTolerance)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
