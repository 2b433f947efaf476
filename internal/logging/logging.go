// Package logging configures the process-wide zerolog logger and carries
// request-scoped loggers through contexts.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// fingerprintLen is how much of a signature is safe to log. Enough to match
// a revocation entry by eye, not enough to reassemble a token.
const fingerprintLen = 8

type ctxKey int

const (
	requestIDKey ctxKey = iota
	loggerKey
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // e.g. "entitlements" or "entitlements-cli"
}

var (
	mu         sync.RWMutex
	baseLogger zerolog.Logger
	baseWriter io.Writer = os.Stderr

	isTerminalFn = term.IsTerminal
)

const timeFormat = time.RFC3339

func init() {
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
}

// Init configures zerolog globals and replaces the base logger. Both the
// service and the CLI write to stderr.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = timeFormat
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	writer := selectWriter(cfg.Format, os.Stderr)

	builder := zerolog.New(writer).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		builder = builder.Str("component", component)
	}

	baseLogger = builder.Logger()
	baseWriter = writer
	log.Logger = baseLogger
	return baseLogger
}

// InitFromConfig applies LOG_LEVEL and LOG_FORMAT overrides, rejects values
// it does not recognise and initializes logging.
func InitFromConfig(ctx context.Context, cfg Config) (zerolog.Logger, error) {
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		cfg.Format = v
	}

	if !validLevel(cfg.Level) {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q", cfg.Level)
	}
	if !validFormat(cfg.Format) {
		return zerolog.Logger{}, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	logger := Init(cfg)
	if id := GetRequestID(ctx); id != "" {
		logger = logger.With().Str("request_id", id).Logger()
	}
	return logger, nil
}

// WithLogger stores logger on the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored on ctx, or the base logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if stored, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
			return stored
		}
	}
	mu.RLock()
	defer mu.RUnlock()
	return baseLogger
}

// WithRequestID stores requestID (or a generated one) on ctx along with a
// logger that tags every event with it.
func WithRequestID(ctx context.Context, requestID string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := FromContext(ctx).With().Str("request_id", requestID).Logger()
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return WithLogger(ctx, logger), requestID
}

// GetRequestID returns the request id stored on ctx, if any.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Fingerprint shortens a token signature for log fields.
func Fingerprint(signature string) string {
	if len(signature) <= fingerprintLen {
		return signature
	}
	return signature[:fingerprintLen] + "..."
}

func validLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error", "disabled":
		return true
	}
	return false
}

func validFormat(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "auto", "json", "console":
		return true
	}
	return false
}

// parseLevel is lenient; InitFromConfig is the strict entry point.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func selectWriter(format string, out *os.File) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return newConsoleWriter(out)
	case "json":
		return out
	default:
		if isTerminal(out) {
			return newConsoleWriter(out)
		}
		return out
	}
}

func newConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: timeFormat,
	}
}

func isTerminal(file *os.File) bool {
	if file == nil {
		return false
	}
	return isTerminalFn(int(file.Fd()))
}
