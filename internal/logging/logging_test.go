package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	isTerminalFn = term.IsTerminal
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// captureBase points the base logger at a buffer for the rest of the test.
func captureBase(t *testing.T) *bytes.Buffer {
	t.Helper()
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	mu.Lock()
	baseWriter = &buf
	baseLogger = zerolog.New(&buf)
	mu.Unlock()
	return &buf
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line, _, _ := strings.Cut(strings.TrimSpace(buf.String()), "\n")
	if line == "" {
		t.Fatal("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line %q: %v", line, err)
	}
	return event
}

func TestInitJSONFormat(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "json", Level: "debug", Component: "entitlements"})

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("global level = %s, want debug", zerolog.GlobalLevel())
	}

	mu.RLock()
	defer mu.RUnlock()
	if baseWriter != os.Stderr {
		t.Fatalf("base writer = %#v, want os.Stderr", baseWriter)
	}
}

func TestInitSelectsWriter(t *testing.T) {
	tests := []struct {
		name        string
		format      string
		terminal    bool
		wantConsole bool
	}{
		{name: "console", format: "console", wantConsole: true},
		{name: "json on a terminal", format: "json", terminal: true},
		{name: "auto on a pipe", format: "auto"},
		{name: "auto on a terminal", format: "auto", terminal: true, wantConsole: true},
		{name: "empty on a terminal", format: "", terminal: true, wantConsole: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Cleanup(resetLoggingState)
			isTerminalFn = func(int) bool { return tt.terminal }

			Init(Config{Format: tt.format, Level: "info"})

			mu.RLock()
			_, isConsole := baseWriter.(zerolog.ConsoleWriter)
			mu.RUnlock()
			if isConsole != tt.wantConsole {
				t.Fatalf("console writer = %v, want %v", isConsole, tt.wantConsole)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"info":     zerolog.InfoLevel,
		" DEBUG ":  zerolog.DebugLevel,
		"trace":    zerolog.TraceLevel,
		"warning":  zerolog.WarnLevel,
		"warn":     zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"chatty":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestWithRequestIDGeneratesAndTags(t *testing.T) {
	buf := captureBase(t)

	ctx, id := WithRequestID(context.Background(), "   ")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("generated request id %q is not a UUID: %v", id, err)
	}
	if got := GetRequestID(ctx); got != id {
		t.Fatalf("GetRequestID = %q, want %q", got, id)
	}

	logger := FromContext(ctx)
	logger.Info().Msg("verified")

	event := readJSONLine(t, buf)
	if event["request_id"] != id {
		t.Fatalf("request_id = %v, want %s", event["request_id"], id)
	}
}

func TestWithRequestIDKeepsIncomingID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), " req-42 ")
	if id != "req-42" {
		t.Fatalf("request id = %q, want req-42", id)
	}
	if GetRequestID(ctx) != "req-42" {
		t.Fatalf("GetRequestID = %q, want req-42", GetRequestID(ctx))
	}
}

func TestWithRequestIDExtendsStoredLogger(t *testing.T) {
	var buf bytes.Buffer
	t.Cleanup(resetLoggingState)

	ctx := WithLogger(context.Background(), zerolog.New(&buf).With().Str("component", "webhook").Logger())
	ctx, _ = WithRequestID(ctx, "req-7")
	logger := FromContext(ctx)
	logger.Warn().Msg("duplicate event")

	line := buf.String()
	if strings.Count(line, `"request_id"`) != 1 {
		t.Fatalf("expected exactly one request_id field, got %s", line)
	}
	event := readJSONLine(t, &buf)
	if event["component"] != "webhook" || event["request_id"] != "req-7" {
		t.Fatalf("unexpected event fields: %v", event)
	}
}

func TestFromContextFallsBackToBase(t *testing.T) {
	buf := captureBase(t)

	for _, ctx := range []context.Context{nil, context.Background()} {
		buf.Reset()
		logger := FromContext(ctx)
		logger.Info().Msg("base")
		event := readJSONLine(t, buf)
		if _, ok := event["request_id"]; ok {
			t.Fatalf("unexpected request_id in %v", event)
		}
	}

	if GetRequestID(nil) != "" {
		t.Fatal("GetRequestID(nil) should be empty")
	}
}

func TestInitFromConfigEnvOverrides(t *testing.T) {
	t.Cleanup(resetLoggingState)
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "json")

	ctx, _ := WithRequestID(context.Background(), "boot-1")
	if _, err := InitFromConfig(ctx, Config{Level: "debug", Format: "console"}); err != nil {
		t.Fatalf("InitFromConfig: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("global level = %s, want warn", zerolog.GlobalLevel())
	}

	mu.RLock()
	defer mu.RUnlock()
	if _, isConsole := baseWriter.(zerolog.ConsoleWriter); isConsole {
		t.Fatal("LOG_FORMAT=json should override console")
	}
}

func TestInitFromConfigRejectsUnknownValues(t *testing.T) {
	t.Cleanup(resetLoggingState)
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "level", cfg: Config{Level: "chatty"}, wantErr: `invalid log level "chatty"`},
		{name: "fatal is not offered", cfg: Config{Level: "fatal"}, wantErr: "invalid log level"},
		{name: "format", cfg: Config{Format: "xml"}, wantErr: `invalid log format "xml"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := InitFromConfig(context.Background(), tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("InitFromConfig error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"short":        "short",
		"exactly8":     "exactly8",
		"abcdefghijk":  "abcdefgh...",
		"Zm9vYmFyYmF6": "Zm9vYmFy...",
	}
	for in, want := range tests {
		if got := Fingerprint(in); got != want {
			t.Errorf("Fingerprint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInitConcurrentWithFromContext(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			Init(Config{Format: "json", Level: "error", Component: "entitlements"})
		}()
		go func() {
			defer wg.Done()
			ctx, _ := WithRequestID(context.Background(), "")
			_ = FromContext(ctx)
		}()
	}
	wg.Wait()
}
