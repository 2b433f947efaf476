package api

import (
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/logging"
)

// RequestLogger attaches a request ID, recovers panics and logs every request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Honor an incoming request ID so callers can correlate retries.
		ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get(logging.RequestIDHeader))
		r = r.WithContext(ctx)
		logger := logging.FromContext(ctx)

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rw.Header().Set(logging.RequestIDHeader, requestID)

		start := time.Now()

		defer func() {
			if err := recover(); err != nil {
				logger.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")

				writeError(rw, http.StatusInternalServerError, "internal error")
			}

			event := logger.Debug()
			if rw.status >= 500 {
				event = logger.Error()
			} else if rw.status >= 400 {
				event = logger.Warn()
			}
			event.
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Int("status", rw.status).
				Int("bytes", rw.bytes).
				Dur("duration", time.Since(start)).
				Str("remote_ip", clientIP(r)).
				Msg("HTTP request")
		}()

		next.ServeHTTP(rw, r)
	})
}

// SecurityHeaders sets response headers appropriate for a JSON-only API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// AdminKeyMiddleware admits requests presenting the configured admin key in
// X-Admin-Key or as a bearer token. An empty configured key admits nobody.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	expected := []byte(adminKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := adminKeyFrom(r)
		if len(expected) == 0 || presented == "" || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			logger := logging.FromContext(r.Context())
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_ip", clientIP(r)).
				Bool("key_presented", presented != "").
				Msg("Rejected admin request")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func adminKeyFrom(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-Admin-Key")); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// statusRecorder captures the status code and body size for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.wroteHeader {
		return
	}
	sr.status = code
	sr.wroteHeader = true
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.wroteHeader {
		sr.WriteHeader(http.StatusOK)
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// Flush implements http.Flusher when the underlying writer does.
func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
