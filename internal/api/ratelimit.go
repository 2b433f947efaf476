package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rcourtman/pulse-entitlements/internal/metrics"
)

const (
	defaultRateLimit  = 120
	defaultRateWindow = time.Minute
)

// RateLimiter is a sliding-window limiter keyed by client IP. Its name labels
// the rejection metric.
type RateLimiter struct {
	name   string
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewRateLimiter allows limit requests per client per window. Non-positive
// values fall back to 120 per minute.
func NewRateLimiter(name string, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		name:   name,
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records a request from client. When the client is over the limit it
// returns false and how long until the oldest hit leaves the window.
func (rl *RateLimiter) Allow(client string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.recentLocked(client, now)
	if len(recent) >= rl.limit {
		rl.hits[client] = recent
		return false, recent[0].Add(rl.window).Sub(now)
	}
	rl.hits[client] = append(recent, now)
	return true, 0
}

// recentLocked drops hits that have left the window. Hits are appended in
// time order so the survivors are a suffix.
func (rl *RateLimiter) recentLocked(client string, now time.Time) []time.Time {
	hits := rl.hits[client]
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

// Prune forgets clients with no hits inside the window and returns how many
// were dropped.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	dropped := 0
	for client := range rl.hits {
		if len(rl.recentLocked(client, now)) == 0 {
			delete(rl.hits, client)
			dropped++
		}
	}
	return dropped
}

// RunPruner prunes once per window until ctx is done.
func (rl *RateLimiter) RunPruner(ctx context.Context) error {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := rl.Prune(); n > 0 {
				logger := logging.FromContext(ctx)
				logger.Debug().Str("limiter", rl.name).Int("clients", n).Msg("Pruned idle rate limit clients")
			}
		}
	}
}

// Middleware rejects over-limit clients with 429 and a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := rl.Allow(clientIP(r))
		if !ok {
			metrics.RateLimitedTotal.WithLabelValues(rl.name).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop; the service is expected to
// sit behind a proxy that sets it.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
