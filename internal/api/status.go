package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rcourtman/pulse-entitlements/internal/revocation"
)

const readyTimeout = 2 * time.Second

// Pinger is satisfied by *store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type readinessResponse struct {
	Ready       bool             `json:"ready"`
	Store       string           `json:"store"`
	Revocations revocationStatus `json:"revocations"`
}

type revocationStatus struct {
	Size        int        `json:"size"`
	Stale       bool       `json:"stale"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
}

type versionResponse struct {
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
}

// HandleHealthz is the liveness probe.
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz fails only when the store is unreachable. A stale revocation
// list is reported but keeps answering from its last contents, so it does not
// take the instance out of rotation.
func HandleReadyz(db Pinger, list *revocation.List) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		resp := readinessResponse{Ready: true, Store: "ok"}
		if err := db.Ping(ctx); err != nil {
			logger := logging.FromContext(r.Context())
			logger.Warn().Err(err).Msg("Readiness check failed: store unavailable")
			resp.Ready = false
			resp.Store = "unavailable"
		}

		if list != nil {
			resp.Revocations.Size = list.Size()
			resp.Revocations.Stale = list.IsStale()
			if updated := list.LastUpdated(); !updated.IsZero() {
				resp.Revocations.LastUpdated = &updated
			}
		}

		status := http.StatusOK
		if !resp.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

// HandleVersion reports the running build.
func HandleVersion(version string) http.HandlerFunc {
	resp := versionResponse{Version: version, GoVersion: runtime.Version()}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, resp)
	}
}
