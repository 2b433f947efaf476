package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/fulfillment"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rcourtman/pulse-entitlements/internal/metrics"
	"github.com/rcourtman/pulse-entitlements/internal/revocation"
	"github.com/rcourtman/pulse-entitlements/internal/store"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlements"
)

const maxRequestBodyBytes = 64 << 10

var nowFn = time.Now

// Issuer is satisfied by *fulfillment.Processor.
type Issuer interface {
	Issue(ctx context.Context, subject string, in entitlements.IssueInput) (*fulfillment.Result, error)
}

// RecordReader reads the persisted entitlement history.
type RecordReader interface {
	Current(ctx context.Context, appID, subject string) (*store.Record, error)
	History(ctx context.Context, appID, subject string, limit int) ([]*store.Record, error)
}

// Revoker persists revocations.
type Revoker interface {
	Revoke(ctx context.Context, signature, reason string) (*store.Revocation, error)
}

type issueResponse struct {
	ID           string                    `json:"id"`
	Token        string                    `json:"token"`
	Entitlements entitlements.Entitlements `json:"entitlements"`
}

// HandleIssue signs and persists an administrative issuance. The body is an
// issuance request plus the subject it is keyed on.
func HandleIssue(issuer Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		in, err := entitlements.DecodeIssueInput(bytes.NewReader(body))
		if err != nil {
			writeServiceError(w, r, err, "issue failed")
			return
		}
		var keyed struct {
			Subject string `json:"subject"`
		}
		if err := json.Unmarshal(body, &keyed); err != nil {
			writeError(w, http.StatusBadRequest, "subject must be a non-empty string")
			return
		}

		res, err := issuer.Issue(r.Context(), keyed.Subject, in)
		if err != nil {
			writeServiceError(w, r, err, "issue failed")
			return
		}

		writeJSON(w, http.StatusOK, issueResponse{
			ID:           res.Record.ID,
			Token:        res.Record.Token,
			Entitlements: *res.Entitlements,
		})
	}
}

type verifyRequest struct {
	// Token is either the serialized token as a JSON string or the record
	// object itself.
	Token          json.RawMessage `json:"token"`
	UpdatePackYear *int            `json:"updatePackYear"`
	Now            *string         `json:"now"`
}

type verifyResponse struct {
	Valid bool                     `json:"valid"`
	Gates *entitlements.GateReport `json:"gates,omitempty"`
}

// HandleVerify checks a token's signature and revocation status and, when it
// verifies, evaluates the gates. Failures expose only the boolean.
func HandleVerify(secret string, list *revocation.List) http.HandlerFunc {
	var isRevoked func(string) bool
	if list != nil {
		isRevoked = list.IsRevoked
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "request body must be a JSON object")
			return
		}

		now := nowFn()
		if req.Now != nil {
			parsed, err := entitlements.ParseTimestamp(*req.Now)
			if err != nil {
				writeError(w, http.StatusBadRequest, "now must be an ISO-8601 datetime")
				return
			}
			now = parsed
		}

		token := []byte(req.Token)
		if len(token) > 0 && token[0] == '"' {
			var s string
			if err := json.Unmarshal(token, &s); err != nil {
				writeError(w, http.StatusBadRequest, "token must be a string or an object")
				return
			}
			token = []byte(s)
		}

		logger := logging.FromContext(r.Context())

		e, err := entitlements.ParseToken(token)
		if err != nil {
			metrics.RecordVerification(false, string(entitlements.FailureMalformed))
			logger.Debug().Err(err).Msg("Token rejected before verification")
			writeJSON(w, http.StatusOK, verifyResponse{Valid: false})
			return
		}

		ok, reason := entitlements.VerifyWithReason(e, secret, entitlements.VerifyOptions{IsRevoked: isRevoked})
		if !ok {
			metrics.RecordVerification(false, string(reason))
			event := logger.Debug()
			if reason == entitlements.FailureCryptoUnavailable {
				event = logger.Error()
			}
			event.Str("guard", string(reason)).
				Str("app_id", e.AppID).
				Str("signature", logging.Fingerprint(e.Signature)).
				Msg("Token failed verification")
			writeJSON(w, http.StatusOK, verifyResponse{Valid: false})
			return
		}

		metrics.RecordVerification(true, "")
		gates := entitlements.Evaluate(e, req.UpdatePackYear, now)
		if list != nil && list.IsStale() {
			logger.Warn().Time("last_updated", list.LastUpdated()).Msg("Verified against a stale revocation list")
		}
		writeJSON(w, http.StatusOK, verifyResponse{Valid: true, Gates: &gates})
	}
}

type currentResponse struct {
	Record       *store.Record              `json:"record"`
	Entitlements *entitlements.Entitlements `json:"entitlements"`
	Valid        bool                       `json:"valid"`
}

// HandleCurrent returns the newest record for an (app, subject) pair along
// with whether it still verifies.
func HandleCurrent(records RecordReader, secret string, list *revocation.List) http.HandlerFunc {
	var isRevoked func(string) bool
	if list != nil {
		isRevoked = list.IsRevoked
	}

	return func(w http.ResponseWriter, r *http.Request) {
		appID := strings.TrimSpace(r.PathValue("app_id"))
		subject := strings.TrimSpace(r.PathValue("subject"))

		rec, err := records.Current(r.Context(), appID, subject)
		if err != nil {
			writeServiceError(w, r, err, "lookup failed")
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, "entitlement not found")
			return
		}

		e, err := rec.Entitlements()
		if err != nil {
			writeServiceError(w, r, errors.Join(errors.New("stored token is malformed"), err), "lookup failed")
			return
		}

		writeJSON(w, http.StatusOK, currentResponse{
			Record:       rec,
			Entitlements: e,
			Valid:        entitlements.Verify(e, secret, entitlements.VerifyOptions{IsRevoked: isRevoked}),
		})
	}
}

// HandleHistory lists the records for an (app, subject) pair, newest first.
func HandleHistory(records RecordReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appID := strings.TrimSpace(r.PathValue("app_id"))
		subject := strings.TrimSpace(r.PathValue("subject"))

		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		recs, err := records.History(r.Context(), appID, subject, limit)
		if err != nil {
			writeServiceError(w, r, err, "history lookup failed")
			return
		}
		if recs == nil {
			recs = []*store.Record{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"records": recs,
			"count":   len(recs),
		})
	}
}

type revokeRequest struct {
	Signature string `json:"signature"`
	Reason    string `json:"reason"`
}

// HandleRevoke records a revoked signature and applies it to the in-memory
// list immediately.
func HandleRevoke(revoker Revoker, list *revocation.List) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req revokeRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "request body must be a JSON object")
			return
		}

		rev, err := revoker.Revoke(r.Context(), req.Signature, req.Reason)
		if err != nil {
			writeServiceError(w, r, err, "revoke failed")
			return
		}

		if list != nil {
			list.Add(rev.Signature)
			metrics.RevokedSignatures.Set(float64(list.Size()))
		}

		logger := logging.FromContext(r.Context())
		logger.Info().
			Str("revocation_id", rev.ID).
			Str("signature", logging.Fingerprint(rev.Signature)).
			Str("reason", rev.Reason).
			Msg("Signature revoked")

		writeJSON(w, http.StatusOK, map[string]any{
			"revocation": rev,
		})
	}
}
