package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	svcerrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlements"
)

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{OK: false, Error: message})
}

// writeServiceError maps err to a status code. Validation messages are passed
// through; anything else is logged and replaced with a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, genericMsg string) {
	var ve *entitlements.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Message)
		return
	}

	status := svcerrors.HTTPStatus(err)
	if status < http.StatusInternalServerError {
		writeError(w, status, err.Error())
		return
	}

	logger := logging.FromContext(r.Context())
	logger.Error().Err(err).Str("path", r.URL.Path).Msg(genericMsg)
	writeError(w, status, genericMsg)
}
