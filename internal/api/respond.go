package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/parametricportal/backend/internal/apperr"
)

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error          string `json:"error"`
	Reason         string `json:"reason,omitempty"`
	Detail         string `json:"detail,omitempty"`
	RecoveryAction string `json:"recoveryAction,omitempty"`
}

// respondError maps the error taxonomy to a stable status code and body.
// Internal causes are logged server-side and never shown to clients.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.As(err)
	if e == nil {
		e = apperr.Internal(err)
	}

	if e.Kind == apperr.KindInternal || e.Kind == apperr.KindCircuit {
		slog.Error("request_failed",
			"kind", string(e.Kind),
			"path", r.URL.Path,
			"method", r.Method,
			"error", errors.Unwrap(e),
		)
	}

	if e.Kind == apperr.KindRateLimit && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}

	body := errorBody{
		Error:          string(e.Kind),
		Reason:         e.Reason,
		Detail:         e.Detail,
		RecoveryAction: e.RecoveryAction,
	}
	if e.Kind == apperr.KindInternal {
		body.Reason = ""
		body.Detail = "An internal error occurred"
	}
	respondJSON(w, e.HTTPStatus(), body)
}
