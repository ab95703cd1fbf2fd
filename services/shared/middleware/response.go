package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/errors"
	"github.com/nguyenvantinh06/oauth-relay/services/shared/logger"
)

// WriteJSON writes v as a JSON response. An encoding failure after the
// header is sent can only be a write error, which the caller cannot act on.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	_ = writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto the relay error body and status. Server-side
// failures are logged through the request logger; the wrapped cause never
// reaches the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := errors.From(err)
	status := appErr.HTTPStatusCode()
	log := logger.FromContext(r.Context()).WithContext(r.Context())

	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			"error_code", string(appErr.Code),
			"status", status,
			"path", r.URL.Path,
			"error", appErr.Error(),
		)
	}

	switch appErr.Code {
	case errors.CodeRateLimited:
		w.Header().Set("Retry-After", "1")
	case errors.CodeCircuitOpen:
		w.Header().Set("Retry-After", strconv.Itoa(30))
	case errors.CodeUnauthorized, errors.CodeTokenInvalid, errors.CodeTokenExpired, errors.CodeSessionInvalid:
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}

	if err := writeJSON(w, status, appErr); err != nil {
		log.Debug("writing error response", "error", err.Error())
	}
}
