package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/homedash-core/internal/automation"
)

// Error is the structured error body. Code is stable and machine-readable;
// Details is set only for errors that carry extra context, such as the
// allowed values of an INVALID_TYPE.
type Error struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// Transport-level error codes. Domain codes come from the automation package.
const (
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInvalidJSON  = automation.CodeInvalidJSON
	ErrCodeInvalidID    = automation.CodeInvalidID
	ErrCodeInternal     = automation.CodeInternal
	ErrCodeUnavailable  = "SERVICE_UNAVAILABLE"
	ErrCodeInvalidQuery = "INVALID_QUERY"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Error: message, Code: code})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, code, message string) {
	writeError(w, http.StatusBadRequest, code, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError writes err with the status its class maps to.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	e := automation.AsError(err)
	status := statusFor(e)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", e.Code,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
	}
	writeJSON(w, status, Error{Error: e.Message, Code: e.Code, Details: e.Details})
}

// statusFor maps an error class to its HTTP status.
func statusFor(e *automation.Error) int {
	switch {
	case errors.Is(e, automation.ErrValidation), errors.Is(e, automation.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(e, automation.ErrNotFound),
		errors.Is(e, automation.ErrChildNotOwned),
		errors.Is(e, automation.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(e, automation.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(e, automation.ErrBackendUnreachable):
		if e.Timeout {
			return http.StatusRequestTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
