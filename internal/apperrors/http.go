package apperrors

import (
	"errors"
	"net/http"
)

// Status maps a domain error to its HTTP status code. Handlers call this once
// instead of re-implementing the mapping per route.
func Status(err error) int {
	var ve *ValidationError

	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvariantViolation):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Body builds the JSON error body for a domain error. Validation errors
// expose their field map; internal errors never leak detail.
func Body(err error) map[string]interface{} {
	var ve *ValidationError

	if errors.As(err, &ve) {
		return map[string]interface{}{"error": "Invalid request", "fields": ve.Fields}
	}

	if Status(err) == http.StatusInternalServerError {
		return map[string]interface{}{"error": "Internal server error"}
	}

	return map[string]interface{}{"error": err.Error()}
}
