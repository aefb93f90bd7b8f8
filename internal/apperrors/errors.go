// Package apperrors defines the error taxonomy shared by every component.
// Sentinel errors let the transport layer map internal outcomes to status
// codes without the domain packages knowing about HTTP.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrAccessDenied    = errors.New("access denied")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")

	// ErrInvariantViolation marks data corruption (e.g. a config row whose
	// declared type has no live sub-config). It is never a request-level
	// mistake and surfaces as an internal error.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Conflict wraps ErrConflict with a human-readable reason, e.g. "last
// administrator" or "no new members".
func Conflict(reason string) error {
	return fmt.Errorf("%w: %s", ErrConflict, reason)
}

// NotFound wraps ErrNotFound naming the missing resource.
func NotFound(resource string) error {
	return fmt.Errorf("%s %w", resource, ErrNotFound)
}

// AccessDenied wraps ErrAccessDenied with context.
func AccessDenied(reason string) error {
	return fmt.Errorf("%w: %s", ErrAccessDenied, reason)
}

// InvariantViolation wraps ErrInvariantViolation with context.
func InvariantViolation(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, detail)
}

// ValidationError carries a field to message map for 400 responses.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %d field(s)", len(e.Fields))
}

// Validation builds a single-field validation error.
func Validation(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}
