// Package domain contains the core business entities and logic.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common domain error cases.
// These allow handlers to check error types without coupling to infrastructure.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource with the same identifier already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates the input data is invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDeadLettered indicates the event exhausted its retry budget and
	// only a manual replay can run it again.
	ErrDeadLettered = errors.New("event is dead-lettered")

	// ErrNotDeadLettered is returned when a replay targets an event that is not
	// held in the dead-letter state.
	ErrNotDeadLettered = errors.New("event is not dead-lettered")
)

// ValidationError reports a payload that an effect handler cannot apply.
// It is still retried by the processor; the retry ceiling decides when to give up.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a payload field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err carries a payload validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
