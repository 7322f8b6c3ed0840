package errors

import (
	"errors"
	"fmt"
)

// TransientError represents a collaborator failure that can be retried.
type TransientError struct {
	Err        error
	RetryAfter int    // Seconds to wait before retry, 0 = use backoff
	Message    string // Caller-friendly message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// ValidationError is returned to the caller when a request references state
// that does not exist: an unknown question id, a missing active session.
// It is never retried.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("validation failed for %s=%q: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// CollaboratorUnavailable wraps an error from an external collaborator
// (catalog, store, analysis service). The orchestrator and router recover
// from it locally; it never surfaces to the caller during the instant phase.
type CollaboratorUnavailable struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorUnavailable) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorUnavailable) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as retryable.
func NewTransient(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanent wraps err as non-retryable.
func NewPermanent(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// IsTransient reports whether err should be retried. Collaborator
// unavailability is treated as transient; validation and permanent errors
// are not. Unclassified errors default to transient so an unannotated store
// hiccup still gets a retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var unavailable *CollaboratorUnavailable
	if errors.As(err, &unavailable) {
		return true
	}

	return true
}
