package state

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a state-store error for propagation policy.
type ErrorClass string

const (
	// ErrorClassNotFound indicates the resource or snapshot does not
	// exist. Returned to normal callers, never panicked.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassPersistence indicates a backend I/O failure. The
	// enclosing transaction is rolled back and the error propagates.
	ErrorClassPersistence ErrorClass = "persistence"

	// ErrorClassSerialization indicates a value could not be encoded.
	// Cache writes degrade to a no-op; correctness is unaffected.
	ErrorClassSerialization ErrorClass = "serialization"

	// ErrorClassBackendUnavailable indicates an optional distributed
	// tier is unreachable. Logged; the remaining tiers continue serving.
	ErrorClassBackendUnavailable ErrorClass = "backend_unavailable"

	// ErrorClassValidation indicates rejected input.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassConflict is internal to the resolver machinery.
	// Conflicts are always resolved transparently and never surface to
	// callers as errors.
	ErrorClassConflict ErrorClass = "conflict"
)

// Error is a classified error with resource and operation context.
// nolint:revive // Error is intentionally named to distinguish from standard errors
type Error struct {
	// Class is the error classification driving propagation policy.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the resource ID involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(resourceID string) *Error {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// NewNotFoundError creates a not_found error for the given resource.
func NewNotFoundError(resourceID string) *Error {
	return &Error{
		Class:    ErrorClassNotFound,
		Message:  "resource not found",
		Resource: resourceID,
	}
}

// NewSnapshotNotFoundError creates a not_found error for a snapshot.
func NewSnapshotNotFoundError(snapshotID string) *Error {
	return &Error{
		Class:    ErrorClassNotFound,
		Message:  "snapshot not found",
		Resource: snapshotID,
	}
}

// NewPersistenceError creates a persistence error.
func NewPersistenceError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassPersistence,
		Message: message,
		Err:     err,
	}
}

// NewSerializationError creates a serialization error.
func NewSerializationError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassSerialization,
		Message: message,
		Err:     err,
	}
}

// NewBackendUnavailableError creates a backend_unavailable error.
func NewBackendUnavailableError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassBackendUnavailable,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassValidation,
		Message: message,
		Err:     err,
	}
}

// IsNotFound returns true if the error is classified as not_found.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassNotFound
	}
	return false
}

// IsPersistence returns true if the error is classified as persistence.
func IsPersistence(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassPersistence
	}
	return false
}

// IsSerialization returns true if the error is classified as serialization.
func IsSerialization(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassSerialization
	}
	return false
}

// IsBackendUnavailable returns true if the error is classified as
// backend_unavailable.
func IsBackendUnavailable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassBackendUnavailable
	}
	return false
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}
