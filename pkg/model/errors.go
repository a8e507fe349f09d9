package model

import "fmt"

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrCapacityExhausted ErrorCode = "CAPACITY_EXHAUSTED"
	ErrLockTimeout       ErrorCode = "LOCK_TIMEOUT"
	ErrInvariant         ErrorCode = "INVARIANT_VIOLATION"
	ErrUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the Brisk API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the caller may retry the request unchanged.
// Lock timeouts and capacity exhaustion are transient; everything else
// requires a change on the caller's side.
func (e *APIError) Retryable() bool {
	return e.Code == ErrLockTimeout || e.Code == ErrCapacityExhausted
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewConflictError creates a CONFLICT APIError.
func NewConflictError(msg string) *APIError {
	return &APIError{Code: ErrConflict, Message: msg}
}

// NewCapacityError creates a CAPACITY_EXHAUSTED APIError. The message should
// carry the numbers the caller needs to act on (requested vs available).
func NewCapacityError(msg string) *APIError {
	return &APIError{Code: ErrCapacityExhausted, Message: msg}
}

// NewInvariantError creates an INVARIANT_VIOLATION APIError.
func NewInvariantError(msg string) *APIError {
	return &APIError{Code: ErrInvariant, Message: msg}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
