package model

import "testing"

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "Worker 'w_123' not found"}
	want := "NOT_FOUND: Worker 'w_123' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAPIError_Retryable(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		retryable bool
	}{
		{ErrLockTimeout, true},
		{ErrCapacityExhausted, true},
		{ErrValidation, false},
		{ErrNotFound, false},
		{ErrConflict, false},
		{ErrInvariant, false},
		{ErrInternal, false},
	}
	for _, tt := range tests {
		err := &APIError{Code: tt.code}
		if got := err.Retryable(); got != tt.retryable {
			t.Errorf("APIError{%s}.Retryable() = %v, want %v", tt.code, got, tt.retryable)
		}
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("Supervisor", "sup_abc")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "Supervisor 'sup_abc' not found" {
		t.Errorf("Message = %q, want %q", err.Message, "Supervisor 'sup_abc' not found")
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("Invalid request",
		FieldError{Field: "num_workers", Message: "must be positive"},
		FieldError{Field: "image", Message: "required"},
	)
	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{
		Entity: "Jobrun",
		ID:     "run_123",
		From:   "completed",
		To:     "running",
	}
	want := "invalid Jobrun state transition: completed → running (entity run_123)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
