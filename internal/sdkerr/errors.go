// Package sdkerr defines the error taxonomy shared by the identity and
// entitlement managers. Input-validation failures are sentinel errors so
// callers can branch with errors.Is; backend failures pass through wrapped.
package sdkerr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for input validation and misuse.
var (
	// ErrMissingIdentifier is returned when a login identifier is empty or
	// whitespace-only after trimming.
	ErrMissingIdentifier = errors.New("app user id is missing or empty")

	// ErrLogOutAnonymous is returned when logout is requested while the
	// current user is anonymous.
	ErrLogOutAnonymous = errors.New("cannot log out an anonymous user")

	// ErrMissingIdentifierForAlias is returned when an alias identifier is
	// empty or whitespace-only.
	ErrMissingIdentifierForAlias = errors.New("alias app user id is missing or empty")

	// ErrNotConfigured indicates the identity manager was asked for the
	// current user before configure ran. This is a programming contract
	// violation, not a runtime condition.
	ErrNotConfigured = errors.New("identity manager not configured")
)

// ErrorType categorizes an operation failure.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeBackend    ErrorType = "backend"
	ErrorTypeStorage    ErrorType = "storage"
	ErrorTypeInternal   ErrorType = "internal"
)

// OpError is a structured error for identity and cache operations.
type OpError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "log_in", "fetch_snapshot")
	UserID    string // App user id the operation was scoped to, if any
	Err       error  // Underlying error
	Timestamp time.Time
}

func (e *OpError) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.UserID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new OpError.
func NewOpError(errorType ErrorType, op, userID string, err error) *OpError {
	return &OpError{
		Type:      errorType,
		Op:        op,
		UserID:    userID,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WrapValidation wraps an input-validation error with operation context.
func WrapValidation(op, userID string, err error) error {
	return NewOpError(ErrorTypeValidation, op, userID, err)
}

// WrapBackend wraps a backend error with operation context.
func WrapBackend(op, userID string, err error) error {
	return NewOpError(ErrorTypeBackend, op, userID, err)
}

// IsValidationError checks whether an error originated from input validation.
func IsValidationError(err error) bool {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Type == ErrorTypeValidation
	}
	return errors.Is(err, ErrMissingIdentifier) ||
		errors.Is(err, ErrLogOutAnonymous) ||
		errors.Is(err, ErrMissingIdentifierForAlias)
}
