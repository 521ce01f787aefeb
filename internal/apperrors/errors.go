// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrInternal    = errors.New("internal error")
	ErrUnavailable = errors.New("unavailable")
)

// Reason codes reported alongside precondition violations.
const (
	ReasonAlreadyInProgress = "AlreadyInProgress"
	ReasonAlreadyInstalled  = "AlreadyInstalled"
	ReasonNotInstalled      = "NotInstalled"
	ReasonAlreadyDeploying  = "AlreadyDeploying"
	ReasonAlreadyDeployed   = "AlreadyDeployed"
	ReasonInvalidTransition = "InvalidTransition"
	ReasonModuleNotReady    = "ModuleNotReady"
	ReasonAlreadyLaunched   = "AlreadyLaunched"
	ReasonRunparamsInvalid  = "RunparamsInvalid"
	ReasonDeleted           = "Deleted"
	ReasonUnknownSource     = "UnknownSourceType"
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "run_name")
	Resource string // For not found/conflict (e.g., "job")
	Reason   string // Machine-readable precondition code (e.g., "ModuleNotReady")
	Op       string // Operation that failed (e.g., "statestore.open")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Precondition creates a conflict error carrying a reason code.
// Used when the requested transition is not allowed from the entity's current state.
func Precondition(resource, reason, message string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  message,
		Resource: resource,
		Reason:   reason,
	}
}

// InvalidParams creates a validation error carrying a reason code.
func InvalidParams(field, reason, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
		Reason:   reason,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Unavailable creates an error for an unreachable remote dependency.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ReasonOf returns the reason code of the first *Error in the chain, or "".
func ReasonOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Reason
	}
	return ""
}
