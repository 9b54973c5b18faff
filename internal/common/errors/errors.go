// Package errors provides the closed set of error kinds surfaced by the
// Tandem engine. Every user-visible failure is one of the five kinds below;
// internal faults are normalized to INVALID_OPERATION via Wrap.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds as constants
const (
	KindNotFound         = "NOT_FOUND"
	KindInvalidOperation = "INVALID_OPERATION"
	KindPermissionDenied = "PERMISSION_DENIED"
	KindValidation       = "VALIDATION"
	KindTimeout          = "TIMEOUT"
)

// Error represents an engine error with a stable kind and structured context.
// The one-line Message is suitable for display; it carries no secrets,
// stack traces, or source paths.
type Error struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Resource   string `json:"resource,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Operation  string `json:"operation,omitempty"`
	Field      string `json:"field,omitempty"`
	TimeoutMs  int64  `json:"timeout_ms,omitempty"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, identifier string) *Error {
	return &Error{
		Kind:       KindNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, identifier),
		Resource:   resource,
		Identifier: identifier,
	}
}

// InvalidOperation creates a new invalid operation error.
func InvalidOperation(message string) *Error {
	return &Error{
		Kind:    KindInvalidOperation,
		Message: message,
	}
}

// PermissionDenied creates a new permission denied error for an operation.
// The message is optional; when empty a generic denial message is used.
func PermissionDenied(operation string, message string) *Error {
	if message == "" {
		message = fmt.Sprintf("permission denied for '%s'", operation)
	}
	return &Error{
		Kind:      KindPermissionDenied,
		Message:   message,
		Operation: operation,
	}
}

// Validation creates a new validation error. The field is optional.
func Validation(field string, message string) *Error {
	if field != "" {
		message = fmt.Sprintf("validation failed for field '%s': %s", field, message)
	}
	return &Error{
		Kind:    KindValidation,
		Message: message,
		Field:   field,
	}
}

// Timeout creates a new timeout error for an operation that exceeded its deadline.
func Timeout(operation string, timeout time.Duration) *Error {
	return &Error{
		Kind:      KindTimeout,
		Message:   fmt.Sprintf("'%s' timed out after %dms", operation, timeout.Milliseconds()),
		Operation: operation,
		TimeoutMs: timeout.Milliseconds(),
	}
}

// Wrap wraps an existing error with additional context.
// An *Error keeps its kind and structured fields; anything else is
// normalized to an invalid operation error.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var engineErr *Error
	if errors.As(err, &engineErr) {
		return &Error{
			Kind:       engineErr.Kind,
			Message:    fmt.Sprintf("%s: %s", message, engineErr.Message),
			Resource:   engineErr.Resource,
			Identifier: engineErr.Identifier,
			Operation:  engineErr.Operation,
			Field:      engineErr.Field,
			TimeoutMs:  engineErr.TimeoutMs,
			Err:        err,
		}
	}

	return &Error{
		Kind:    KindInvalidOperation,
		Message: message,
		Err:     err,
	}
}

// KindOf returns the kind of an error, or empty string for non-engine errors.
func KindOf(err error) string {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return ""
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsInvalidOperation checks if the error is an invalid operation error.
func IsInvalidOperation(err error) bool {
	return KindOf(err) == KindInvalidOperation
}

// IsPermissionDenied checks if the error is a permission denied error.
func IsPermissionDenied(err error) bool {
	return KindOf(err) == KindPermissionDenied
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}
