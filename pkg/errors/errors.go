// Package errors provides structured error handling for the pipeline core.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error.
type ErrorType string

const (
	// ErrorTypeConfig represents configuration errors; fatal, pre-flight.
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeStorageUnavailable represents transient storage errors.
	ErrorTypeStorageUnavailable ErrorType = "storage_unavailable"
	// ErrorTypeStorageCorrupt represents failed integrity checks on stored data.
	ErrorTypeStorageCorrupt ErrorType = "storage_corrupt"
	// ErrorTypeTransform represents transform stage errors.
	ErrorTypeTransform ErrorType = "transform"
	// ErrorTypeSchemaViolation represents schema validation failures; requires an input fix.
	ErrorTypeSchemaViolation ErrorType = "schema_violation"
	// ErrorTypeTimeout represents stage run timeouts.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeExternalSource represents external source fetch errors.
	ErrorTypeExternalSource ErrorType = "external_source"
	// ErrorTypeQuality represents quality gate violations.
	ErrorTypeQuality ErrorType = "quality"
	// ErrorTypeConflict represents concurrent-update conflicts (stale watermark,
	// divergent content under an existing batch id).
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeCancelled represents cancelled stage runs.
	ErrorTypeCancelled ErrorType = "cancelled"
	// ErrorTypeNotFound represents missing batches or objects.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeInternal represents internal system errors.
	ErrorTypeInternal ErrorType = "internal"
)

// Error represents a structured error with context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// Newf creates a new error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with formatted context.
func Wrapf(err error, errType ErrorType, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// IsRetryable returns true if the error is retryable. Schema violations,
// corrupt data, conflicts and cancellations are terminal for the affected
// input and require operator action rather than another attempt.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeStorageUnavailable, ErrorTypeTransform, ErrorTypeTimeout, ErrorTypeExternalSource:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// TypeOf returns the error type, or ErrorTypeInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}
