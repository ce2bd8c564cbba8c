package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a mesh error.
type ErrorType string

const (
	// ErrorTypeValidation indicates a malformed event or query argument.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound indicates a record was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeConflict indicates a write conflicted with existing state.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeTransient indicates a retryable failure, typically store
	// unavailability.
	ErrorTypeTransient ErrorType = "transient"

	// ErrorTypeInternal indicates an unexpected internal failure.
	ErrorTypeInternal ErrorType = "internal"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeMalformedTopic   ErrorCode = "malformed_topic"
	ErrorCodeMissingField     ErrorCode = "missing_field"
	ErrorCodeNotDocumented    ErrorCode = "not_documented"
	ErrorCodeEventNotFound    ErrorCode = "event_not_found"
	ErrorCodeBundleNotFound   ErrorCode = "bundle_not_found"
	ErrorCodeJournalOverflow  ErrorCode = "journal_overflow"
	ErrorCodeStoreUnavailable ErrorCode = "store_unavailable"
	ErrorCodeUnknownWindow    ErrorCode = "unknown_window"
)

// MeshError is the canonical error returned across component boundaries.
// Callers branch on Type (via the Is* predicates) rather than on message
// text.
type MeshError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the field or argument that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// Err is the wrapped underlying cause, if any
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *MeshError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *MeshError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *MeshError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTransient:
		return http.StatusServiceUnavailable
	case ErrorTypeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NewMeshError creates a new mesh error.
func NewMeshError(errType ErrorType, message string) *MeshError {
	return &MeshError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *MeshError) WithCode(code ErrorCode) *MeshError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *MeshError) WithParam(param string) *MeshError {
	e.Param = param
	return e
}

// WithCause wraps an underlying error.
func (e *MeshError) WithCause(err error) *MeshError {
	e.Err = err
	return e
}

// Convenience constructors for common errors

// ErrValidation creates a validation error.
func ErrValidation(message string) *MeshError {
	return NewMeshError(ErrorTypeValidation, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *MeshError {
	return NewMeshError(ErrorTypeNotFound, message)
}

// ErrEventNotFound creates a not found error for an event id.
func ErrEventNotFound(id string) *MeshError {
	return NewMeshError(ErrorTypeNotFound, fmt.Sprintf("event %s not found", id)).
		WithCode(ErrorCodeEventNotFound)
}

// ErrBundleNotFound creates a not found error for a bundle key.
func ErrBundleNotFound(owner, window string) *MeshError {
	return NewMeshError(ErrorTypeNotFound, fmt.Sprintf("bundle %s/%s not found", owner, window)).
		WithCode(ErrorCodeBundleNotFound)
}

// ErrTransient creates a retryable store error wrapping its cause.
func ErrTransient(message string, cause error) *MeshError {
	return NewMeshError(ErrorTypeTransient, message).
		WithCode(ErrorCodeStoreUnavailable).
		WithCause(cause)
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *MeshError {
	return NewMeshError(ErrorTypeInternal, message)
}

// IsNotFound reports whether err is a mesh not-found error.
func IsNotFound(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidation reports whether err is a mesh validation error.
func IsValidation(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return hasType(err, ErrorTypeTransient)
}

func hasType(err error, t ErrorType) bool {
	var me *MeshError
	if errors.As(err, &me) {
		return me.Type == t
	}
	return false
}
