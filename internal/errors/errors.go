// Package errors provides standardized error handling for the conflict
// engine's API surface and internals.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents semantic error codes for consistent error handling
type ErrorCode string

const (
	// Validation errors: malformed input rejected at the boundary,
	// never persisted as a conflict.
	ErrorCodeValidation    ErrorCode = "VALIDATION_ERROR"
	ErrorCodeRequiredField ErrorCode = "REQUIRED_FIELD"
	ErrorCodeInvalidValue  ErrorCode = "INVALID_VALUE"

	// Precondition failures: the caller attempted an operation the
	// conflict is not eligible for. Not retryable.
	ErrorCodePrecondition    ErrorCode = "PRECONDITION_FAILED"
	ErrorCodeAlreadyResolved ErrorCode = "ALREADY_RESOLVED"

	// Resource errors
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"

	// System errors
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrorCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// StandardError is the unified error structure surfaced to callers.
type StandardError struct {
	ErrorInfo ErrorDetails `json:"error"`
}

// ErrorDetails contains the detailed error information
type ErrorDetails struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
}

// Error implements the Go error interface
func (e *StandardError) Error() string {
	return e.ErrorInfo.Message
}

// ValidationDetail provides specific validation error information
type ValidationDetail struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
	Value  any    `json:"value,omitempty"`
}

// NewStandardError creates a new standardized error
func NewStandardError(code ErrorCode, message string, details any) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// NewValidationError creates a validation error with field details
func NewValidationError(field, reason string, value any) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeValidation,
			Message: fmt.Sprintf("Validation failed for field '%s': %s", field, reason),
			Details: ValidationDetail{
				Field:  field,
				Reason: reason,
				Value:  value,
			},
		},
	}
}

// NewRequiredFieldError creates an error for missing required fields
func NewRequiredFieldError(field string) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeRequiredField,
			Message: fmt.Sprintf("Required field '%s' is missing", field),
			Details: ValidationDetail{
				Field:  field,
				Reason: "missing_required_field",
			},
		},
	}
}

// NewPreconditionError creates an error for operations a conflict is not
// eligible for, e.g. auto-resolving a critical conflict.
func NewPreconditionError(message string) *StandardError {
	return NewStandardError(ErrorCodePrecondition, message, nil)
}

// NewAlreadyResolvedError reports an attempt to resolve a terminated conflict.
func NewAlreadyResolvedError(conflictID string) *StandardError {
	return NewStandardError(ErrorCodeAlreadyResolved,
		fmt.Sprintf("Conflict %s is already resolved", conflictID),
		map[string]any{"conflict_id": conflictID})
}

// NewNotFoundError reports a missing conflict record.
func NewNotFoundError(conflictID string) *StandardError {
	return NewStandardError(ErrorCodeNotFound,
		fmt.Sprintf("Conflict %s not found", conflictID),
		map[string]any{"conflict_id": conflictID})
}

// NewInternalError creates an internal error wrapping an underlying cause.
func NewInternalError(message string, originalError error) *StandardError {
	details := map[string]any{}
	if originalError != nil {
		details["original_error"] = originalError.Error()
	}
	return NewStandardError(ErrorCodeInternal, message, details)
}

// NewDatabaseError wraps a storage-layer failure.
func NewDatabaseError(op string, originalError error) *StandardError {
	details := map[string]any{"operation": op}
	if originalError != nil {
		details["original_error"] = originalError.Error()
	}
	return NewStandardError(ErrorCodeDatabase,
		fmt.Sprintf("Storage operation '%s' failed", op), details)
}

// WithTraceID adds a trace ID to the error for debugging
func (e *StandardError) WithTraceID(traceID string) *StandardError {
	e.ErrorInfo.TraceID = traceID
	return e
}

// ToHTTPStatus maps StandardError to the appropriate HTTP status code
func (e *StandardError) ToHTTPStatus() int {
	switch e.ErrorInfo.Code {
	case ErrorCodeValidation, ErrorCodeRequiredField, ErrorCodeInvalidValue:
		return http.StatusBadRequest
	case ErrorCodePrecondition, ErrorCodeAlreadyResolved:
		return http.StatusConflict
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeInternal, ErrorCodeDatabase:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts StandardError to JSON bytes
func (e *StandardError) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// WriteHTTPError writes StandardError as an HTTP response
func (e *StandardError) WriteHTTPError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.ErrorInfo.TraceID != "" {
		w.Header().Set("X-Trace-ID", e.ErrorInfo.TraceID)
	}
	w.WriteHeader(e.ToHTTPStatus())
	jsonBytes, _ := e.ToJSON()
	_, _ = w.Write(jsonBytes)
}

// AsStandard extracts a *StandardError from an error chain, wrapping
// unknown errors as internal.
func AsStandard(err error) *StandardError {
	var se *StandardError
	if errors.As(err, &se) {
		return se
	}
	return NewInternalError("Internal error occurred", err)
}

// IsValidation checks if the error is a validation-related error
func IsValidation(err error) bool {
	var se *StandardError
	if !errors.As(err, &se) {
		return false
	}
	return se.ErrorInfo.Code == ErrorCodeValidation ||
		se.ErrorInfo.Code == ErrorCodeRequiredField ||
		se.ErrorInfo.Code == ErrorCodeInvalidValue
}

// IsPrecondition checks if the error is a precondition failure
func IsPrecondition(err error) bool {
	var se *StandardError
	if !errors.As(err, &se) {
		return false
	}
	return se.ErrorInfo.Code == ErrorCodePrecondition ||
		se.ErrorInfo.Code == ErrorCodeAlreadyResolved
}

// IsNotFound checks if the error is a missing-record error
func IsNotFound(err error) bool {
	var se *StandardError
	if !errors.As(err, &se) {
		return false
	}
	return se.ErrorInfo.Code == ErrorCodeNotFound
}
