// Package apperrors provides the structured error taxonomy used across
// FlakeGuard: every error raised at a component boundary carries a Type
// that maps to an HTTP status code, a safe client-facing message, and
// structured logging fields.
package apperrors

import (
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError for status-code mapping, safe-message
// selection, and retry policy (see spec.md §7).
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypePermission  ErrorType = "permission"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeDatabase    ErrorType = "database"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeParse       ErrorType = "parse"
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	ErrorTypeInternal    ErrorType = "internal"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation:  http.StatusBadRequest,
	ErrorTypeAuth:        http.StatusUnauthorized,
	ErrorTypePermission:  http.StatusForbidden,
	ErrorTypeRateLimit:   http.StatusTooManyRequests,
	ErrorTypeNetwork:     http.StatusInternalServerError,
	ErrorTypeDatabase:    http.StatusInternalServerError,
	ErrorTypeNotFound:    http.StatusNotFound,
	ErrorTypeConflict:    http.StatusConflict,
	ErrorTypeTimeout:     http.StatusRequestTimeout,
	ErrorTypeParse:       http.StatusUnprocessableEntity,
	ErrorTypeCircuitOpen: http.StatusServiceUnavailable,
	ErrorTypeInternal:    http.StatusInternalServerError,
}

// safeMessages holds client-visible text for error types whose real
// message might leak internal detail (DB schema, stack traces, etc).
// Validation errors are passed through verbatim since they describe the
// caller's own bad input.
var safeMessages = map[ErrorType]string{
	ErrorTypeAuth:        "authentication failed",
	ErrorTypeNotFound:    "resource not found",
	ErrorTypeTimeout:     "operation timed out",
	ErrorTypeRateLimit:   "rate limit exceeded",
	ErrorTypeConflict:    "the resource was modified concurrently",
	ErrorTypeDatabase:    "an internal error occurred",
	ErrorTypeNetwork:     "an internal error occurred",
	ErrorTypeCircuitOpen: "upstream temporarily unavailable",
	ErrorTypeInternal:    "an unexpected error occurred",
}

// AppError is the concrete error type carried across component
// boundaries.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	Cause      error
	StatusCode int
}

// New creates an AppError of the given type.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusCodeFor(t),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError of the given type wrapping cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	e := New(t, message)
	e.Cause = cause
	return e
}

// Wrapf creates an AppError wrapping cause with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails sets Details in place and returns the receiver.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf sets formatted Details in place and returns the receiver.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

func statusCodeFor(t ErrorType) int {
	if code, ok := statusCodes[t]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// IsType reports whether err is an *AppError of type t.
func IsType(err error, t ErrorType) bool {
	ae, ok := err.(*AppError)
	return ok && ae.Type == t
}

// GetType returns the ErrorType of err, or ErrorTypeInternal if err is
// not an *AppError.
func GetType(err error) ErrorType {
	if ae, ok := err.(*AppError); ok {
		return ae.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status for err, defaulting to 500 for
// non-AppError values.
func GetStatusCode(err error) int {
	if ae, ok := err.(*AppError); ok {
		return ae.StatusCode
	}
	return http.StatusInternalServerError
}

// SafeErrorMessage returns a message safe to return to an external
// caller: validation messages pass through (they describe bad input the
// caller supplied), everything else is mapped to a generic safe string.
func SafeErrorMessage(err error) string {
	ae, ok := err.(*AppError)
	if !ok {
		return "an unexpected error occurred"
	}
	if ae.Type == ErrorTypeValidation {
		return ae.Message
	}
	if msg, ok := safeMessages[ae.Type]; ok {
		return msg
	}
	return "an unexpected error occurred"
}

// LogFields returns structured fields for logging err, suitable for
// passing to a logrus.Entry.WithFields call.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	ae, ok := err.(*AppError)
	if !ok {
		return fields
	}
	fields["error_type"] = string(ae.Type)
	fields["status_code"] = ae.StatusCode
	if ae.Details != "" {
		fields["error_details"] = ae.Details
	}
	if ae.Cause != nil {
		fields["underlying_error"] = ae.Cause.Error()
	}
	return fields
}

// Chain joins non-nil errors into one error whose message concatenates
// each with " -> ". It returns nil if every error is nil, and returns the
// single error unmodified if only one is non-nil. Used by the artifact
// ingestion pipeline (spec.md §4.3 step 5) to report multiple per-file
// errors as a single result value.
func Chain(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		msg := nonNil[0].Error()
		for _, e := range nonNil[1:] {
			msg += " -> " + e.Error()
		}
		return fmt.Errorf("%s", msg)
	}
}

// Convenience constructors mirroring common call sites.

func NewValidationError(message string) *AppError { return New(ErrorTypeValidation, message) }

func NewAuthError(message string) *AppError { return New(ErrorTypeAuth, message) }

func NewNotFoundError(resource string) *AppError {
	return Newf(ErrorTypeNotFound, "%s not found", resource)
}

func NewTimeoutError(operation string) *AppError {
	return Newf(ErrorTypeTimeout, "operation timed out: %s", operation)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewRateLimitError(message string) *AppError { return New(ErrorTypeRateLimit, message) }

func NewCircuitOpenError(target string) *AppError {
	return Newf(ErrorTypeCircuitOpen, "circuit breaker open for %s", target)
}
