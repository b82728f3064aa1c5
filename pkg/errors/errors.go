package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error codes used across the system. Adapters and domain services
// construct AppError values with one of these so callers can branch on kind
// without parsing messages.
const (
	CodeValidation          = "VALIDATION"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUnavailable         = "UNAVAILABLE"
	CodeInternal            = "INTERNAL"
	CodeAlreadyExists       = "ALREADY_EXISTS"
	CodeUnprocessable       = "UNPROCESSABLE"
	CodePermissionDenied    = "PERMISSION_DENIED"
)

// AppError is the structured error type used throughout the system. It
// carries a machine-readable Code, a human-readable Message, and an
// optional wrapped cause.
type AppError struct {
	Code    string
	Message string
	Err     error
}

// New creates an AppError with the given code, message, and optional cause.
func New(code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// Wrap creates an AppError with CodeInternal, preserving the cause's message
// as context. Use this for errors whose origin is not meaningful to classify.
func Wrap(err error, message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, errors.New(CodeNotFound, ...)) style comparisons
// by code rather than identity.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// CodeOf extracts the AppError code from err, or CodeInternal if err is not
// an AppError (or is nil, in which case "" is returned).
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatus maps an AppError's code to the HTTP status the admin/user
// transport should respond with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeAlreadyExists:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnprocessable:
		return http.StatusUnprocessableEntity
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
