package common

import (
	"errors"
	"fmt"
)

// Error codes shared across the platform. Codes are stable strings suitable
// for API responses and localisation lookup; the message is the human-readable
// part and may change freely.
const (
	CodeValidation       = "VALIDATION"
	CodeNotFound         = "NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeHandlerError     = "HANDLER_ERROR"
	CodeTransient        = "TRANSIENT"
	CodeFatal            = "FATAL"
	CodeInvalidState     = "INVALID_STATE"
	CodeTimedOut         = "TIMED_OUT"
)

// Error is the platform error type carrying a stable code alongside the
// message. Use the constructor helpers below; match with the Is* predicates
// or errors.As.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates an Error with an arbitrary code.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying error with a code and message.
func WrapError(code string, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func ValidationError(format string, args ...interface{}) *Error {
	return NewError(CodeValidation, format, args...)
}

func NotFoundError(format string, args ...interface{}) *Error {
	return NewError(CodeNotFound, format, args...)
}

func PermissionDeniedError(format string, args ...interface{}) *Error {
	return NewError(CodePermissionDenied, format, args...)
}

func RateLimitedError(format string, args ...interface{}) *Error {
	return NewError(CodeRateLimited, format, args...)
}

func TransientError(err error, format string, args ...interface{}) *Error {
	return WrapError(CodeTransient, err, format, args...)
}

func FatalError(format string, args ...interface{}) *Error {
	return NewError(CodeFatal, format, args...)
}

func InvalidStateError(format string, args ...interface{}) *Error {
	return NewError(CodeInvalidState, format, args...)
}

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func IsValidation(err error) bool       { return hasCode(err, CodeValidation) }
func IsNotFound(err error) bool         { return hasCode(err, CodeNotFound) }
func IsPermissionDenied(err error) bool { return hasCode(err, CodePermissionDenied) }
func IsRateLimited(err error) bool      { return hasCode(err, CodeRateLimited) }
func IsTransient(err error) bool        { return hasCode(err, CodeTransient) }
func IsInvalidState(err error) bool     { return hasCode(err, CodeInvalidState) }
