package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Setup and validation error codes. These are raised before any network I/O.
const (
	ErrInvalidArgument          ErrorCode = "INVALID_ARGUMENT"
	ErrConfiguration            ErrorCode = "CONFIGURATION"
	ErrUnsupportedFilterFeature ErrorCode = "UNSUPPORTED_FILTER_FEATURE"
	ErrUnknownDiscoveryMethod   ErrorCode = "UNKNOWN_DISCOVERY_METHOD"
	ErrUnknownPlugin            ErrorCode = "UNKNOWN_PLUGIN"
	ErrUnknownAction            ErrorCode = "UNKNOWN_ACTION"
	ErrDDLValidation            ErrorCode = "DDL_VALIDATION"
)

// Message envelope error codes
const (
	ErrInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrPreconditionFailed     ErrorCode = "PRECONDITION_FAILED"
	ErrSecurityValidation     ErrorCode = "SECURITY_VALIDATION"
	ErrUnsupportedOperation   ErrorCode = "UNSUPPORTED_OPERATION"
	ErrMessageExpired         ErrorCode = "MESSAGE_EXPIRED"
	ErrNotTargeted            ErrorCode = "NOT_TARGETED"
)

// Transport error codes
const (
	ErrTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	ErrTimeout              ErrorCode = "TIMEOUT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Plugin    string    `json:"plugin,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithPlugin records the plugin that produced the error.
func (e *Error) WithPlugin(plugin string) *Error {
	e.Plugin = plugin
	return e
}

// AsError extracts an *Error from anywhere in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}
