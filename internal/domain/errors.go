package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a gateway error.
type ErrorType string

const (
	// ErrorTypeConfiguration indicates missing or invalid credentials at
	// client construction. Fatal to that tenant's client; never retried.
	ErrorTypeConfiguration ErrorType = "configuration"

	// ErrorTypeNotReady indicates an operation attempted before
	// authentication or verification completed. Recoverable by polling.
	ErrorTypeNotReady ErrorType = "not_ready"

	// ErrorTypeTransport indicates an individual send failed at the
	// network or provider layer.
	ErrorTypeTransport ErrorType = "transport"

	// ErrorTypeMediaNotFound indicates the local media file is missing.
	// Raised before any network call.
	ErrorTypeMediaNotFound ErrorType = "media_not_found"

	// ErrorTypeUnsupportedCapability indicates a structured-template send
	// against a backend with no template concept and fallback disabled.
	ErrorTypeUnsupportedCapability ErrorType = "unsupported_capability"

	// ErrorTypeNotFound indicates an unknown tenant or resource.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeInvalidRequest indicates a malformed inbound request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
)

// Error is the canonical gateway error. Handlers translate it to a JSON
// body and HTTP status; the bulk dispatcher records its message per
// recipient instead of propagating it.
type Error struct {
	// Type is the category of error.
	Type ErrorType `json:"type"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Detail optionally carries provider-level context (response body,
	// upstream status) so the UI can tell "not yet authenticated" from
	// "permanently misconfigured" from "this one recipient failed".
	Detail string `json:"detail,omitempty"`

	// Cause is the wrapped underlying error, if any.
	Cause error `json:"-"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatusCode returns the HTTP status to render this error with.
func (e *Error) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeConfiguration, ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotReady:
		return http.StatusConflict
	case ErrorTypeMediaNotFound, ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeUnsupportedCapability:
		return http.StatusUnprocessableEntity
	case ErrorTypeTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithDetail attaches provider-level context to the error.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// NewError creates a gateway error.
func NewError(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// Convenience constructors for the error taxonomy.

func ErrConfiguration(message string) *Error {
	return NewError(ErrorTypeConfiguration, message)
}

func ErrNotReady(message string) *Error {
	return NewError(ErrorTypeNotReady, message)
}

func ErrTransport(message string) *Error {
	return NewError(ErrorTypeTransport, message)
}

func ErrMediaNotFound(path string) *Error {
	return NewError(ErrorTypeMediaNotFound, fmt.Sprintf("media file not found: %s", path))
}

func ErrUnsupportedCapability(message string) *Error {
	return NewError(ErrorTypeUnsupportedCapability, message)
}

func ErrNotFound(message string) *Error {
	return NewError(ErrorTypeNotFound, message)
}

func ErrInvalidRequest(message string) *Error {
	return NewError(ErrorTypeInvalidRequest, message)
}

// AsError unwraps err into a gateway *Error, or wraps it as a transport
// error when it is anything else.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return ErrTransport(err.Error()).WithCause(err)
}
