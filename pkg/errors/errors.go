// Package errors provides the domain error type shared by the relay components.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	// ErrUnsupported is returned for operations the relay deliberately does not offer.
	ErrUnsupported = errors.New("operation not supported")
	// ErrStopped is returned when a blocking operation was interrupted by cancellation.
	ErrStopped = errors.New("stopped")
	// ErrAlreadyStarted is returned when a component is started twice.
	ErrAlreadyStarted = errors.New("already started")
	// ErrClosed is returned when a component is used after Close.
	ErrClosed = errors.New("closed")
	// ErrInvalidInput marks malformed arguments or payloads.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnavailable marks a dependency that cannot be reached.
	ErrUnavailable = errors.New("service unavailable")
)

// Unwrap provides compatibility with the standard errors package
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Is provides compatibility with the standard errors package
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As provides compatibility with the standard errors package
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message
func New(message string) error {
	return errors.New(message)
}

// Join provides compatibility with the standard errors package
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Error represents a domain error with additional context
type Error struct {
	// Original is the wrapped cause, if any
	Original error
	// Domain is the component the error belongs to (e.g. "relay", "queue", "config")
	Domain string
	// Code is a machine-readable error code
	Code string
	// Message is a human-readable error message
	Message string
	// Operation is the operation that failed (e.g. "Submit", "Forward")
	Operation string
	// Fields contains additional context about the error
	Fields map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	// Format: [Domain.Operation] Code=Code: Message: Original
	sb.WriteString("[")
	sb.WriteString(e.Domain)
	if e.Operation != "" {
		if e.Domain != "" {
			sb.WriteString(".")
		}
		sb.WriteString(e.Operation)
	}
	sb.WriteString("] ")

	if e.Code != "" {
		sb.WriteString("Code=")
		sb.WriteString(e.Code)
		sb.WriteString(": ")
	}

	sb.WriteString(e.Message)

	if e.Original != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Original.Error())
	}

	return sb.String()
}

// Unwrap implements the errors.Unwrapper interface
func (e *Error) Unwrap() error {
	return e.Original
}

// Wrap wraps an error with a message, keeping domain context if present
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		return &Error{
			Original:  err,
			Domain:    domainErr.Domain,
			Code:      domainErr.Code,
			Message:   message,
			Operation: domainErr.Operation,
			Fields:    domainErr.Fields,
		}
	}

	return &Error{
		Original: err,
		Message:  message,
	}
}

// Wrapf wraps an error with a formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WithField returns a copy of err carrying an additional context field
func WithField(err error, key string, value interface{}) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if !errors.As(err, &domainErr) {
		return &Error{
			Original: err,
			Fields:   map[string]interface{}{key: value},
		}
	}

	fields := make(map[string]interface{}, len(domainErr.Fields)+1)
	for k, v := range domainErr.Fields {
		fields[k] = v
	}
	fields[key] = value

	clone := *domainErr
	clone.Fields = fields
	return &clone
}

// CodeOf returns the code of the outermost domain error in the chain, or
// an empty string.
func CodeOf(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}
