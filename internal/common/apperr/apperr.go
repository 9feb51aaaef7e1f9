// Package apperr defines the error taxonomy shared across service boundaries.
//
// Components wrap their failures in an Error carrying a Kind so that callers
// can branch on the class of failure (validation, conflict, not found, ...)
// without matching message text. Upstream errors may carry a retry hint when
// the provider supplied one (e.g. a messenger "retry after" response).
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for boundary handling.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindCapacity   Kind = "capacity"
	KindUpstream   Kind = "upstream"
	KindInternal   Kind = "internal"
)

// Error is a classified error with an optional wrapped cause and retry hint.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // 0 when the upstream provided no hint
	cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a classified error with a plain message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithRetryAfter returns a copy of the error carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// Conflict creates a conflict error.
func Conflict(format string, args ...any) *Error {
	return Newf(KindConflict, format, args...)
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// Upstream wraps an upstream provider failure.
func Upstream(message string, cause error) *Error {
	return Wrap(KindUpstream, message, cause)
}

// Internal wraps a store or invariant failure.
func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause)
}

// IsKind reports whether err (or anything it wraps) is an Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// RetryAfter extracts the retry hint from err, or 0 when absent.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
