// Package errkind classifies errors into the closed taxonomy every
// component uses to decide whether to retry, dead-letter, or surface a
// failure to a caller.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of a closed set of error classifications. New kinds are not
// added outside this file.
type Kind string

const (
	NotFound         Kind = "not_found"
	Conflict         Kind = "conflict"
	InvalidInput     Kind = "invalid_input"
	Validation       Kind = "validation"
	Unauthenticated  Kind = "unauthenticated"
	PermissionDenied Kind = "permission_denied"
	RateLimited      Kind = "rate_limited"
	Timeout          Kind = "timeout"
	CircuitOpen      Kind = "circuit_open"
	Overloaded       Kind = "overloaded"
	Unavailable      Kind = "unavailable"
	Dependency       Kind = "dependency"
	Internal         Kind = "internal"
)

// Error wraps a cause with a Kind. It is constructed via New/Wrap, never
// directly, so every error entering the system carries a classification.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error

	// RetryAfterSeconds and Limit are populated for RateLimited errors.
	RetryAfterSeconds int
	Limit             int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// RateLimitedErr builds a RateLimited error carrying window/limit metadata.
func RateLimitedErr(msg string, retryAfterSeconds, limit int) error {
	return &Error{Kind: RateLimited, Msg: msg, RetryAfterSeconds: retryAfterSeconds, Limit: limit}
}

// Is reports whether err (or anything it wraps) was classified as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the classification of err, or Internal if it was never
// classified — an unclassified error is, by definition, a bug.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether the nearest retry boundary should retry this
// kind of failure. Non-idempotent database writes are handled separately
// by the caller (the database resilience preset disables retry outright).
func Retryable(err error) bool {
	switch KindOf(err) {
	case Timeout, Unavailable, CircuitOpen, Overloaded:
		return true
	default:
		return false
	}
}
