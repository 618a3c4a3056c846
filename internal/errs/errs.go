// Package errs defines the error taxonomy shared across the session core.
// Every error carries a machine-readable kind so the API layer can map it to
// a transport status without string matching.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindInvalidState Kind = "invalid_state"
	KindUnauthorized Kind = "unauthorized"
	KindDependency   Kind = "dependency"
	KindProcess      Kind = "process"
)

// Error pairs a kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs an error of the given kind.
func E(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) error   { return E(KindValidation, format, args...) }
func NotFound(format string, args ...any) error     { return E(KindNotFound, format, args...) }
func InvalidState(format string, args ...any) error { return E(KindInvalidState, format, args...) }
func Unauthorized(format string, args ...any) error { return E(KindUnauthorized, format, args...) }

// Dependency marks a store or cache failure. Admission-path callers treat
// these as fail-closed.
func Dependency(err error, format string, args ...any) error {
	return Wrap(KindDependency, err, format, args...)
}

// Process marks an external encoder or recorder failure. Never fatal to a
// session's live status.
func Process(err error, format string, args ...any) error {
	return Wrap(KindProcess, err, format, args...)
}

// KindOf returns the kind carried by err, or an empty kind for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
