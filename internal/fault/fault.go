// Package fault defines the error classification shared by the service
// and transport layers. Every operation failure carries a kind that the
// HTTP layer maps to a status code.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure.
type Kind string

const (
	KindValidation Kind = "VALIDATION" // malformed or inconsistent input
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT" // state precludes the operation
	KindResource   Kind = "RESOURCE" // required host resource unavailable
	KindSpawn      Kind = "SPAWN"    // process launch failed
	KindInternal   Kind = "INTERNAL"
)

// Error is a classified error. It participates in errors.Is/errors.As
// chains and preserves the underlying cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. It returns nil when err is nil.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		if e.msg == "" {
			return e.err.Error()
		}
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the classification of err, walking its chain. Errors
// without a classification are INTERNAL; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
