package orchestrator

import (
	"errors"
	"fmt"

	"nexus/tasks"
)

// Kind classifies orchestrator failures for callers that map them to
// transport status codes.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindResource   Kind = "resource"
	KindUpstream   Kind = "upstream"
	KindTimeout    Kind = "timeout"
	KindCancelled  Kind = "cancelled"
)

var (
	ErrNotFound        = tasks.ErrNotFound
	ErrAlreadyTerminal = tasks.ErrAlreadyTerminal
	ErrShuttingDown    = errors.New("orchestrator is shutting down")
)

// Error is a classified failure. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func validationf(format string, args ...any) *Error {
	return newError(KindValidation, "validate", fmt.Errorf(format, args...))
}

// IsKind reports whether err, or anything it wraps, is an *Error of kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or "" when it is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
