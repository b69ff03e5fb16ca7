// Package failure classifies conveyor errors so the executor can decide
// between retrying, failing and rejecting a transfer.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies how an error should be treated by the conveyor.
type Kind string

const (
	// KindValidation marks bad input rejected before it enters the queue.
	KindValidation Kind = "validation"

	// KindTransient marks an operational error worth retrying
	// (network blips, expired sessions, exhausted connection cache).
	KindTransient Kind = "transient"

	// KindFatal marks an error that no amount of retrying will fix.
	KindFatal Kind = "fatal"

	// KindAborted marks a microservice ABORT signal.
	KindAborted Kind = "aborted"
)

// Error attaches a Kind and the failing operation to an underlying error.
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

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation wraps err as a validation error.
func Validation(op string, err error) error { return wrap(KindValidation, op, err) }

// Transient wraps err as a retryable error.
func Transient(op string, err error) error { return wrap(KindTransient, op, err) }

// Fatal wraps err as a non-retryable error.
func Fatal(op string, err error) error { return wrap(KindFatal, op, err) }

// Aborted wraps err as a pipeline abort.
func Aborted(op string, err error) error { return wrap(KindAborted, op, err) }

// KindOf returns the Kind of the outermost classified error in the chain.
// Context cancellation and deadline errors are transient, anything else
// unclassified is fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindFatal
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
