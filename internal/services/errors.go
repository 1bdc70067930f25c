package services

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies collaborator failures so callers can branch on a
// closed set of kinds instead of matching error text.
type ErrorKind string

const (
	KindQuota         ErrorKind = "quota"
	KindTimeout       ErrorKind = "timeout"
	KindUnavailable   ErrorKind = "unavailable"
	KindValidation    ErrorKind = "validation"
	KindConfiguration ErrorKind = "configuration"
	KindNotFound      ErrorKind = "not_found"
	KindUnknown       ErrorKind = ""
)

// ErrorKinder allows errors to declare their classification.
type ErrorKinder interface {
	ErrorKind() ErrorKind
}

// Error wraps a collaborator failure with its classification and operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() ErrorKind { return e.Kind }

// NewError builds a classified error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Classify returns the kind of the first classified error in the chain.
// Context cancellation and deadline expiry map to timeout semantics.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var kinder ErrorKinder
	if errors.As(err, &kinder) {
		return kinder.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsTransient reports whether the failure is worth another attempt: quota
// exhaustion, timeouts, and upstream unavailability all clear on their own.
func IsTransient(err error) bool {
	switch Classify(err) {
	case KindQuota, KindTimeout, KindUnavailable:
		return true
	default:
		return false
	}
}
