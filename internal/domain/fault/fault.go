// Package fault defines the typed failures surfaced by the admission and billing engine.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindInvalidState        Kind = "invalid_state"
	KindResourceUnavailable Kind = "resource_unavailable"
	KindAmountViolation     Kind = "amount_violation"
)

// Sentinels for errors.Is matching by kind
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrResourceUnavailable = &Error{Kind: KindResourceUnavailable}
	ErrAmountViolation     = &Error{Kind: KindAmountViolation}
)

// Error is a domain failure with context
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg = e.Message
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%s)", msg, e.Cause.Error())
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so callers can test
// errors.Is(err, fault.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NotFound builds a KindNotFound error
func NotFound(op, format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// InvalidState builds a KindInvalidState error
func InvalidState(op, format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidState, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Unavailable builds a KindResourceUnavailable error
func Unavailable(op, format string, args ...interface{}) error {
	return &Error{Kind: KindResourceUnavailable, Op: op, Message: fmt.Sprintf(format, args...)}
}

// AmountViolation builds a KindAmountViolation error
func AmountViolation(op, format string, args ...interface{}) error {
	return &Error{Kind: KindAmountViolation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a domain error, or "" for infrastructure errors
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
