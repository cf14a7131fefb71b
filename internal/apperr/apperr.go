// Package apperr defines the error kinds the service translates into
// HTTP responses and stream frames.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an application error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindUnauthorized
	KindInactive
	KindDuplicate
	KindBusy
	KindProvider
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindInactive:
		return "inactive"
	case KindDuplicate:
		return "duplicate"
	case KindBusy:
		return "busy"
	case KindProvider:
		return "provider"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// Error is a classified error with a client-safe message.
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

// ValidationFields carries per-field messages, keyed by the request field name.
func ValidationFields(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Fields: fields}
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newError(KindUnauthorized, nil, format, args...)
}

func Inactive(format string, args ...any) *Error {
	return newError(KindInactive, nil, format, args...)
}

func Duplicate(format string, args ...any) *Error {
	return newError(KindDuplicate, nil, format, args...)
}

func Busy(format string, args ...any) *Error {
	return newError(KindBusy, nil, format, args...)
}

// Provider wraps a failure reported by the model vendor. The vendor's
// message is kept as the client-facing text.
func Provider(err error) *Error {
	return &Error{Kind: KindProvider, Msg: "provider error", Err: err}
}

// Persistence wraps a store failure with the operation that failed.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Msg: op, Err: err}
}

func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Msg: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
