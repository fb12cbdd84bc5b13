package model

import (
	"errors"
	"fmt"
)

// Kind classifies domain failures so transports can map them.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindNotCancellable    Kind = "not_cancellable"
	KindNoLongerAvailable Kind = "request_no_longer_available"
	KindForbidden         Kind = "forbidden"
	KindMissingAmount     Kind = "missing_amount"
	KindMissingLocation   Kind = "missing_location"
	KindDependency        Kind = "dependency_failure"
)

// Error is a classified domain error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrForbidden) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Msg == ""
	}
	return false
}

// Sentinels for errors.Is; they carry no message.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrNotCancellable    = &Error{Kind: KindNotCancellable}
	ErrNoLongerAvailable = &Error{Kind: KindNoLongerAvailable}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrMissingAmount     = &Error{Kind: KindMissingAmount}
	ErrMissingLocation   = &Error{Kind: KindMissingLocation}
	ErrDependency        = &Error{Kind: KindDependency}
)

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Forbiddenf(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Msg: fmt.Sprintf(format, args...)}
}

// InvalidTransition names the disallowed move.
func InvalidTransition(from, to Status) error {
	return &Error{Kind: KindInvalidTransition, Msg: fmt.Sprintf("cannot move from %s to %s", from, to)}
}

func NotCancellable(s Status) error {
	return &Error{Kind: KindNotCancellable, Msg: fmt.Sprintf("request in status %s cannot be cancelled", s)}
}

func NoLongerAvailable() error {
	return &Error{Kind: KindNoLongerAvailable, Msg: "this request is no longer available"}
}

func MissingAmount() error {
	return &Error{Kind: KindMissingAmount, Msg: "a quotation or final amount is required to complete the request"}
}

func MissingLocation(mechanicID string) error {
	return &Error{Kind: KindMissingLocation, Msg: fmt.Sprintf("mechanic %s has no location set", mechanicID)}
}

// Dependency wraps a collaborator failure.
func Dependency(what string, err error) error {
	return &Error{Kind: KindDependency, Msg: what + " unavailable", Err: err}
}

// KindOf returns the kind of a domain error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
