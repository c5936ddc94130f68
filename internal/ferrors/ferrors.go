// Package ferrors defines the system's error kinds as typed sentinels
// instead of ad hoc strings, so callers can branch on Kind rather than
// parsing a message. It also maps a Kind to the HTTP status and body shape
// the Master API returns.
package ferrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the seven error-propagation categories used across the
// system.
type Kind string

const (
	Config        Kind = "config"
	Transient     Kind = "transient"
	QuotaExceeded Kind = "quota_exceeded"
	Conflict      Kind = "conflict"
	Integrity     Kind = "integrity"
	Cancelled     Kind = "cancelled"
	Fatal         Kind = "fatal"
)

// Error is a kind-carrying error.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// New creates a Kind-carrying error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap attaches a Kind to an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

// As extracts the first *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// *Error, and Fatal otherwise — an un-kinded error is treated as the most
// conservative, non-retryable outcome.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return Fatal
}

// HTTPStatus maps a Kind to the HTTP status code the Master API returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Config:
		return http.StatusUnprocessableEntity
	case Transient:
		return http.StatusServiceUnavailable
	case QuotaExceeded:
		return http.StatusUnprocessableEntity
	case Conflict:
		return http.StatusConflict
	case Integrity:
		return http.StatusInternalServerError
	case Cancelled:
		return http.StatusConflict
	case Fatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Body is the wire shape of a Master-side error response: a structured
// body of {detail, kind, hints}.
type Body struct {
	Detail string   `json:"detail"`
	Kind   Kind     `json:"kind,omitempty"`
	Hints  []string `json:"hints,omitempty"`
}

// ToBody converts err into the wire body and matching status code.
func ToBody(err error) (int, Body) {
	if fe, ok := As(err); ok {
		return HTTPStatus(fe.Kind), Body{Detail: fe.Error(), Kind: fe.Kind}
	}
	return http.StatusInternalServerError, Body{Detail: err.Error()}
}
