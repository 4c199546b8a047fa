// Package apperr defines the error kinds the accounting engine reports to callers.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation         Kind = "validation"
	KindInsufficientMargin Kind = "insufficient_margin"
	KindNotFound           Kind = "not_found"
	KindInvalidState       Kind = "invalid_state"
	KindTransfer           Kind = "transfer"
	KindUnavailable        Kind = "unavailable"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare sentinel of the same kind, so errors.Is(err, ErrNotFound)
// holds for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrInsufficientMargin = &Error{Kind: KindInsufficientMargin}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrTransfer           = &Error{Kind: KindTransfer}
	ErrUnavailable        = &Error{Kind: KindUnavailable}
)

func newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error {
	return newf(KindValidation, format, args...)
}

func InsufficientMargin(format string, args ...any) error {
	return newf(KindInsufficientMargin, format, args...)
}

func NotFound(format string, args ...any) error {
	return newf(KindNotFound, format, args...)
}

func InvalidState(format string, args ...any) error {
	return newf(KindInvalidState, format, args...)
}

// Unavailable wraps a collaborator failure (quote provider) that left ledger state untouched.
func Unavailable(err error, format string, args ...any) error {
	return &Error{Kind: KindUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}

// Transfer reports a rejected transfer. The cause kind (validation or
// insufficient margin) stays reachable through errors.Is.
func Transfer(cause Kind, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: KindTransfer, Message: msg, Err: &Error{Kind: cause, Message: msg}}
}

// KindOf returns the outermost kind carried by err, or "" for infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
