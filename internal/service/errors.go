package service

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is to classify an error returned by the Portal.
var (
	ErrValidation  = errors.New("validation error")
	ErrConflict    = errors.New("conflict")
	ErrNotFound    = errors.New("not found")
	ErrParse       = errors.New("parse error")
	ErrMaintenance = errors.New("maintenance window")
)

// Error is a user-facing failure of a Portal operation
type Error struct {
	Kind    error
	Message string
	// Temporary is set when the same request may succeed later unchanged.
	Temporary bool
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsUserError reports whether err is one of the Portal's user-facing kinds
func IsUserError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// IsTemporary reports whether err was refused only because updates are
// currently paused
func IsTemporary(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Temporary
}
