package services

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure surfaced by a service is one of these; anything
// unexpected from the database is wrapped as ErrStorage.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrPermissionDenied = errors.New("permission denied")
	ErrValidation       = errors.New("validation failed")
	ErrStorage          = errors.New("storage error")
)

// Error is a kinded service error. Suggestion carries an optional
// human-readable hint (the resolver attaches one when a failing path segment
// looks like a filename).
type Error struct {
	Kind       error
	Message    string
	Suggestion string
	cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Suggestion != "" {
		msg += "\n" + e.Suggestion
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.cause }

func notFound(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

func permissionDenied(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

func validation(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func storage(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrStorage, Message: fmt.Sprintf(format, args...), cause: err}
}

// Suggestion returns the hint attached to err, if any.
func Suggestion(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Suggestion
	}
	return ""
}
