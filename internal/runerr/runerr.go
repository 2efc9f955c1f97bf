// Package runerr classifies failures of an orchestration run so callers can
// decide how to report and whether to retry.
package runerr

import (
	"errors"
	"fmt"
)

// Kind is the failure class reported alongside an error message.
type Kind string

const (
	KindConfiguration  Kind = "configuration_error"
	KindAuthentication Kind = "authentication_error"
	KindConflict       Kind = "conflict_error"
	KindTransientIO    Kind = "transient_io_error"
	KindAgent          Kind = "agent_failure"
	KindValidation     Kind = "validation_error"
	KindInternal       Kind = "internal_error"
)

// Error is a classified failure. Message is what the caller sees; Err keeps
// the underlying cause for logs and errors.Is/As.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error. An empty message falls back to err's text.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Wrap classifies err keeping its message. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Configurationf(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when none is classified.
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

// Message returns the caller-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return err.Error()
}

// Retryable reports whether a failure of this kind may succeed when repeated
// unchanged.
func (k Kind) Retryable() bool {
	return k == KindTransientIO
}
