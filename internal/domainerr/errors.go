// Package domainerr defines the error taxonomy that every boundary in the
// system (consumer ack/nack, HTTP status, scheduler logging) classifies
// against: validation vs not-found vs conflict vs infrastructure failure,
// and whether the caller should retry.
package domainerr

import (
	"fmt"
	"time"
)

// Kind is a closed set of domain-level error categories.
type Kind string

const (
	Validation     Kind = "VALIDATION"
	NotFound       Kind = "NOT_FOUND"
	Conflict       Kind = "CONFLICT"
	Database       Kind = "DATABASE"
	Broker         Kind = "BROKER"
	OPCUA          Kind = "OPCUA"
	Infrastructure Kind = "INFRASTRUCTURE"
	Unknown        Kind = "UNKNOWN"
)

// retryableByDefault reflects the "Retryable" column of spec.md §7.
var retryableByDefault = map[Kind]bool{
	Validation:     false,
	NotFound:       false,
	Conflict:       false,
	Database:       true,
	Broker:         true,
	OPCUA:          true,
	Infrastructure: false,
	Unknown:        false,
}

// Error is the typed error every domain boundary returns.
type Error struct {
	Kind       Kind
	Message    string
	Retryable  bool
	Timestamp  time.Time
	Details    map[string]any
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with the default retryability.
func New(kind Kind, message string, details map[string]any) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: retryableByDefault[kind],
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
}

// Wrap classifies a non-domain error (e.g. a raw driver error) as kind,
// preserving it as the cause for %w-style unwrapping.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: retryableByDefault[kind],
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// As reports whether err is (or wraps) a *Error, returning it.
func As(err error) (*Error, bool) {
	de, ok := err.(*Error)
	if ok {
		return de, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if de, ok := err.(*Error); ok {
			return de, true
		}
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code spec.md §7 specifies.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return 400
	case NotFound:
		return 404
	case Conflict:
		return 409
	default:
		return 500
	}
}
