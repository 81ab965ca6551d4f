// Package errs defines the gateway's structured error taxonomy. Every
// command-level failure returned to an API caller carries one of these kinds
// so clients can branch on a stable machine-readable code while rendering the
// human message.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindAlreadyExists       Kind = "AlreadyExists"
	KindSessionNotReady     Kind = "SessionNotReady"
	KindUnauthorized        Kind = "Unauthorized"
	KindInsufficientCredits Kind = "InsufficientCredits"
	KindAuthFailed          Kind = "AuthFailed"
	KindTransientTransport  Kind = "TransientTransportError"
	KindExternalAction      Kind = "ExternalActionFailed"
	KindInvalidArgument     Kind = "InvalidArgument"
	KindInternal            Kind = "Internal"
)

type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf extracts the taxonomy kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func AlreadyExists(format string, args ...interface{}) *Error {
	return New(KindAlreadyExists, format, args...)
}

func SessionNotReady(format string, args ...interface{}) *Error {
	return New(KindSessionNotReady, format, args...)
}

func Unauthorized(format string, args ...interface{}) *Error {
	return New(KindUnauthorized, format, args...)
}

func InsufficientCredits(format string, args ...interface{}) *Error {
	return New(KindInsufficientCredits, format, args...)
}
