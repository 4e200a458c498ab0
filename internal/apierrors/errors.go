// Package apierrors defines the error-kind taxonomy shared by the HTTP boundary,
// the streaming gateways, and the worker runtime.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the abstract error kinds from the orchestration design.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindTransientUpstream Kind = "transient_upstream"
	KindPermanentUpstream Kind = "permanent_upstream"
	KindClientOverflow    Kind = "client_overflow"
	KindWorkerCrash       Kind = "worker_crash"
	KindUnauthenticated   Kind = "unauthenticated"
)

// Error is a typed error carrying a Kind and a message safe to show to a caller.
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

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind, chaining cause for %w unwrapping.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Validation is a convenience constructor for KindValidation.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// NotFound is a convenience constructor for KindNotFound.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the HTTP status code the boundary should return.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindTransientUpstream:
		return http.StatusServiceUnavailable
	case KindPermanentUpstream, KindWorkerCrash:
		return http.StatusInternalServerError
	case KindClientOverflow:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Body is the stable JSON error body returned at the HTTP boundary. No internal
// exception detail (stack traces, driver errors) is ever placed here.
type Body struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ToBody converts err into a response Body and HTTP status, defaulting unknown
// errors to an opaque internal error so no internal detail leaks to callers.
func ToBody(err error) (int, Body) {
	if e, ok := As(err); ok {
		return HTTPStatus(e.Kind), Body{Kind: string(e.Kind), Message: e.Message}
	}
	return http.StatusInternalServerError, Body{Kind: "internal_error", Message: "internal error"}
}

// StreamEnd is the structured terminal event shape {"kind":"end","error":"..."}
// used by the Result Stream Gateway. The worker runtime publishes the same
// shape through its own workerrun.EndEnvelope type.
type StreamEnd struct {
	Kind  string `json:"kind"`
	Error string `json:"error,omitempty"`
}
