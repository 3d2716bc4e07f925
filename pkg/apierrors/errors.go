// Package apierrors defines the classified error kinds returned by the
// central-mcp-server core so that a transport adapter can map them to HTTP
// status codes without inspecting error strings.
package apierrors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies an error returned by the core.
type Kind string

const (
	KindInvalidInput       Kind = "InvalidInput"
	KindNotFound           Kind = "NotFound"
	KindUnauthorized       Kind = "Unauthorized"
	KindNoCandidates       Kind = "NoCandidates"
	KindUpstreamUnhealthy  Kind = "UpstreamUnhealthy"
	KindInternal           Kind = "Internal"
)

// httpStatus maps a Kind to the status code the transport adapter should use.
var httpStatus = map[Kind]int{
	KindInvalidInput:      http.StatusBadRequest,
	KindNotFound:          http.StatusNotFound,
	KindUnauthorized:      http.StatusUnauthorized,
	KindNoCandidates:      http.StatusNotFound,
	KindUpstreamUnhealthy: http.StatusInternalServerError,
	KindInternal:          http.StatusInternalServerError,
}

// Error is a classified, wrapped error carrying a Kind and optional detail.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	cause   error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatus returns the status code an adapter should use for this error.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatus[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func newErr(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// InvalidInput builds a caller-data validation failure.
func InvalidInput(message string) *Error {
	return newErr(KindInvalidInput, message)
}

// NotFound builds an id/capability-absent failure.
func NotFound(message string) *Error {
	return newErr(KindNotFound, message)
}

// Unauthorized builds an auth-gated-operation failure.
func Unauthorized(message string) *Error {
	return newErr(KindUnauthorized, message)
}

// NoCandidates builds a selection-produced-nothing failure.
func NoCandidates(message string) *Error {
	return newErr(KindNoCandidates, message)
}

// Internal builds an invariant-violation failure, wrapping the cause with
// github.com/pkg/errors so callers retain a stack trace for process-level
// alerting.
func Internal(cause error, message string) *Error {
	return &Error{Kind: KindInternal, Message: message, cause: errors.Wrap(cause, message)}
}

// WithDetail attaches an explanatory detail string, returning the receiver
// for chaining at the construction site.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// As reports whether err is an *Error of the given Kind.
func As(err error, kind Kind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}
