// Package apperr defines the error taxonomy the task core surfaces and its
// single mapping to HTTP status codes. Handlers and background supervisors
// classify failures by Kind instead of matching message substrings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags an error with one of the failure classes the server reports.
type Kind string

const (
	KindInvalidInput      Kind = "invalid-input"
	KindNotFound          Kind = "not-found"
	KindInvalidTransition Kind = "invalid-transition"
	KindConflict          Kind = "conflict"
	KindNoBackend         Kind = "no-backend-available"
	KindBackendFailure    Kind = "backend-failure"
	KindTimeout           Kind = "timeout"
	KindMergeConflict     Kind = "merge-conflict"
	KindCleanupFailure    Kind = "cleanup-failure"
	KindUnexpected        Kind = "unexpected"
)

// Detail is a field-level validation failure.
type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error carries a Kind, a human-readable message, optional field details,
// and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Details []Detail
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records err as its cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates an invalid-input Error carrying field details.
func Validation(details ...Detail) *Error {
	return &Error{Kind: KindInvalidInput, Message: "Validation failed", Details: details}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Errors without a Kind classify as unexpected.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MessageOf returns the tagged message, or err.Error() for untagged errors.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// DetailsOf returns the field details, if any.
func DetailsOf(err error) []Detail {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// HTTPStatus maps a Kind to the status code the HTTP surface reports.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindInvalidTransition, KindNoBackend:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindMergeConflict:
		return http.StatusConflict
	case KindBackendFailure:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCleanupFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
