// Package apperr is the error taxonomy shared by services and the HTTP layer.
// Each Kind maps to one HTTP status; Message is safe to show to clients while
// Err keeps the internal cause for logs.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error independently of where it was raised.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuthentication  Kind = "authentication"
	KindAuthorization   Kind = "authorization"
	KindNotFound        Kind = "not_found"
	KindDuplicate       Kind = "duplicate"
	KindRateLimit       Kind = "rate_limit"
	KindInternal        Kind = "internal"
	KindExternalService Kind = "external_service"
	KindDatabase        Kind = "database"
)

// Error is the concrete error type carried through the service layer.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, apperr.NotFound("")) match on kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New builds an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap attaches an internal cause to a client-safe message.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Validation(msg string) *Error      { return New(KindValidation, msg) }
func Unauthenticated(msg string) *Error { return New(KindAuthentication, msg) }
func Forbidden(msg string) *Error       { return New(KindAuthorization, msg) }
func NotFound(msg string) *Error        { return New(KindNotFound, msg) }
func Duplicate(msg string) *Error       { return New(KindDuplicate, msg) }
func RateLimited(msg string) *Error     { return New(KindRateLimit, msg) }

// Internal hides err behind a generic message.
func Internal(err error) *Error {
	return Wrap(KindInternal, "An unexpected error occurred", err)
}

// External marks a failed dependency such as KMS or a broker.
func External(service string, err error) *Error {
	return Wrap(KindExternalService, service+" is unavailable", err)
}

// WithField records a per-field validation message.
func (e *Error) WithField(name, msg string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[name] = msg
	return e
}

// KindOf reports the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As unwraps err into *Error, wrapping foreign errors as internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Status maps a kind onto its HTTP status code.
func Status(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicate:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindExternalService:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code is the machine-readable error name returned in response bodies.
func Code(kind Kind) string {
	switch kind {
	case KindValidation:
		return "ValidationError"
	case KindAuthentication:
		return "AuthenticationError"
	case KindAuthorization:
		return "AuthorizationError"
	case KindNotFound:
		return "NotFoundError"
	case KindDuplicate:
		return "DuplicateError"
	case KindRateLimit:
		return "RateLimitError"
	case KindExternalService:
		return "ExternalServiceError"
	case KindDatabase:
		return "DatabaseError"
	default:
		return "InternalError"
	}
}
