// Package apperr defines the typed errors returned by the task engine.
// Each Kind maps to a sentinel so callers can use errors.Is, and to an
// HTTP status and wire code for the API layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindValidation
	KindStateConflict
	KindLeaseConflict
	KindPartialBatch
	KindForbidden
	KindUnauthorized
	KindBadRequest
	KindInternal
)

var (
	ErrNotFound         = errors.New("not found")
	ErrValidationFailed = errors.New("validation failed")
	ErrStateConflict    = errors.New("state conflict")
	ErrLeaseConflict    = errors.New("lease conflict")
	ErrPartialBatch     = errors.New("partial batch failure")
	ErrForbidden        = errors.New("forbidden")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrBadRequest       = errors.New("bad request")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindValidation:
		return ErrValidationFailed
	case KindStateConflict:
		return ErrStateConflict
	case KindLeaseConflict:
		return ErrLeaseConflict
	case KindPartialBatch:
		return ErrPartialBatch
	case KindForbidden:
		return ErrForbidden
	case KindUnauthorized:
		return ErrUnauthorized
	case KindBadRequest:
		return ErrBadRequest
	}
	return nil
}

// Code is the snake_case identifier used in API error envelopes.
func (k Kind) Code() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation_failed"
	case KindStateConflict:
		return "state_conflict"
	case KindLeaseConflict:
		return "lease_conflict"
	case KindPartialBatch:
		return "partial_batch_failure"
	case KindForbidden:
		return "forbidden"
	case KindUnauthorized:
		return "unauthorized"
	case KindBadRequest:
		return "bad_request"
	}
	return "internal_error"
}

// Error is a domain error with a typed Kind.
type Error struct {
	Kind    Kind
	Message string
	Op      string
	Err     error
	Details map[string]any
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		if s := e.Kind.sentinel(); s != nil {
			msg = s.Error()
		}
	}
	if e.Err != nil && !errors.Is(e.Err, e.Kind.sentinel()) {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindStateConflict, KindLeaseConflict, KindPartialBatch:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindBadRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func NotFound(message string) *Error { return New(KindNotFound, message) }
func Validation(message string) *Error { return New(KindValidation, message) }
func StateConflict(message string) *Error { return New(KindStateConflict, message) }
func LeaseConflict(message string) *Error { return New(KindLeaseConflict, message) }
func Forbidden(message string) *Error { return New(KindForbidden, message) }
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }
func BadRequest(message string) *Error { return New(KindBadRequest, message) }
func Internal(message string, err error) *Error { return Wrap(KindInternal, message, err) }

// KindOf returns the kind of the first *Error in err's chain. Bare sentinels
// are recognised too so repo-level ErrNotFound maps to KindNotFound.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []Kind{KindNotFound, KindValidation, KindStateConflict, KindLeaseConflict, KindPartialBatch, KindForbidden, KindUnauthorized, KindBadRequest} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// DetailsOf returns the details of the first *Error in err's chain.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
