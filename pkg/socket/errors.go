package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error category. Callers branch on Kind,
// never on message text. Both adapters raise the same kinds for the same
// failures; TransportError is the single remote-only exception.
type Kind string

const (
	KindValidation             Kind = "VALIDATION_ERROR"
	KindUniqueConstraint       Kind = "UNIQUE_CONSTRAINT_VIOLATION"
	KindNotFound               Kind = "NOT_FOUND"
	KindDuplicateCollection    Kind = "DUPLICATE_COLLECTION"
	KindCollectionInUse        Kind = "COLLECTION_IN_USE"
	KindUnsupportedMigration   Kind = "UNSUPPORTED_MIGRATION"
	KindIndexConflict          Kind = "INDEX_CONFLICT"
	KindUnsupportedAggregation Kind = "UNSUPPORTED_AGGREGATION"
	KindUnauthorized           Kind = "UNAUTHORIZED"
	KindForbidden              Kind = "FORBIDDEN"
	KindTimeout                Kind = "TIMEOUT"
	KindTransport              Kind = "TRANSPORT_ERROR"
	KindInternal               Kind = "INTERNAL_ERROR"
)

// HTTPStatus returns the wire status the server emits for this kind.
// The remote adapter uses the inverse mapping only when the response body
// carries no structured kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindUnsupportedMigration, KindUnsupportedAggregation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUniqueConstraint, KindDuplicateCollection, KindCollectionInUse, KindIndexConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// KindFromStatus maps an HTTP status onto the closest error kind. Used by the
// remote adapter for responses without a structured error body.
func KindFromStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return KindValidation
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindUniqueConstraint
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return KindTimeout
	default:
		return KindInternal
	}
}

// Error is the structured error shared by both adapters.
type Error struct {
	// Kind is the stable error category.
	Kind Kind `json:"kind"`

	// Message is human-readable context. Not part of the contract.
	Message string `json:"message"`

	// Field names the offending field for validation and unique-field errors.
	Field string `json:"field,omitempty"`

	// Index names the offending index for unique-index and index-build errors.
	Index string `json:"index,omitempty"`

	// Err is the wrapped underlying error. Never serialized.
	Err error `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from any error. Non-socket errors report
// KindInternal; context deadline errors report KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// Newf creates a socket error of the given kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validationf creates a ValidationError naming the offending field.
// An empty field means the payload as a whole is invalid.
func Validationf(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Field: field}
}

// UniqueField creates a UniqueConstraintViolation for a single unique field.
func UniqueField(field string) *Error {
	return &Error{
		Kind:    KindUniqueConstraint,
		Message: fmt.Sprintf("value for unique field %q already exists", field),
		Field:   field,
	}
}

// UniqueIndex creates a UniqueConstraintViolation for a composite unique index.
func UniqueIndex(index string) *Error {
	return &Error{
		Kind:    KindUniqueConstraint,
		Message: fmt.Sprintf("values collide on unique index %q", index),
		Index:   index,
	}
}

// NotFoundf creates a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// Internalf creates an InternalError.
func Internalf(format string, args ...any) *Error {
	return Newf(KindInternal, format, args...)
}
