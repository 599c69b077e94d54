// Package apperr defines the error kinds the gateway core distinguishes and
// their HTTP mapping. Handlers and services return these; transport layers
// translate them without inspecting internals.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthenticated
	KindForbidden
	KindRateLimited
	KindEncryptionRequired
	KindSecurityViolation
	KindValidationFailed
	KindNotFound
	KindConflict
	KindTransientFailure
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "UNAUTHENTICATED"
	case KindForbidden:
		return "FORBIDDEN"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindEncryptionRequired:
		return "ENCRYPTION_REQUIRED"
	case KindSecurityViolation:
		return "SECURITY_VIOLATION"
	case KindValidationFailed:
		return "VALIDATION_FAILED"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindTransientFailure:
		return "TRANSIENT_FAILURE"
	case KindCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Error is a classified error. Message is safe to return to callers;
// the wrapped cause is for logs only.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfterSeconds is set for KindRateLimited.
	RetryAfterSeconds int
	cause             error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error with a caller-visible message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error. The cause is never surfaced to
// callers, only the message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Unauthenticated covers missing, expired, or unknown sessions and tickets.
func Unauthenticated(message string) *Error {
	return New(KindUnauthenticated, message)
}

// Forbidden means authenticated but missing a required role.
func Forbidden(message string) *Error {
	return New(KindForbidden, message)
}

// RateLimited carries the seconds the caller must wait.
func RateLimited(retryAfterSeconds int) *Error {
	return &Error{
		Kind:              KindRateLimited,
		Message:           fmt.Sprintf("rate limit exceeded, retry after %ds", retryAfterSeconds),
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// EncryptionRequired is a required-mode violation: the connection holds
// encryption state but the call arrived in plaintext.
func EncryptionRequired() *Error {
	return New(KindEncryptionRequired, "encrypted transport required")
}

// SecurityViolation is returned for any envelope failure: signature, nonce,
// replay, skew, key-id, AEAD. One opaque message per class — details that
// would help an attacker stay in the logs.
func SecurityViolation(cause error) *Error {
	return Wrap(KindSecurityViolation, "security violation", cause)
}

// Validation reports malformed admin or client input.
func Validation(message string) *Error {
	return New(KindValidationFailed, message)
}

// NotFound reports a missing admin CRUD target.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Conflict reports a conflicting admin CRUD outcome.
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// Transient wraps a store error the caller should retry.
func Transient(cause error) *Error {
	return Wrap(KindTransientFailure, "temporary backend failure", cause)
}

// Cancelled wraps a deadline or client-gone condition.
func Cancelled(cause error) *Error {
	return Wrap(KindCancelled, "operation cancelled", cause)
}

// KindOf extracts the kind from any error, KindUnknown when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfter extracts RetryAfterSeconds from a rate-limit error, 0 otherwise.
func RetryAfter(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfterSeconds
	}
	return 0
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindEncryptionRequired, KindSecurityViolation:
		return http.StatusBadRequest
	case KindValidationFailed:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransientFailure:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
