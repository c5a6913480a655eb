// Package apperr defines the error taxonomy shared by every service in the
// trust core. Each error carries a kind that maps to a stable HTTP status,
// so the edge never has to guess.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for transport mapping and metrics.
type Kind string

const (
	KindAuth       Kind = "auth"       // 401
	KindForbidden  Kind = "forbidden"  // 403
	KindValidation Kind = "validation" // 400
	KindConflict   Kind = "conflict"   // 409
	KindNotFound   Kind = "not_found"  // 404
	KindRateLimit  Kind = "rate_limit" // 429
	KindOAuth      Kind = "oauth"      // 502 (provider side) or 400
	KindInternal   Kind = "internal"   // 500
	KindCircuit    Kind = "circuit"    // 503
)

// CircuitReason narrows KindCircuit failures.
type CircuitReason string

const (
	CircuitBroken          CircuitReason = "broken_circuit"
	CircuitIsolated        CircuitReason = "isolated"
	CircuitExecutionFailed CircuitReason = "execution_failed"
	CircuitCancelled       CircuitReason = "cancelled"
)

// Error is the single error type crossing service boundaries.
type Error struct {
	Kind   Kind
	Reason string // machine-readable, e.g. "mfa_invalid_code", "state_mismatch"
	Detail string // human-readable supplement, safe to surface

	// Resource / Field qualify NotFound, Conflict and Validation errors.
	Resource string
	Field    string

	// Provider qualifies OAuth errors.
	Provider string

	// Rate-limit payload (KindRateLimit only).
	RetryAfter     time.Duration
	Limit          int
	Remaining      int
	RecoveryAction string

	// Circuit payload (KindCircuit only).
	Circuit       string
	CircuitReason CircuitReason

	Err error // wrapped cause, never surfaced to clients
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s/%s: %v", e.Kind, e.Reason, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s/%s: %s", e.Kind, e.Reason, e.Detail)
	default:
		return fmt.Sprintf("%s/%s", e.Kind, e.Reason)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the kind to its stable status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindOAuth:
		return http.StatusBadGateway
	case KindCircuit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Auth builds a 401-class error.
func Auth(reason string) *Error {
	return &Error{Kind: KindAuth, Reason: reason}
}

// Forbidden builds a 403-class error with a human-readable detail.
func Forbidden(detail string) *Error {
	return &Error{Kind: KindForbidden, Reason: "forbidden", Detail: detail}
}

// Validation flags a malformed input field.
func Validation(field, detail string) *Error {
	return &Error{Kind: KindValidation, Reason: "invalid_input", Field: field, Detail: detail}
}

// Conflict flags a uniqueness or state-machine conflict on a resource.
func Conflict(resource, detail string) *Error {
	return &Error{Kind: KindConflict, Reason: "conflict", Resource: resource, Detail: detail}
}

// NotFound flags a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Reason: "not_found", Resource: resource, Detail: id}
}

// RateLimit builds a 429 with the retry window and optional recovery action.
func RateLimit(retryAfter time.Duration, recoveryAction string) *Error {
	return &Error{Kind: KindRateLimit, Reason: "rate_limited", RetryAfter: retryAfter, RecoveryAction: recoveryAction}
}

// OAuth flags a provider-side failure (state_mismatch, exchange_failed,
// user_fetch, encoding, no_email).
func OAuth(provider, reason string) *Error {
	return &Error{Kind: KindOAuth, Reason: reason, Provider: provider}
}

// Internal wraps an infrastructure failure. The cause is logged, never shown.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Reason: "internal", Err: err}
}

// CircuitErr flags a circuit-breaker rejection or wrapped failure.
func CircuitErr(name string, reason CircuitReason, err error) *Error {
	return &Error{Kind: KindCircuit, Reason: string(reason), Circuit: name, CircuitReason: reason, Err: err}
}

// As extracts an *Error from any error chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e := As(err)
	return e != nil && e.Kind == kind
}
