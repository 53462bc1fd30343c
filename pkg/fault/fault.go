// Package fault defines the closed error taxonomy for the orchestration core.
//
// Every failure that crosses the orchestrator boundary is one of fourteen
// kinds. Each kind has a stable machine-readable code and a fixed HTTP
// status, so transport mapping is a pure function and callers can decide
// whether to retry, switch model, or surface the failure to a human.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the fourteen error kinds.
type Kind string

const (
	KindInvalidRequest        Kind = "INVALID_REQUEST"
	KindValidation            Kind = "VALIDATION_FAILED"
	KindUnknownFeature        Kind = "UNKNOWN_FEATURE"
	KindUnknownOperation      Kind = "UNKNOWN_OPERATION"
	KindAuthentication        Kind = "AUTHENTICATION_FAILED"
	KindPermissionDenied      Kind = "PERMISSION_DENIED"
	KindRunNotFound           Kind = "RUN_NOT_FOUND"
	KindIdempotencyConflict   Kind = "IDEMPOTENCY_CONFLICT"
	KindRateLimit             Kind = "RATE_LIMITED"
	KindAgentFailure          Kind = "AGENT_FAILURE"
	KindProvider              Kind = "PROVIDER_ERROR"
	KindModelUnavailable      Kind = "MODEL_UNAVAILABLE"
	KindInsufficientResources Kind = "INSUFFICIENT_RESOURCES"
	KindTimeout               Kind = "TIMEOUT"
)

// statusByKind is the transport status table. Closed: an unlisted kind
// does not exist.
var statusByKind = map[Kind]int{
	KindInvalidRequest:        http.StatusBadRequest,
	KindValidation:            http.StatusBadRequest,
	KindUnknownFeature:        http.StatusBadRequest,
	KindUnknownOperation:      http.StatusBadRequest,
	KindAuthentication:        http.StatusUnauthorized,
	KindPermissionDenied:      http.StatusForbidden,
	KindRunNotFound:           http.StatusNotFound,
	KindIdempotencyConflict:   http.StatusConflict,
	KindRateLimit:             http.StatusTooManyRequests,
	KindAgentFailure:          http.StatusInternalServerError,
	KindProvider:              http.StatusBadGateway,
	KindModelUnavailable:      http.StatusServiceUnavailable,
	KindInsufficientResources: http.StatusServiceUnavailable,
	KindTimeout:               http.StatusGatewayTimeout,
}

// HTTPStatus maps an error kind to its transport status code.
func HTTPStatus(k Kind) int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the caller may retry after this kind of
// failure. Input and contract errors indicate a caller bug and are
// never retried automatically.
func Retryable(k Kind) bool {
	switch k {
	case KindRateLimit, KindAgentFailure, KindProvider, KindModelUnavailable,
		KindInsufficientResources, KindTimeout:
		return true
	}
	return false
}

// Error is the concrete error type used throughout the core.
type Error struct {
	Kind       Kind
	Message    string
	Context    map[string]any
	Suggestion string

	cause error
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind caused by err. The cause is
// preserved for errors.Is/As but never serialized across the boundary.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause chain.
func (e *Error) Unwrap() error { return e.cause }

// With attaches one context entry and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Suggest attaches a human-readable remediation hint.
func (e *Error) Suggest(s string) *Error {
	e.Suggestion = s
	return e
}

// Status returns the HTTP status for this error.
func (e *Error) Status() int { return HTTPStatus(e.Kind) }

// Envelope is the wire shape of a serialized failure.
type Envelope struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Context    map[string]any `json:"context,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`
}

// Envelope returns the serializable form of the error. The cause chain
// is intentionally dropped: only taxonomy data crosses the boundary.
func (e *Error) Envelope() Envelope {
	return Envelope{
		Code:       string(e.Kind),
		Message:    e.Message,
		Context:    e.Context,
		Suggestion: e.Suggestion,
	}
}

// KindOf extracts the kind from any error. Non-taxonomy errors report
// KindAgentFailure, the 500-class catch-all.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindAgentFailure
}

// From normalizes any error into a taxonomy error. Existing taxonomy
// errors pass through unchanged; context deadline errors become
// timeouts; everything else is wrapped as an agent failure.
func From(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err, "deadline exceeded")
	}
	return Wrap(KindAgentFailure, err, "internal failure")
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
