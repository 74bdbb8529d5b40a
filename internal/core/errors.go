// Package core provides the shared value types, error taxonomy, and sink
// interfaces for the generation core.
package core

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// ErrorKind classifies a core error for propagation policy decisions.
type ErrorKind string

const (
	// KindConfigValidation indicates malformed configuration at construction.
	// Fatal, never retried.
	KindConfigValidation ErrorKind = "config_validation"
	// KindTransientBackend indicates a timeout or connection-level failure.
	// Retried locally within the adapter up to the attempt cap.
	KindTransientBackend ErrorKind = "transient_backend"
	// KindPermanentBackend indicates auth, quota, or malformed-request
	// rejection. Surfaced immediately, never retried.
	KindPermanentBackend ErrorKind = "permanent_backend"
	// KindAllBackendsExhausted indicates every adapter attempt failed within
	// the router's bounded retry budget.
	KindAllBackendsExhausted ErrorKind = "all_backends_exhausted"
	// KindIntegrityViolation indicates a model weights digest mismatch.
	// Fatal, load aborted.
	KindIntegrityViolation ErrorKind = "integrity_violation"
	// KindInsufficientResources indicates the memory floor was breached
	// before load. Fatal, load aborted.
	KindInsufficientResources ErrorKind = "insufficient_resources"
	// KindInferenceFailure indicates an engine-level error during local
	// generation, surfaced after the recovery cycle ran.
	KindInferenceFailure ErrorKind = "inference_failure"
	// KindBusy indicates a local generation was rejected because another
	// call is in flight.
	KindBusy ErrorKind = "busy"
	// KindInvalidState indicates a lifecycle operation from the wrong state.
	KindInvalidState ErrorKind = "invalid_state"
)

// Error is the typed error carried across the generation core. Callers are
// never exposed to raw backend payloads; Message is a sanitized summary.
type Error struct {
	Kind    ErrorKind
	Backend string
	Message string
	// Err is the underlying cause, kept for debugging and unwrapping.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Backend, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewConfigError reports malformed configuration at construction time.
func NewConfigError(message string, err error) *Error {
	return &Error{Kind: KindConfigValidation, Message: message, Err: err}
}

// NewTransientError reports a retryable backend failure.
func NewTransientError(backend, message string, err error) *Error {
	return &Error{Kind: KindTransientBackend, Backend: backend, Message: message, Err: err}
}

// NewPermanentError reports a non-retryable backend rejection.
func NewPermanentError(backend, message string, err error) *Error {
	return &Error{Kind: KindPermanentBackend, Backend: backend, Message: message, Err: err}
}

// NewExhaustedError reports that the router ran out of failover attempts.
// The last adapter failure is kept as the cause.
func NewExhaustedError(attempts int, last error) *Error {
	return &Error{
		Kind:    KindAllBackendsExhausted,
		Message: fmt.Sprintf("all backends failed after %d attempts", attempts),
		Err:     last,
	}
}

// NewIntegrityError reports a model weights digest mismatch.
func NewIntegrityError(path, want, got string) *Error {
	return &Error{
		Kind:    KindIntegrityViolation,
		Message: fmt.Sprintf("digest mismatch for %s: want %s, got %s", path, want, got),
	}
}

// NewResourceError reports that the pre-load memory floor was breached.
func NewResourceError(message string) *Error {
	return &Error{Kind: KindInsufficientResources, Message: message}
}

// NewInferenceError reports an engine-level failure during local generation.
func NewInferenceError(model, message string, err error) *Error {
	return &Error{Kind: KindInferenceFailure, Backend: model, Message: message, Err: err}
}

// NewBusyError reports that a local model already has a generation in flight.
func NewBusyError(model string) *Error {
	return &Error{Kind: KindBusy, Backend: model, Message: "generation already in flight"}
}

// NewStateError reports a lifecycle operation attempted from the wrong state.
func NewStateError(model, message string) *Error {
	return &Error{Kind: KindInvalidState, Backend: model, Message: message}
}

// KindOf returns the ErrorKind of err, or "" if err is not a core Error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsTransient reports whether err should be retried by the adapter's local
// retry policy. Errors outside the core taxonomy (raw network failures) are
// treated as transient.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindTransientBackend
	}
	return err != nil
}

// IsPermanent reports whether err is a non-retryable backend rejection.
func IsPermanent(err error) bool {
	return KindOf(err) == KindPermanentBackend
}

// IsBusy reports whether err indicates a rejected concurrent local generation.
func IsBusy(err error) bool {
	return KindOf(err) == KindBusy
}

// ClassifyStatus maps a backend HTTP status and response body to a core Error.
// Providers disagree on error payload shapes, so the message is extracted by
// path lookup rather than a fixed struct.
func ClassifyStatus(backend string, status int, body []byte, cause error) *Error {
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = gjson.GetBytes(body, "error").String()
	}
	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewPermanentError(backend, "authentication rejected: "+message, cause)
	case status == http.StatusTooManyRequests:
		// Quota rejection is the backend telling us to stop, not a blip.
		return NewPermanentError(backend, "quota exceeded: "+message, cause)
	case status == http.StatusRequestTimeout:
		return NewTransientError(backend, "backend timeout: "+message, cause)
	case status >= 400 && status < 500:
		return NewPermanentError(backend, message, cause)
	default:
		return NewTransientError(backend, message, cause)
	}
}
