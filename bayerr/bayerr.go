// Package bayerr defines the coded errors bay reports across component
// boundaries. Internals wrap and chain errors however they like; by the
// time an error crosses a manager boundary it is one of these, so
// callers can branch on the code instead of string matching.
package bayerr

import (
	"errors"
	"fmt"
	"time"
)

type Code string

const (
	CodeNotFound               Code = "not_found"
	CodeConflict               Code = "conflict"
	CodeSandboxExpired         Code = "sandbox_expired"
	CodeSandboxTTLInfinite     Code = "sandbox_ttl_infinite"
	CodeSessionNotReady        Code = "session_not_ready"
	CodeCapabilityNotSupported Code = "capability_not_supported"
	CodeValidation             Code = "validation_error"
	CodeDriver                 Code = "driver_error"
	CodeInternal               Code = "internal_error"
)

type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// With attaches a detail and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// GetCode extracts the code from err. Errors that never got coded
// report internal_error, which is also what the outer surface returns
// for them.
func GetCode(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func hasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

func IsConflict(err error) bool { return hasCode(err, CodeConflict) }

func IsNotReady(err error) bool { return hasCode(err, CodeSessionNotReady) }

// NotFound reports a missing entity, eg NotFound("sandbox", id).
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, "%s %s not found", kind, id).
		With("kind", kind).With("id", id)
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

// Expired reports an operation against a sandbox whose TTL has lapsed.
func Expired(sandboxID string) *Error {
	return New(CodeSandboxExpired, "sandbox %s is expired", sandboxID).
		With("sandbox_id", sandboxID)
}

// TTLInfinite reports a TTL extension against a sandbox that has no
// expiry to extend.
func TTLInfinite(sandboxID string) *Error {
	return New(CodeSandboxTTLInfinite, "sandbox %s has an infinite ttl", sandboxID).
		With("sandbox_id", sandboxID)
}

// NotReady tells the caller the session exists but is still starting,
// and when to retry.
func NotReady(sessionID string, retryAfter time.Duration) *Error {
	return New(CodeSessionNotReady, "session %s is not ready", sessionID).
		With("session_id", sessionID).
		With("retry_after_ms", retryAfter.Milliseconds())
}

// RetryAfter extracts the retry hint from a session_not_ready error.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeSessionNotReady {
		return 0, false
	}
	ms, ok := e.Details["retry_after_ms"].(int64)
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// CapabilityNotSupported reports a capability no container in the
// profile declares, along with what is available.
func CapabilityNotSupported(capability string, available []string) *Error {
	return New(CodeCapabilityNotSupported, "capability %q is not supported by this profile", capability).
		With("capability", capability).
		With("available", available)
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

// Driver wraps a platform failure, tagging which driver raised it.
func Driver(kind string, err error, format string, args ...any) *Error {
	return Wrap(err, CodeDriver, format, args...).With("driver", kind)
}

func Internal(err error, format string, args ...any) *Error {
	return Wrap(err, CodeInternal, format, args...)
}
