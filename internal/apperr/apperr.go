// Package apperr defines the typed error sum used across the core.
//
// Every error that leaves a service carries a stable machine-readable key,
// an HTTP status, and optional structured info. The wire format rendered by
// the API layer is `{key, status, info, cause?}`; the cause is only exposed
// outside production.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the canonical error type for the platform core.
type Error struct {
	// Key is the stable machine-readable identifier, e.g.
	// "authPasswordBased.login.unknownEmail".
	Key string `json:"key"`
	// Status is the HTTP response status code.
	Status int `json:"status"`
	// Info holds structured details safe to return to the client.
	Info map[string]any `json:"info,omitempty"`
	// Cause is the underlying error, exposed only in non-production builds.
	Cause error `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%d): %v", e.Key, e.Status, e.Cause)
	}
	return fmt.Sprintf("%s (%d)", e.Key, e.Status)
}

// Unwrap allows errors.Is and errors.As to traverse the cause chain.
func (e *Error) Unwrap() error { return e.Cause }

// WithCause returns a copy of the error with the cause attached.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// WithInfo returns a copy of the error with extra info merged in.
func (e *Error) WithInfo(info map[string]any) *Error {
	cp := *e
	if cp.Info == nil {
		cp.Info = map[string]any{}
	}
	for k, v := range info {
		cp.Info[k] = v
	}
	return &cp
}

// BadRequest creates a 400 validation error.
func BadRequest(key string, info map[string]any) *Error {
	return &Error{Key: key, Status: http.StatusBadRequest, Info: info}
}

// Unauthorized creates a 401 error.
func Unauthorized(key string) *Error {
	return &Error{Key: key, Status: http.StatusUnauthorized}
}

// Forbidden creates a 403 error.
func Forbidden(key string) *Error {
	return &Error{Key: key, Status: http.StatusForbidden}
}

// NotFound creates a 404 error.
func NotFound(key string) *Error {
	return &Error{Key: key, Status: http.StatusNotFound}
}

// RateLimited creates a 429 error.
func RateLimited(key string) *Error {
	return &Error{Key: key, Status: http.StatusTooManyRequests}
}

// Server creates a 500 error wrapping an unexpected server-side failure.
func Server(key string, cause error) *Error {
	return &Error{Key: key, Status: http.StatusInternalServerError, Cause: cause}
}

// Internal is the fallback 500 used for errors that were never typed.
func Internal(cause error) *Error {
	return Server("error.server.internal", cause)
}

// From extracts an *Error from err, or wraps it as an internal 500.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// IsKey reports whether err is an *Error with the given key.
func IsKey(err error, key string) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Key == key
}

// NormalizeSession maps every non-500 error from the session layer to a 401,
// preserving the key. 500s pass through untouched.
func NormalizeSession(err error) error {
	if err == nil {
		return nil
	}
	appErr := From(err)
	if appErr.Status >= http.StatusInternalServerError {
		return appErr
	}
	return &Error{Key: appErr.Key, Status: http.StatusUnauthorized, Cause: appErr.Cause}
}
