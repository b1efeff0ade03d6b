// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package errs

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
)

// Kind classifies an error for HTTP mapping and retry decisions.
type Kind int

const (
	// KindAny is the catch-all for wrapped lower-level failures. HTTP 500.
	KindAny Kind = iota
	// KindNotFound marks a read of a nonexistent entity. HTTP 404.
	KindNotFound
	// KindUnauthorized marks a missing or invalid bearer token or client
	// secret. HTTP 401.
	KindUnauthorized
	// KindForbidden marks a policy denial, a referential delete guard, or
	// an invalid JWT signature. HTTP 403.
	KindForbidden
	// KindBadRequest marks malformed input, PKCE mismatch, invalid scope,
	// expired session, or redirect mismatch. HTTP 400.
	KindBadRequest
	// KindValidates marks a structured field-level validation failure.
	// HTTP 422.
	KindValidates
)

// HTTPStatus returns the HTTP status code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	case KindValidates:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindBadRequest:
		return "bad_request"
	case KindValidates:
		return "validates"
	default:
		return "any"
	}
}

// Error is the typed error carried between layers.
type Error struct {
	Kind    Kind
	Code    string // dotted "Cim.<http>.<internal>" code
	Message string

	cause error
	stack []byte // captured only for KindAny
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Stack returns the stack captured at the raising site, if any.
// Only Any-kind errors capture stacks; typed business errors do not.
func (e *Error) Stack() []byte { return e.stack }

// WithCause attaches a cause without changing kind or code.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// New creates an error with an explicit kind, code, and message.
// The code's middle segment must agree with the kind's HTTP status.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a NotFound error with the default code.
func NotFoundf(format string, args ...any) *Error {
	return New(KindNotFound, CodeNotFound, format, args...)
}

// Unauthorizedf creates an Unauthorized error with the default code.
func Unauthorizedf(format string, args ...any) *Error {
	return New(KindUnauthorized, CodeUnauthorized, format, args...)
}

// Forbiddenf creates a Forbidden error with the default code.
func Forbiddenf(format string, args ...any) *Error {
	return New(KindForbidden, CodeForbidden, format, args...)
}

// BadRequestf creates a BadRequest error with the default code.
func BadRequestf(format string, args ...any) *Error {
	return New(KindBadRequest, CodeBadRequest, format, args...)
}

// Validatesf creates a Validates error with the default code.
func Validatesf(format string, args ...any) *Error {
	return New(KindValidates, CodeValidate, format, args...)
}

// Internal wraps a lower-level failure as KindAny and captures the stack
// at the raising site. The stack is logged at the outermost HTTP
// conversion but never serialized into a response body.
func Internal(err error, format string, args ...any) *Error {
	return &Error{
		Kind:    KindAny,
		Code:    CodeInternal,
		Message: fmt.Sprintf(format, args...),
		cause:   err,
		stack:   debug.Stack(),
	}
}

// Convert returns err as a *Error. Typed errors pass through unchanged so
// that middle layers never downgrade them; anything else becomes an
// Internal error with the stack captured here.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Kind:    KindAny,
		Code:    CodeInternal,
		Message: err.Error(),
		cause:   err,
		stack:   debug.Stack(),
	}
}

// KindOf extracts the kind from an error chain; unknown errors are Any.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindAny
}

// CodeOf extracts the dotted code from an error chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf extracts the user-facing message from an error chain. For
// Any-kind errors the original cause text is withheld from responses.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindAny {
			return "internal error"
		}
		return e.Message
	}
	return "internal error"
}

// StatusFromCode parses "Cim.<http>.<internal>" and returns the embedded
// HTTP status. Malformed codes map to 500.
func StatusFromCode(code string) int {
	parts := strings.SplitN(code, ".", 3)
	if len(parts) != 3 {
		return http.StatusInternalServerError
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil || status < 100 || status > 599 {
		return http.StatusInternalServerError
	}
	return status
}

// IsNotFound reports whether the chain contains a NotFound error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsForbidden reports whether the chain contains a Forbidden error.
func IsForbidden(err error) bool { return KindOf(err) == KindForbidden }

// IsBadRequest reports whether the chain contains a BadRequest error.
func IsBadRequest(err error) bool { return KindOf(err) == KindBadRequest }

// IsUnauthorized reports whether the chain contains an Unauthorized error.
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }
