// Package errors defines the error vocabulary shared by the gateway's
// services and its HTTP layer. Services return *AppError values; the
// HTTP layer maps them onto responses without parsing error strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an AppError. Codes ride in HTTP error bodies, so
// renaming one is a breaking API change.
type Code string

const (
	ErrCodeNotFound           Code = "NOT_FOUND"
	ErrCodeBadRequest         Code = "BAD_REQUEST"
	ErrCodeUnauthorized       Code = "UNAUTHORIZED"
	ErrCodeForbidden          Code = "FORBIDDEN"
	ErrCodeInternalError      Code = "INTERNAL_ERROR"
	ErrCodeConflict           Code = "CONFLICT"
	ErrCodeValidationError    Code = "VALIDATION_ERROR"
	ErrCodeLimitExceeded      Code = "LIMIT_EXCEEDED"
	ErrCodeTimeout            Code = "TIMEOUT"
	ErrCodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// AppError pairs a classification code with a client-safe message and
// the HTTP status it maps to. Err holds the underlying cause for logs
// and never reaches clients.
type AppError struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *AppError) Unwrap() error { return e.Err }

func newError(code Code, status int, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// NotFound reports a missing resource by kind and id.
func NotFound(resource, id string) *AppError {
	return newError(ErrCodeNotFound, http.StatusNotFound,
		fmt.Sprintf("%s with id '%s' not found", resource, id))
}

// BadRequest reports a malformed or unprocessable request.
func BadRequest(message string) *AppError {
	return newError(ErrCodeBadRequest, http.StatusBadRequest, message)
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(message string) *AppError {
	return newError(ErrCodeUnauthorized, http.StatusUnauthorized, message)
}

// Forbidden reports a request the caller is not allowed to make.
func Forbidden(message string) *AppError {
	return newError(ErrCodeForbidden, http.StatusForbidden, message)
}

// InternalError wraps an unexpected failure. The cause stays
// server-side; only message is client-visible.
func InternalError(message string, err error) *AppError {
	e := newError(ErrCodeInternalError, http.StatusInternalServerError, message)
	e.Err = err
	return e
}

// Conflict reports a request that clashes with current state, such as
// a duplicate name or an operation invalid for the resource's status.
func Conflict(message string) *AppError {
	return newError(ErrCodeConflict, http.StatusConflict, message)
}

// ValidationError reports a single invalid field.
func ValidationError(field, message string) *AppError {
	return newError(ErrCodeValidationError, http.StatusBadRequest,
		fmt.Sprintf("validation failed for field '%s': %s", field, message))
}

// LimitExceeded reports a refused request that would overshoot a
// configured bound. The request was understood, so this is a client
// error, not a server one.
func LimitExceeded(message string) *AppError {
	return newError(ErrCodeLimitExceeded, http.StatusBadRequest, message)
}

// Timeout reports an operation that ran out of its deadline.
func Timeout(message string) *AppError {
	return newError(ErrCodeTimeout, http.StatusRequestTimeout, message)
}

// ServiceUnavailable reports an unreachable dependency.
func ServiceUnavailable(service string) *AppError {
	return newError(ErrCodeServiceUnavailable, http.StatusServiceUnavailable,
		fmt.Sprintf("service '%s' is currently unavailable", service))
}

// codeOf extracts the classification from anywhere in the chain.
func codeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsNotFound reports whether err is classified NOT_FOUND.
func IsNotFound(err error) bool { return codeOf(err) == ErrCodeNotFound }

// IsBadRequest reports whether err is a client-input problem: a bad
// request or a field validation failure.
func IsBadRequest(err error) bool {
	c := codeOf(err)
	return c == ErrCodeBadRequest || c == ErrCodeValidationError
}

// IsLimitExceeded reports whether err is classified LIMIT_EXCEEDED.
func IsLimitExceeded(err error) bool { return codeOf(err) == ErrCodeLimitExceeded }

// IsTimeout reports whether err is classified TIMEOUT.
func IsTimeout(err error) bool { return codeOf(err) == ErrCodeTimeout }

// IsConflict reports whether err is classified CONFLICT.
func IsConflict(err error) bool { return codeOf(err) == ErrCodeConflict }

// IsUnavailable reports whether err is classified SERVICE_UNAVAILABLE.
func IsUnavailable(err error) bool { return codeOf(err) == ErrCodeServiceUnavailable }

// GetHTTPStatus maps any error onto a response status, defaulting to
// 500 for errors that carry no classification.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
