package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a standardized error classification.
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeForbidden       Code = "FORBIDDEN"
	CodeUnimplemented   Code = "UNIMPLEMENTED"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeInternal        Code = "INTERNAL"
)

// AppError is the standard error type for the system.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches AppErrors by code and message, so package-level sentinels
// constructed with the helpers below work with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New creates an AppError with an explicit code.
func New(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap annotates an error without reclassifying it. If err is already an
// AppError its code is preserved; otherwise the result is INTERNAL.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var app *AppError
	if errors.As(err, &app) {
		return &AppError{Code: app.Code, Message: message, Err: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

func NotFound(message string, err error) *AppError {
	return New(CodeNotFound, message, err)
}

func InvalidArgument(message string, err error) *AppError {
	return New(CodeInvalidArgument, message, err)
}

func Conflict(message string, err error) *AppError {
	return New(CodeConflict, message, err)
}

func Forbidden(message string, err error) *AppError {
	return New(CodeForbidden, message, err)
}

func Unimplemented(message string, err error) *AppError {
	return New(CodeUnimplemented, message, err)
}

func Unavailable(message string, err error) *AppError {
	return New(CodeUnavailable, message, err)
}

func Internal(message string, err error) *AppError {
	return New(CodeInternal, message, err)
}

// CodeOf extracts the code from an error chain, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnimplemented:
		return http.StatusNotImplemented
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
