// Package errors defines the application error model shared by all layers.
// Errors carry a machine-readable code so transports and metrics can react
// to the category without parsing messages.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes an application error.
type ErrorCode string

const (
	ErrCodeNotFound   ErrorCode = "not_found"
	ErrCodeConflict   ErrorCode = "conflict"
	ErrCodeValidation ErrorCode = "validation"
	ErrCodeState      ErrorCode = "state"
	ErrCodeInternal   ErrorCode = "internal"
	ErrCodeTimeout    ErrorCode = "timeout"
	ErrCodeCanceled   ErrorCode = "canceled"
)

// AppError is a categorized error with an optional cause and, for
// validation and conflict errors, the offending field. It participates in
// errors.Is / errors.As chains through Unwrap.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Field   string
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with the given code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(message string) *AppError { return New(ErrCodeNotFound, message) }

func Conflict(message string) *AppError { return New(ErrCodeConflict, message) }

func Validation(message string) *AppError { return New(ErrCodeValidation, message) }

func State(message string) *AppError { return New(ErrCodeState, message) }

func Internal(message string) *AppError { return New(ErrCodeInternal, message) }

func NotFoundf(format string, args ...any) *AppError {
	return Newf(ErrCodeNotFound, format, args...)
}

func Conflictf(format string, args ...any) *AppError {
	return Newf(ErrCodeConflict, format, args...)
}

func Validationf(format string, args ...any) *AppError {
	return Newf(ErrCodeValidation, format, args...)
}

func Statef(format string, args ...any) *AppError {
	return Newf(ErrCodeState, format, args...)
}

func Internalf(format string, args ...any) *AppError {
	return Newf(ErrCodeInternal, format, args...)
}

// Wrap attaches a code and message to an existing error, preserving it as
// the cause. Returns nil when err is nil so call sites can wrap
// unconditionally.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func IsNotFound(err error) bool { return isCode(err, ErrCodeNotFound) }

func IsConflict(err error) bool { return isCode(err, ErrCodeConflict) }

func IsValidation(err error) bool { return isCode(err, ErrCodeValidation) }

func IsState(err error) bool { return isCode(err, ErrCodeState) }

func IsInternal(err error) bool { return isCode(err, ErrCodeInternal) }

func IsTimeout(err error) bool { return isCode(err, ErrCodeTimeout) }

func IsCanceled(err error) bool { return isCode(err, ErrCodeCanceled) }

// GetCode returns the error's code, or "" when err is not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the field associated with the error, if any.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
