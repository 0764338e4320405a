package models

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable class of a domain error.
type ErrorCode string

const (
	CodeValidation   ErrorCode = "validation_error"
	CodeNotFound     ErrorCode = "not_found"
	CodeConflict     ErrorCode = "conflict"
	CodeInvalidState ErrorCode = "invalid_state"
	CodeProvider     ErrorCode = "provider_error"
	CodeJudge        ErrorCode = "judge_error"
	CodeRevision     ErrorCode = "revision_error"
	CodeCancelled    ErrorCode = "cancelled"
)

// Error is the structured error returned across the library boundary.
// Transient is only meaningful for provider and judge errors: the retry
// layer retries transient failures and hands the engine the final one.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Field     string    `json:"field,omitempty"`
	Transient bool      `json:"transient,omitempty"`
	Cause     error     `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewValidationError(field, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewConflictError(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func NewInvalidStateError(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

// NewProviderError wraps an image provider failure.
func NewProviderError(transient bool, cause error) *Error {
	return &Error{Code: CodeProvider, Message: "image generation failed", Transient: transient, Cause: cause}
}

// NewJudgeError wraps a judge failure.
func NewJudgeError(transient bool, cause error) *Error {
	return &Error{Code: CodeJudge, Message: "judging failed", Transient: transient, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient reports whether err carries a transient provider or judge
// failure. Unclassified errors are permanent.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}

func IsValidation(err error) bool   { return CodeOf(err) == CodeValidation }
func IsNotFound(err error) bool     { return CodeOf(err) == CodeNotFound }
func IsConflict(err error) bool     { return CodeOf(err) == CodeConflict }
func IsInvalidState(err error) bool { return CodeOf(err) == CodeInvalidState }
