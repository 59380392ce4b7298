// Package errors provides structured errors with machine-readable codes.
//
// Every error surfaced by the engine carries an ErrorCode so callers can
// distinguish validation problems from quota denials, conflicts, and
// transient cluster failures without string matching.
//
// Usage:
//
//	return errors.Wrap(errors.ErrCodeTimeout, "get deployment timed out", err)
//
//	if errors.IsCode(err, errors.ErrCodeQuotaExceeded) { ... }
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	ErrCodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists     ErrorCode = "ALREADY_EXISTS"
	ErrCodeMethodNotAllowed  ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeConflictExhausted ErrorCode = "CONFLICT_EXHAUSTED"
	ErrCodeTranslation       ErrorCode = "TRANSLATION_FAILED"
	ErrCodeUnavailable       ErrorCode = "UNAVAILABLE"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeInternal          ErrorCode = "INTERNAL"
)

// StructuredError is an error with a code, a human readable message, an
// optional cause and optional key/value context.
type StructuredError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a StructuredError without a cause.
func New(code ErrorCode, message string) *StructuredError {
	return &StructuredError{Code: code, Message: message}
}

// NewWithContext creates a StructuredError carrying context details.
func NewWithContext(code ErrorCode, message string, context map[string]interface{}) *StructuredError {
	return &StructuredError{Code: code, Message: message, Context: context}
}

// Wrap wraps cause with a code and message.
func Wrap(code ErrorCode, message string, cause error) *StructuredError {
	return &StructuredError{Code: code, Message: message, Cause: cause}
}

// WrapWithContext wraps cause with a code, message and context details.
func WrapWithContext(code ErrorCode, message string, cause error, context map[string]interface{}) *StructuredError {
	return &StructuredError{Code: code, Message: message, Cause: cause, Context: context}
}

// CodeOf returns the code of the first StructuredError in err's chain,
// or ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var se *StructuredError
		if !stderrors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable reports whether the failure is transient and the operation
// may succeed when attempted again.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeConflictExhausted, ErrCodeRateLimitExceeded, ErrCodeInternal:
		return true
	default:
		return false
	}
}
