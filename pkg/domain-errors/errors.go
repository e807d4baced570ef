// Package domainerrors defines the error taxonomy shared by services and transports.
//
// Services return *Error values carrying a Code; transports translate codes into
// status codes without inspecting messages. Stores never return these directly,
// they return pkg/platform/sentinel errors that services translate.
package domainerrors

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	CodeInvalidFormat      Code = "invalid_format"
	CodeAlreadyTaken       Code = "already_taken"
	CodeUnauthorized       Code = "unauthorized"
	CodeConflict           Code = "conflict"
	CodeNotFound           Code = "not_found"
	CodeInvalidSubject     Code = "invalid_subject"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeTimeout            Code = "timeout"
	CodeRateLimited        Code = "rate_limited"
	CodeBadRequest         Code = "bad_request"
	CodeInvariantViolation Code = "invariant_violation"
	CodeInternal           Code = "internal_error"
)

// Error is a coded domain error. Message is safe to show to callers for
// caller-fault codes; the wrapped Err never leaves the process.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error without a cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to err. Returns nil when err is nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// Transient wraps an infrastructure failure. Context expiry becomes CodeTimeout,
// everything else CodeStorageUnavailable. Both are safe for the caller to retry.
func Transient(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(err, CodeTimeout, message)
	}
	return Wrap(err, CodeStorageUnavailable, message)
}

// CodeOf returns the code of the outermost *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}

// HasCode reports whether the outermost *Error in err's chain carries code.
func HasCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// Is is shorthand for HasCode.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// IsDomain reports whether err carries any domain code.
func IsDomain(err error) bool {
	_, ok := CodeOf(err)
	return ok
}
