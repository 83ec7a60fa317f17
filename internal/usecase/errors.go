package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	// ErrorInvalidInput marks a malformed or incomplete request. It is raised
	// before any provider call is made.
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrorUpstream marks a provider failure: rejected credential, provider
	// error or transport failure while opening or consuming the stream.
	ErrorUpstream ErrorCode = "UPSTREAM_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Detail is the human-readable message surfaced to API callers.
func (e *Error) Detail() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Reason
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// IsValidation reports whether err is an ErrorInvalidInput.
func IsValidation(err error) bool {
	var ucErr *Error
	return errors.As(err, &ucErr) && ucErr.Code == ErrorInvalidInput
}
