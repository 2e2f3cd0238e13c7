// Package errs defines the error taxonomy shared by the cache store, the
// lenses and the dispatcher. Every error that reaches a caller carries a
// stable machine-readable code.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Code is the stable machine-readable error code sent to callers.
type Code string

const (
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeMethodNotFound    Code = "METHOD_NOT_FOUND"
	CodeInvalidParams     Code = "INVALID_PARAMS"
	CodeDBFirstPolicy     Code = "DB_FIRST_POLICY"
	CodeFetch             Code = "FETCH_ERROR"
	CodeStorage           Code = "STORAGE_ERROR"
	CodeRefreshInProgress Code = "REFRESH_IN_PROGRESS"
	CodeCanceled          Code = "CANCELED"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error is a classified error.
type Error struct {
	Code      Code
	Message   string
	Details   any
	Retryable bool

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by code, so errors.Is(err, ErrRefreshInProgress)
// works for any refresh-in-progress error regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Message == ""
}

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrInvalidParams     = &Error{Code: CodeInvalidParams}
	ErrDBFirstPolicy     = &Error{Code: CodeDBFirstPolicy}
	ErrFetch             = &Error{Code: CodeFetch}
	ErrStorage           = &Error{Code: CodeStorage}
	ErrRefreshInProgress = &Error{Code: CodeRefreshInProgress}
	ErrInternal          = &Error{Code: CodeInternal}
)

func InvalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q is not registered", method)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func Policy(msg string) *Error {
	return &Error{Code: CodeDBFirstPolicy, Message: msg}
}

// FetchDetails is attached to FETCH_ERROR errors.
type FetchDetails struct {
	Source     string `json:"source"`
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retry_after_secs,omitempty"`
}

// Fetch wraps a remote failure. A deadline error is reported with reason
// "timeout".
func Fetch(source string, err error) *Error {
	reason := "remote"
	retryAfter := 0
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
		retryAfter = 30
	}
	return &Error{
		Code:      CodeFetch,
		Message:   fmt.Sprintf("failed to fetch %s", source),
		Details:   FetchDetails{Source: source, Reason: reason, RetryAfter: retryAfter},
		Retryable: true,
		cause:     err,
	}
}

func Storage(op string, err error) *Error {
	return &Error{Code: CodeStorage, Message: op, cause: err}
}

func RefreshInProgress(dataset string) *Error {
	return &Error{
		Code:      CodeRefreshInProgress,
		Message:   fmt.Sprintf("refresh of %s is already in progress", dataset),
		Details:   map[string]string{"dataset": dataset},
		Retryable: true,
	}
}

// Internal hides err behind a generic message. The cause stays reachable
// through Unwrap for logging.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// From classifies an arbitrary error. Unclassified errors become
// INTERNAL_ERROR, context cancellation becomes CANCELED.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Code: CodeCanceled, Message: "operation canceled", cause: err}
	}
	return Internal(err)
}

// CodeOf returns the code of err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}
