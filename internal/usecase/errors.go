package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorValidation   ErrorCode = "VALIDATION_ERROR"
	ErrorTransfer     ErrorCode = "TRANSFER_ERROR"
	ErrorBuild        ErrorCode = "BUILD_ERROR"
	ErrorRuntime      ErrorCode = "RUNTIME_ERROR"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorConcurrency  ErrorCode = "CONCURRENCY_ERROR"
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error

	// DeploymentID is the credential fingerprint the failure concerns, when
	// known. It is safe to log.
	DeploymentID string
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

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func (e *Error) forDeployment(id string) *Error {
	e.DeploymentID = id
	return e
}

// CodeOf returns the ErrorCode carried by err, or ErrorInternal when err is
// not a *Error.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}
