package usecase

import (
	"context"
	"errors"
	"fmt"

	"metered-assistant/internal/domain"
	"metered-assistant/internal/integrations/openai"
)

type ErrorCode string

const (
	ErrorInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrorNotFound            ErrorCode = "NOT_FOUND"
	ErrorInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	ErrorConflict            ErrorCode = "CONFLICT"
	ErrorExternalService     ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrorTimeout             ErrorCode = "TIMEOUT"
	ErrorCanceled            ErrorCode = "CANCELED"
	ErrorInternal            ErrorCode = "INTERNAL_ERROR"
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

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code carried by err, or ErrorInternal.
func CodeOf(err error) ErrorCode {
	var ucErr *Error
	if errors.As(err, &ucErr) {
		return ucErr.Code
	}
	return ErrorInternal
}

// jobError classifies a failed engine run.
func jobError(err error) *Error {
	var (
		timeout   *openai.PollTimeoutError
		external  *openai.ExternalServiceError
		runStatus *openai.RunStatusError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return newError(ErrorCanceled, "request_canceled", err)
	case errors.As(err, &timeout):
		return newError(ErrorTimeout, "run_poll_timeout", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTimeout, "request_deadline_exceeded", err)
	case errors.As(err, &external):
		return newError(ErrorExternalService, fmt.Sprintf("openai_http_%d", external.StatusCode), err)
	case errors.As(err, &runStatus):
		return newError(ErrorExternalService, "run_"+string(runStatus.Status), err)
	case errors.Is(err, openai.ErrMalformedResponse):
		return newError(ErrorExternalService, "openai_malformed_response", err)
	default:
		return newError(ErrorExternalService, "openai_error", err)
	}
}

// storeError maps a store failure to a use-case error.
func storeError(reason string, err error) *Error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newError(ErrorNotFound, reason, err)
	case errors.Is(err, domain.ErrInsufficientCredits):
		return newError(ErrorInsufficientCredits, reason, err)
	case errors.Is(err, domain.ErrLeaseHeld):
		return newError(ErrorConflict, reason, err)
	case errors.Is(err, context.Canceled):
		return newError(ErrorCanceled, reason, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTimeout, reason, err)
	default:
		return newError(ErrorInternal, reason, err)
	}
}
