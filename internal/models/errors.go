package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies pipeline failures for retry decisions and API
// responses.
type ErrorCode string

const (
	ErrCodeValidation   ErrorCode = "validation"
	ErrCodeNotFound     ErrorCode = "not_found"
	ErrCodeForbidden    ErrorCode = "forbidden"
	ErrCodeRateLimited  ErrorCode = "rate_limited"
	ErrCodeTransient    ErrorCode = "transient"
	ErrCodeSizeExceeded ErrorCode = "size_exceeded"
	ErrCodeCancelled    ErrorCode = "cancelled"
	ErrCodeInternal     ErrorCode = "internal"
)

// Retryable reports whether operations failing with this code may be
// retried. Only rate-limited and transient failures are worth another
// attempt; everything else is terminal.
func (c ErrorCode) Retryable() bool {
	return c == ErrCodeRateLimited || c == ErrCodeTransient
}

// PipelineError is the typed error carried through every stage. It
// records which stage and source produced it so job failure rows and
// telemetry can report the exact failure point.
type PipelineError struct {
	Code    ErrorCode
	Stage   string
	Source  string
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	switch {
	case e.Stage != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %s: %v", e.Code, e.Stage, e.Message, e.Err)
	case e.Stage != "":
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Stage, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError builds a typed error without a wrapped cause.
func NewPipelineError(code ErrorCode, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// WrapPipelineError builds a typed error around an underlying cause.
func WrapPipelineError(code ErrorCode, message string, err error) *PipelineError {
	return &PipelineError{Code: code, Message: message, Err: err}
}

// WithStage annotates the error with the stage it escaped from.
func (e *PipelineError) WithStage(stage string) *PipelineError {
	e.Stage = stage
	return e
}

// WithSource annotates the error with the adapter that produced it.
func (e *PipelineError) WithSource(source string) *PipelineError {
	e.Source = source
	return e
}

// ValidationError is a convenience constructor for terminal input errors.
func ValidationError(format string, args ...interface{}) *PipelineError {
	return NewPipelineError(ErrCodeValidation, fmt.Sprintf(format, args...))
}

// TransientError is a convenience constructor for retryable failures.
func TransientError(message string, err error) *PipelineError {
	return WrapPipelineError(ErrCodeTransient, message, err)
}

// CodeOf extracts the error code from an error chain, defaulting to
// internal for unclassified errors and cancelled for context errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeCancelled
	}
	return ErrCodeInternal
}

// IsRetryable reports whether the error chain allows another attempt.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}
