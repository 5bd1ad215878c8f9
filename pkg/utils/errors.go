package utils

import (
	"errors"
	"fmt"
	"time"
)

// Error categories
const (
	CategoryUnknown    = "unknown"
	CategoryValidation = "validation"
	CategoryCrypto     = "cryptography"
	CategoryNetwork    = "network"
	CategoryTimeout    = "timeout"
	CategoryRateLimit  = "rate_limit"
	CategoryQuorum     = "quorum"
	CategoryTopology   = "topology"
	CategoryRouting    = "routing"
	CategoryInternal   = "internal"
)

// Base error codes
const (
	CodeUnknown           = "UNKNOWN"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeReplayDetected    = "REPLAY_DETECTED"
	CodeEpochRegression   = "EPOCH_REGRESSION"
	CodeSenderQuarantined = "SENDER_QUARANTINED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeQuorumNotMet      = "QUORUM_NOT_MET"
	CodeQuorumExpired     = "QUORUM_EXPIRED"
	CodeTimeout           = "TIMEOUT"
	CodeNodeUnreachable   = "NODE_UNREACHABLE"
	CodeNoPath            = "NO_PATH_AVAILABLE"
	CodeVersionConflict   = "VERSION_CONFLICT"
	CodeNotFound          = "NOT_FOUND"
	CodeInternal          = "INTERNAL_ERROR"
)

// ErrorCode is a machine-readable error identifier.
type ErrorCode string

// ErrorCategory groups related errors.
type ErrorCategory string

// Error provides structured error information.
type Error struct {
	Code       ErrorCode
	Category   ErrorCategory
	Message    string
	Details    map[string]interface{}
	Underlying error
	Retryable  bool
	Temporary  bool
	Timestamp  time.Time
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is compares errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a detail field to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsRetryable returns whether the error should be retried.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  getCategory(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorf creates a new structured error with formatting.
func NewErrorf(code ErrorCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError wraps an existing error with structured information.
func WrapError(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return &Error{
			Code:       code,
			Category:   getCategory(code),
			Message:    message,
			Underlying: e,
			Retryable:  e.Retryable,
			Temporary:  e.Temporary,
			Timestamp:  time.Now(),
		}
	}
	return &Error{
		Code:       code,
		Category:   getCategory(code),
		Message:    message,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// WrapErrorf wraps an existing error with a formatted message.
func WrapErrorf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	return WrapError(err, code, fmt.Sprintf(format, args...))
}

// NewTimeoutError creates a retryable timeout error.
func NewTimeoutError(message string) *Error {
	err := NewError(CodeTimeout, message)
	err.Retryable = true
	err.Temporary = true
	return err
}

// NewRateLimitError creates a retryable rate-limit error.
func NewRateLimitError(message string) *Error {
	err := NewError(CodeRateLimited, message)
	err.Retryable = true
	err.Temporary = true
	return err
}

// IsRetryable reports whether an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	if te, ok := err.(interface{ Temporary() bool }); ok {
		return te.Temporary()
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

func getCategory(code ErrorCode) ErrorCategory {
	switch code {
	case CodeInvalidInput, CodeVersionConflict:
		return CategoryValidation
	case CodeInvalidSignature, CodeReplayDetected, CodeEpochRegression, CodeSenderQuarantined:
		return CategoryCrypto
	case CodeRateLimited:
		return CategoryRateLimit
	case CodeQuorumNotMet, CodeQuorumExpired:
		return CategoryQuorum
	case CodeTimeout:
		return CategoryTimeout
	case CodeNodeUnreachable:
		return CategoryNetwork
	case CodeNoPath:
		return CategoryRouting
	case CodeInternal:
		return CategoryInternal
	default:
		return CategoryUnknown
	}
}

// Sentinel errors shared across packages.
var (
	ErrTimeout          = NewTimeoutError("operation timed out")
	ErrInvalidSignature = NewError(CodeInvalidSignature, "invalid signature")
	ErrReplay           = NewError(CodeReplayDetected, "replay detected")
	ErrQuorumNotMet     = NewError(CodeQuorumNotMet, "quorum not met")
	ErrNoPath           = NewError(CodeNoPath, "no path available")
	ErrNotFound         = NewError(CodeNotFound, "not found")
)

// Wrap annotates err with msg.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf annotates err with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
