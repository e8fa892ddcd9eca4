package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for replication operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeClockGap        ErrorCode = 1002
	ErrCodeVersionConflict ErrorCode = 1003

	// Server errors (5xx equivalent)
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeNodeUnavailable     ErrorCode = 2001
	ErrCodeRegistryUnavailable ErrorCode = 2002
	ErrCodeQueueFull           ErrorCode = 2003
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                  "OK",
	ErrCodeInvalidArgument:     "INVALID_ARGUMENT",
	ErrCodeNotFound:            "NOT_FOUND",
	ErrCodeClockGap:            "CLOCK_GAP",
	ErrCodeVersionConflict:     "VERSION_CONFLICT",
	ErrCodeInternal:            "INTERNAL_ERROR",
	ErrCodeNodeUnavailable:     "NODE_UNAVAILABLE",
	ErrCodeRegistryUnavailable: "REGISTRY_UNAVAILABLE",
	ErrCodeQueueFull:           "QUEUE_FULL",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// ReplicationError represents a structured error with code and context
type ReplicationError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ReplicationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ReplicationError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps internal error codes to HTTP status codes
func (e *ReplicationError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeClockGap, ErrCodeVersionConflict:
		return http.StatusConflict
	case ErrCodeNodeUnavailable, ErrCodeRegistryUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeQueueFull:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new ReplicationError
func New(code ErrorCode, message string, cause error) *ReplicationError {
	return &ReplicationError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ReplicationError) WithDetail(key string, value interface{}) *ReplicationError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *ReplicationError {
	return New(ErrCodeInvalidArgument, message, cause)
}

func NotFound(what, id string) *ReplicationError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", what, id), nil).
		WithDetail("id", id)
}

func ClockGap(userID string, current, requested int64) *ReplicationError {
	return New(ErrCodeClockGap, fmt.Sprintf("clock gap for user %s: current %d, requested %d", userID, current, requested), nil).
		WithDetail("user_id", userID).
		WithDetail("current", current).
		WithDetail("requested", requested)
}

func VersionConflict(userID string, expected, actual int64) *ReplicationError {
	return New(ErrCodeVersionConflict, fmt.Sprintf("replica set version conflict for user %s: expected %d, found %d", userID, expected, actual), nil).
		WithDetail("user_id", userID).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func NodeUnavailable(endpoint string, cause error) *ReplicationError {
	return New(ErrCodeNodeUnavailable, fmt.Sprintf("node unavailable: %s", endpoint), cause).
		WithDetail("endpoint", endpoint)
}

func RegistryUnavailable(message string, cause error) *ReplicationError {
	return New(ErrCodeRegistryUnavailable, message, cause)
}

func QueueFull(queue string) *ReplicationError {
	return New(ErrCodeQueueFull, fmt.Sprintf("queue %s is full", queue), nil).
		WithDetail("queue", queue)
}

func Internal(message string, cause error) *ReplicationError {
	return New(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

// Is reports whether any error in err's chain carries code
func Is(err error, code ErrorCode) bool {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}
