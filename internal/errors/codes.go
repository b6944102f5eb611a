package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for coordination operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeDuplicateNode   ErrorCode = 1002
	ErrCodeUnknownNode     ErrorCode = 1003
	ErrCodeChecksumFailed  ErrorCode = 1004

	// Coordination errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeInsufficientNodes ErrorCode = 2002
	ErrCodeWriteTimeout      ErrorCode = 2003
	ErrCodeWriteFailure      ErrorCode = 2004
	ErrCodeConsistency       ErrorCode = 2005
	ErrCodeNodeUnhealthy     ErrorCode = 2006
	ErrCodeLeaderElection    ErrorCode = 2007
)

// CoreError represents a structured error with code and context
type CoreError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps internal error codes to HTTP status codes for the
// peer transport.
func (e *CoreError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateNode:
		return http.StatusConflict
	case ErrCodeUnknownNode:
		return http.StatusNotFound
	case ErrCodeChecksumFailed:
		return http.StatusUnprocessableEntity
	case ErrCodeConsistency:
		return http.StatusConflict
	case ErrCodeInsufficientNodes, ErrCodeWriteTimeout, ErrCodeWriteFailure,
		ErrCodeNodeUnhealthy, ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeLeaderElection:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewCoreError creates a new CoreError
func NewCoreError(code ErrorCode, message string, cause error) *CoreError {
	return &CoreError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *CoreError) WithDetail(key string, value interface{}) *CoreError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *CoreError {
	return NewCoreError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(dataID string) *CoreError {
	return NewCoreError(ErrCodeNotFound, fmt.Sprintf("data not found: %s", dataID), nil).
		WithDetail("data_id", dataID)
}

func DuplicateNode(nodeID string) *CoreError {
	return NewCoreError(ErrCodeDuplicateNode, fmt.Sprintf("node already registered: %s", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func UnknownNode(nodeID string) *CoreError {
	return NewCoreError(ErrCodeUnknownNode, fmt.Sprintf("unknown node: %s", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func ChecksumFailed(expected, actual string) *CoreError {
	return NewCoreError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %s, got %s", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InsufficientNodes(needed, available int) *CoreError {
	return NewCoreError(ErrCodeInsufficientNodes, fmt.Sprintf("not enough healthy nodes: need %d, have %d", needed, available), nil).
		WithDetail("needed", needed).
		WithDetail("available", available)
}

func WriteTimeout(dataID string, succeeded, required int) *CoreError {
	return NewCoreError(ErrCodeWriteTimeout, fmt.Sprintf("write timed out waiting for replicas: %d/%d", succeeded, required), nil).
		WithDetail("data_id", dataID).
		WithDetail("succeeded", succeeded).
		WithDetail("required", required)
}

func WriteFailure(dataID string, succeeded, required int) *CoreError {
	return NewCoreError(ErrCodeWriteFailure, fmt.Sprintf("consistency level not met: %d/%d replicas succeeded", succeeded, required), nil).
		WithDetail("data_id", dataID).
		WithDetail("succeeded", succeeded).
		WithDetail("required", required)
}

func Consistency(dataID, message string) *CoreError {
	return NewCoreError(ErrCodeConsistency, message, nil).
		WithDetail("data_id", dataID)
}

func NodeUnhealthy(nodeID, reason string) *CoreError {
	return NewCoreError(ErrCodeNodeUnhealthy, fmt.Sprintf("node %s refusing writes: %s", nodeID, reason), nil).
		WithDetail("node_id", nodeID).
		WithDetail("reason", reason)
}

func LeaderElection(holderID string) *CoreError {
	return NewCoreError(ErrCodeLeaderElection, fmt.Sprintf("lease held by %s", holderID), nil).
		WithDetail("holder_id", holderID)
}

func InternalError(message string, cause error) *CoreError {
	return NewCoreError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *CoreError {
	return NewCoreError(ErrCodeUnavailable, message, cause)
}

// IsCoreError checks if an error is a CoreError
func IsCoreError(err error) bool {
	var ce *CoreError
	return errors.As(err, &ce)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}
