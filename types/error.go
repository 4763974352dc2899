package types

import "fmt"

// ErrorCode represents a unified error code across the request economics core.
type ErrorCode string

// Pipeline error codes
const (
	ErrCacheUnavailable    ErrorCode = "CACHE_UNAVAILABLE"
	ErrBudgetExceeded      ErrorCode = "BUDGET_EXCEEDED"
	ErrUpstreamFailure     ErrorCode = "UPSTREAM_FAILURE"
	ErrQueueFull           ErrorCode = "QUEUE_FULL"
	ErrBatchPartialFailure ErrorCode = "BATCH_PARTIAL_FAILURE"
	ErrDedupBroadcast      ErrorCode = "DEDUP_BROADCAST_FAILURE"
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrNoProvider          ErrorCode = "NO_PROVIDER"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and correlation
// metadata. Correlation fields carry identifiers only, never payload contents.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Namespace  string    `json:"namespace,omitempty"`
	Key        string    `json:"key,omitempty"`
	DecisionID string    `json:"decision_id,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithNamespace sets the cache namespace for correlation.
func (e *Error) WithNamespace(ns string) *Error {
	e.Namespace = ns
	return e
}

// WithKey sets the cache key for correlation.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithDecisionID sets the route decision id for correlation.
func (e *Error) WithDecisionID(id string) *Error {
	e.DecisionID = id
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
