package pool

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory represents different categories of pool errors.
type ErrorCategory string

const (
	ErrorCategoryConfiguration     ErrorCategory = "configuration"
	ErrorCategoryState             ErrorCategory = "state"
	ErrorCategoryCreation          ErrorCategory = "creation"
	ErrorCategoryExhausted         ErrorCategory = "exhausted"
	ErrorCategoryTimeout           ErrorCategory = "timeout"
	ErrorCategoryInvalidConnection ErrorCategory = "invalid_connection"
	ErrorCategoryClosed            ErrorCategory = "closed"
	ErrorCategoryUnknown           ErrorCategory = "unknown"
)

var (
	ErrConfigImmutable    = errors.New("pool configuration is immutable")
	ErrAlreadyInitialized = errors.New("pool is already initialized")
	ErrNotInitialized     = errors.New("pool is not initialized")
	ErrPoolClosed         = errors.New("pool is closed")
	ErrPoolExhausted      = errors.New("pool is exhausted")
	ErrBlockingTimeout    = errors.New("timed out waiting for a connection")
	ErrInvalidConnection  = errors.New("invalid connection")
	ErrCreationFailed     = errors.New("connection creation failed")
)

// PoolError describes a failed pool operation.
type PoolError struct {
	Operation string        // The pool operation that failed
	Category  ErrorCategory // Error category
	Message   string        // Human-readable message
	Cause     error         // Underlying error
}

func (e *PoolError) Error() string {
	parts := []string{fmt.Sprintf("pool %s failed", e.Operation)}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *PoolError) Unwrap() error {
	return e.Cause
}

// Is lets creation errors match ErrCreationFailed while still unwrapping to
// the factory error that caused them.
func (e *PoolError) Is(target error) bool {
	return target == ErrCreationFailed && e.Category == ErrorCategoryCreation
}

// IsRetryable reports whether retrying the operation later may succeed.
// Creation errors defer to the factory error when it can tell.
func (e *PoolError) IsRetryable() bool {
	switch e.Category {
	case ErrorCategoryCreation:
		var r interface{ IsRetryable() bool }
		if errors.As(e.Cause, &r) {
			return r.IsRetryable()
		}
		return true
	case ErrorCategoryTimeout, ErrorCategoryExhausted:
		return true
	default:
		return false
	}
}

func newPoolError(operation string, category ErrorCategory, message string, cause error) *PoolError {
	return &PoolError{
		Operation: operation,
		Category:  category,
		Message:   message,
		Cause:     cause,
	}
}

func closedError(operation string) *PoolError {
	return newPoolError(operation, ErrorCategoryClosed, "", ErrPoolClosed)
}

func notInitializedError(operation string) *PoolError {
	return newPoolError(operation, ErrorCategoryState, "", ErrNotInitialized)
}

func invalidConnectionError(message string) *PoolError {
	return newPoolError("check_in", ErrorCategoryInvalidConnection, message, ErrInvalidConnection)
}

func creationError(operation string, cause error) *PoolError {
	return newPoolError(operation, ErrorCategoryCreation, "failed to create connection", cause)
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	var poolErr *PoolError
	if errors.As(err, &poolErr) {
		return poolErr.Category
	}

	return ErrorCategoryUnknown
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var poolErr *PoolError
	if errors.As(err, &poolErr) {
		return poolErr.IsRetryable()
	}

	return false
}

// IsConfigurationError checks if an error was caused by configuration or
// lifecycle misuse.
func IsConfigurationError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryConfiguration
}

// IsCreationError checks if an error was caused by the connection factory.
func IsCreationError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryCreation
}

// IsTimeoutError checks if an error indicates a blocking check-out timed out.
func IsTimeoutError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryTimeout
}

// IsInvalidConnectionError checks if an error indicates a connection was
// returned to the wrong pool or returned twice.
func IsInvalidConnectionError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryInvalidConnection
}
