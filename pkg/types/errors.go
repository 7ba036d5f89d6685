package types

import (
	"fmt"
	"time"
)

// ErrorCode classifies broker errors.
type ErrorCode string

const (
	// Declaration-time errors. These are synchronous and fatal to setup.
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeExchangeMismatch ErrorCode = "EXCHANGE_MISMATCH"
	ErrCodeExchangeNotFound ErrorCode = "EXCHANGE_NOT_FOUND"
	ErrCodeQueueNotFound    ErrorCode = "QUEUE_NOT_FOUND"
	ErrCodeQueueMismatch    ErrorCode = "QUEUE_MISMATCH"
	ErrCodeInvalidPattern   ErrorCode = "INVALID_PATTERN"

	// Runtime conditions. Handled internally, surfaced via logs and metrics.
	ErrCodeRoutingMiss    ErrorCode = "ROUTING_MISS"
	ErrCodeQueueFull      ErrorCode = "QUEUE_FULL"
	ErrCodeMessageExpired ErrorCode = "MESSAGE_EXPIRED"

	// Delivery-side errors.
	ErrCodeHandlerFailure       ErrorCode = "HANDLER_FAILURE"
	ErrCodeSerializationFailure ErrorCode = "SERIALIZATION_FAILURE"

	// Storage and lifecycle errors.
	ErrCodeStorageError  ErrorCode = "STORAGE_ERROR"
	ErrCodeQueueClosed   ErrorCode = "QUEUE_CLOSED"
	ErrCodeBrokerStopped ErrorCode = "BROKER_STOPPED"
)

// Error is the structured error used across the engine.
type Error struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates an Error wrapping an underlying cause.
func NewErrorWithCause(code ErrorCode, message string, cause error) *Error {
	err := NewError(code, message)
	err.Cause = cause
	return err
}

// WithDetail attaches a key/value detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two Errors by code, enabling errors.Is against sentinel values.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// IsConfiguration reports whether the error is a declaration-time failure.
func (e *Error) IsConfiguration() bool {
	switch e.Code {
	case ErrCodeInvalidConfig, ErrCodeExchangeMismatch, ErrCodeExchangeNotFound,
		ErrCodeQueueNotFound, ErrCodeQueueMismatch, ErrCodeInvalidPattern:
		return true
	default:
		return false
	}
}

// ErrExchangeNotFound creates an exchange-not-found error.
func ErrExchangeNotFound(name string) *Error {
	return NewError(ErrCodeExchangeNotFound, "exchange not declared").WithDetail("exchange", name)
}

// ErrQueueNotFound creates a queue-not-found error.
func ErrQueueNotFound(name string) *Error {
	return NewError(ErrCodeQueueNotFound, "queue not declared").WithDetail("queue", name)
}

// ErrStorage creates a storage error wrapping the cause.
func ErrStorage(operation string, cause error) *Error {
	return NewErrorWithCause(ErrCodeStorageError, fmt.Sprintf("storage operation failed: %s", operation), cause)
}
