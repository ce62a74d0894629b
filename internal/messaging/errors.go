package messaging

import (
	"errors"
	"fmt"
)

// ErrorCode represents a messaging error code.
type ErrorCode string

const (
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	ErrCodePublishFailed    ErrorCode = "PUBLISH_FAILED"
	ErrCodePublishTimeout   ErrorCode = "PUBLISH_TIMEOUT"
	ErrCodeSubscribeFailed  ErrorCode = "SUBSCRIBE_FAILED"
	ErrCodeHandlerError     ErrorCode = "HANDLER_ERROR"
	ErrCodeMessageInvalid   ErrorCode = "MESSAGE_INVALID"
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeUnknown          ErrorCode = "UNKNOWN_ERROR"
)

// Common sentinel errors for easy comparison.
var (
	ErrNotConnected    = errors.New("not connected to broker")
	ErrPublishFailed   = errors.New("publish failed")
	ErrSubscribeFailed = errors.New("subscribe failed")
	ErrMessageInvalid  = errors.New("invalid message")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// BrokerError represents a messaging broker error with detailed information.
type BrokerError struct {
	// Code is the error code.
	Code ErrorCode `json:"code"`
	// Message is the human-readable error message.
	Message string `json:"message"`
	// Cause is the underlying error.
	Cause error `json:"-"`
	// BrokerType is the type of broker that produced the error.
	BrokerType BrokerType `json:"broker_type,omitempty"`
	// Topic is the topic involved (if applicable).
	Topic string `json:"topic,omitempty"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
}

// NewBrokerError creates a broker error.
func NewBrokerError(code ErrorCode, message string, cause error) *BrokerError {
	return &BrokerError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: code == ErrCodeConnectionFailed || code == ErrCodePublishFailed || code == ErrCodePublishTimeout,
	}
}

// WithTopic attaches the topic involved.
func (e *BrokerError) WithTopic(topic string) *BrokerError {
	e.Topic = topic
	return e
}

// WithBrokerType attaches the broker type.
func (e *BrokerError) WithBrokerType(bt BrokerType) *BrokerError {
	e.BrokerType = bt
	return e
}

func (e *BrokerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Cause
}
