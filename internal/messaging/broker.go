// Package messaging provides the broker abstraction used to move operation
// batches between replicas that are not collocated. The engine itself only
// requires the Peer contract; brokers are one way to satisfy it.
package messaging

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BrokerType identifies a broker implementation.
type BrokerType string

const (
	BrokerTypeInMemory BrokerType = "inmemory"
	BrokerTypeKafka    BrokerType = "kafka"
)

// String returns the broker type name.
func (bt BrokerType) String() string {
	return string(bt)
}

// IsValid reports whether the broker type is known.
func (bt BrokerType) IsValid() bool {
	switch bt {
	case BrokerTypeInMemory, BrokerTypeKafka:
		return true
	}
	return false
}

// Message is the transport envelope for a serialized payload.
type Message struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(msgType string, payload []byte) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Headers:   make(map[string]string),
		Timestamp: time.Now().UTC(),
	}
}

// SetHeader sets a header value.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader returns a header value.
func (m *Message) GetHeader(key string) (string, bool) {
	value, ok := m.Headers[key]
	return value, ok
}

// MessageHandler processes one delivered message. Returning an error counts
// against handler metrics but never stops the subscription.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is a live topic subscription.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// MessageBroker publishes and subscribes messages on named topics.
type MessageBroker interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	IsConnected() bool
	Publish(ctx context.Context, topic string, msg *Message) error
	PublishBatch(ctx context.Context, topic string, msgs []*Message) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	HealthCheck(ctx context.Context) error
	BrokerType() BrokerType
	Metrics() *BrokerMetrics
}

// BrokerMetrics counts broker activity. All counters are safe for
// concurrent use.
type BrokerMetrics struct {
	published          atomic.Int64
	publishFailures    atomic.Int64
	delivered          atomic.Int64
	handlerErrors      atomic.Int64
	connectionAttempts atomic.Int64
	connectionFailures atomic.Int64
}

// NewBrokerMetrics creates zeroed broker metrics.
func NewBrokerMetrics() *BrokerMetrics {
	return &BrokerMetrics{}
}

func (m *BrokerMetrics) RecordPublish()           { m.published.Add(1) }
func (m *BrokerMetrics) RecordPublishFailure()    { m.publishFailures.Add(1) }
func (m *BrokerMetrics) RecordDelivery()          { m.delivered.Add(1) }
func (m *BrokerMetrics) RecordHandlerError()      { m.handlerErrors.Add(1) }
func (m *BrokerMetrics) RecordConnectionAttempt() { m.connectionAttempts.Add(1) }
func (m *BrokerMetrics) RecordConnectionFailure() { m.connectionFailures.Add(1) }

// Snapshot returns the current counter values.
func (m *BrokerMetrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"published":           m.published.Load(),
		"publish_failures":    m.publishFailures.Load(),
		"delivered":           m.delivered.Load(),
		"handler_errors":      m.handlerErrors.Load(),
		"connection_attempts": m.connectionAttempts.Load(),
		"connection_failures": m.connectionFailures.Load(),
	}
}
