// Package inmemory provides an in-process message broker for collocated
// replicas and tests. Dispatch is synchronous: a publish returns after every
// subscriber's handler has run, which makes in-process delivery
// instantaneous by construction.
package inmemory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"dev.helix.memsync/internal/messaging"
)

// Broker is an in-memory MessageBroker.
type Broker struct {
	mu        sync.RWMutex
	connected bool
	subs      map[string][]*subscription
	metrics   *messaging.BrokerMetrics
}

// NewBroker creates a disconnected in-memory broker.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[string][]*subscription),
		metrics: messaging.NewBrokerMetrics(),
	}
}

// Connect marks the broker available.
func (b *Broker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.RecordConnectionAttempt()
	b.connected = true
	return nil
}

// Close drops all subscriptions and marks the broker unavailable.
func (b *Broker) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.subs = make(map[string][]*subscription)
	return nil
}

// IsConnected reports availability.
func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Publish delivers the message to every subscriber of the topic. A failing
// handler is counted and skipped; it never blocks the remaining handlers or
// fails the publish.
func (b *Broker) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	if msg == nil {
		return messaging.NewBrokerError(messaging.ErrCodeMessageInvalid, "nil message", messaging.ErrMessageInvalid)
	}

	b.mu.RLock()
	if !b.connected {
		b.mu.RUnlock()
		b.metrics.RecordPublishFailure()
		return messaging.NewBrokerError(messaging.ErrCodeConnectionClosed, "broker not connected", messaging.ErrNotConnected).WithTopic(topic)
	}
	subs := make([]*subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	b.metrics.RecordPublish()
	for _, sub := range subs {
		if err := sub.handler(ctx, msg); err != nil {
			b.metrics.RecordHandlerError()
			continue
		}
		b.metrics.RecordDelivery()
	}
	return nil
}

// PublishBatch publishes messages in order.
func (b *Broker) PublishBatch(ctx context.Context, topic string, msgs []*messaging.Message) error {
	for _, msg := range msgs {
		if err := b.Publish(ctx, topic, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *Broker) Subscribe(_ context.Context, topic string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	if handler == nil {
		return nil, messaging.NewBrokerError(messaging.ErrCodeSubscribeFailed, "nil handler", messaging.ErrSubscribeFailed)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, messaging.NewBrokerError(messaging.ErrCodeConnectionClosed, "broker not connected", messaging.ErrNotConnected).WithTopic(topic)
	}

	sub := &subscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		broker:  b,
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

// HealthCheck reports whether the broker accepts traffic.
func (b *Broker) HealthCheck(_ context.Context) error {
	if !b.IsConnected() {
		return messaging.ErrNotConnected
	}
	return nil
}

// BrokerType identifies this implementation.
func (b *Broker) BrokerType() messaging.BrokerType {
	return messaging.BrokerTypeInMemory
}

// Metrics returns broker counters.
func (b *Broker) Metrics() *messaging.BrokerMetrics {
	return b.metrics
}

func (b *Broker) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.topic]
	for i, candidate := range subs {
		if candidate.id == sub.id {
			b.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

type subscription struct {
	id      string
	topic   string
	handler messaging.MessageHandler
	broker  *Broker
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Unsubscribe() error {
	s.broker.unsubscribe(s)
	return nil
}
