// Package kafka provides an Apache Kafka message broker implementation for
// operation delivery between replicas on different hosts.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"dev.helix.memsync/internal/messaging"
)

// Broker is a Kafka message broker implementation.
type Broker struct {
	config    *Config
	writer    *kafka.Writer
	dialer    *kafka.Dialer
	metrics   *messaging.BrokerMetrics
	connected bool
	mu        sync.RWMutex
	subs      map[string]*subscription
}

// NewBroker creates a new Kafka broker.
func NewBroker(config *Config) *Broker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Broker{
		config:  config,
		metrics: messaging.NewBrokerMetrics(),
		subs:    make(map[string]*subscription),
	}
}

// Connect validates the configuration, probes the first broker address, and
// prepares the shared writer.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}

	b.metrics.RecordConnectionAttempt()
	if err := b.config.Validate(); err != nil {
		b.metrics.RecordConnectionFailure()
		return messaging.NewBrokerError(messaging.ErrCodeInvalidConfig, "invalid kafka config", err)
	}

	dialer := &kafka.Dialer{
		Timeout:   b.config.DialTimeout,
		DualStack: true,
		ClientID:  b.config.ClientID,
	}
	conn, err := dialer.DialContext(ctx, "tcp", b.config.Brokers[0])
	if err != nil {
		b.metrics.RecordConnectionFailure()
		return messaging.NewBrokerError(messaging.ErrCodeConnectionFailed, "failed to connect to kafka", err).
			WithBrokerType(messaging.BrokerTypeKafka)
	}
	conn.Close() //nolint:errcheck

	b.dialer = dialer
	b.writer = &kafka.Writer{
		Addr:                   kafka.TCP(b.config.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              b.config.BatchSize,
		BatchTimeout:           b.config.BatchTimeout,
		ReadTimeout:            b.config.ReadTimeout,
		WriteTimeout:           b.config.WriteTimeout,
		RequiredAcks:           kafka.RequiredAcks(b.config.RequiredAcks),
		MaxAttempts:            b.config.MaxAttempts,
		AllowAutoTopicCreation: true,
	}
	b.connected = true
	return nil
}

// Close cancels subscriptions and closes the writer and readers.
func (b *Broker) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil
	}

	var errs []error
	for _, sub := range b.subs {
		errs = append(errs, sub.close())
	}
	b.subs = make(map[string]*subscription)

	if b.writer != nil {
		errs = append(errs, b.writer.Close())
	}
	b.connected = false
	return errors.Join(errs...)
}

// IsConnected reports whether Connect succeeded.
func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Publish writes one message to a topic. The message envelope is carried as
// JSON; the id keys the partition so one agent's operations stay ordered.
func (b *Broker) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	b.mu.RLock()
	writer := b.writer
	connected := b.connected
	b.mu.RUnlock()

	if !connected {
		b.metrics.RecordPublishFailure()
		return messaging.NewBrokerError(messaging.ErrCodeConnectionClosed, "broker not connected", messaging.ErrNotConnected).WithTopic(topic)
	}

	value, err := json.Marshal(msg)
	if err != nil {
		b.metrics.RecordPublishFailure()
		return messaging.NewBrokerError(messaging.ErrCodeMessageInvalid, "failed to serialize message", err).WithTopic(topic)
	}

	kafkaMsg := kafka.Message{
		Topic: topic,
		Key:   []byte(msg.ID),
		Value: value,
	}
	for key, val := range msg.Headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, kafka.Header{Key: key, Value: []byte(val)})
	}

	if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
		b.metrics.RecordPublishFailure()
		return messaging.NewBrokerError(messaging.ErrCodePublishFailed, "failed to publish to kafka", err).WithTopic(topic)
	}
	b.metrics.RecordPublish()
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

// Subscribe starts a consumer group reader for the topic and feeds every
// decoded message to the handler. Handler errors are counted, logged by the
// caller's handler, and never stop the reader.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	if handler == nil {
		return nil, messaging.NewBrokerError(messaging.ErrCodeSubscribeFailed, "nil handler", messaging.ErrSubscribeFailed)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, messaging.NewBrokerError(messaging.ErrCodeConnectionClosed, "broker not connected", messaging.ErrNotConnected).WithTopic(topic)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.config.Brokers,
		GroupID:  b.config.GroupID,
		Topic:    topic,
		Dialer:   b.dialer,
		MinBytes: b.config.FetchMinBytes,
		MaxBytes: b.config.FetchMaxBytes,
		MaxWait:  b.config.FetchMaxWait,
	})

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		broker: b,
	}
	sub.done = make(chan struct{})
	b.subs[sub.id] = sub

	go sub.consume(subCtx, handler, b.metrics)
	return sub, nil
}

// HealthCheck probes the first configured broker address.
func (b *Broker) HealthCheck(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.connected {
		return messaging.ErrNotConnected
	}
	conn, err := b.dialer.DialContext(ctx, "tcp", b.config.Brokers[0])
	if err != nil {
		return messaging.NewBrokerError(messaging.ErrCodeConnectionFailed, "health check failed", err)
	}
	return conn.Close()
}

// BrokerType identifies this implementation.
func (b *Broker) BrokerType() messaging.BrokerType {
	return messaging.BrokerTypeKafka
}

// Metrics returns broker counters.
func (b *Broker) Metrics() *messaging.BrokerMetrics {
	return b.metrics
}

func (b *Broker) dropSubscription(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

type subscription struct {
	id     string
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
	broker *Broker
}

func (s *subscription) consume(ctx context.Context, handler messaging.MessageHandler, metrics *messaging.BrokerMetrics) {
	defer close(s.done)
	for {
		kafkaMsg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			// Context cancellation or a closed reader ends the subscription.
			return
		}

		var msg messaging.Message
		if err := json.Unmarshal(kafkaMsg.Value, &msg); err != nil {
			metrics.RecordHandlerError()
			continue
		}
		if err := handler(ctx, &msg); err != nil {
			metrics.RecordHandlerError()
			continue
		}
		metrics.RecordDelivery()
	}
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Unsubscribe() error {
	s.broker.dropSubscription(s.id)
	return s.close()
}

func (s *subscription) close() error {
	s.cancel()
	err := s.reader.Close()
	<-s.done
	return err
}
