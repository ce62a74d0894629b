// Package transport provides Peer implementations over the delivery
// boundary: direct in-process calls for collocated replicas and broker
// topics for everything else.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.memsync/internal/crdt"
	"dev.helix.memsync/internal/messaging"
)

const (
	// MessageTypeOperations marks an envelope carrying an operation batch.
	MessageTypeOperations = "memsync.operations"

	// HeaderAgentID names the agent that broadcast the batch.
	HeaderAgentID = "agent_id"
	// HeaderBatchSize carries the number of operations in the batch.
	HeaderBatchSize = "batch_size"
)

// InProcessPeer delivers operation batches to a collocated store by direct
// call. Delivery is instantaneous by construction.
type InProcessPeer struct {
	store *crdt.Store
}

// NewInProcessPeer wraps a store as a peer.
func NewInProcessPeer(store *crdt.Store) *InProcessPeer {
	return &InProcessPeer{store: store}
}

// Deliver applies the batch to the wrapped store.
func (p *InProcessPeer) Deliver(ctx context.Context, ops []*crdt.Operation) (int, error) {
	return p.store.Deliver(ctx, ops)
}

// BrokerPeer publishes operation batches to a topic. Applied counts are not
// observable across a broker, so a successful publish reports the batch
// size it handed off; receivers still deduplicate and verify on their side.
type BrokerPeer struct {
	agentID string
	broker  messaging.MessageBroker
	topic   string
	timeout time.Duration
}

// NewBrokerPeer creates a peer that publishes batches from the given agent
// to a topic.
func NewBrokerPeer(agentID string, broker messaging.MessageBroker, topic string, timeout time.Duration) *BrokerPeer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BrokerPeer{
		agentID: agentID,
		broker:  broker,
		topic:   topic,
		timeout: timeout,
	}
}

// Deliver serializes and publishes the batch with a per-call timeout.
func (p *BrokerPeer) Deliver(ctx context.Context, ops []*crdt.Operation) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}

	payload, err := crdt.EncodeOperations(ops)
	if err != nil {
		return 0, fmt.Errorf("encode operation batch: %w", err)
	}

	msg := messaging.NewMessage(MessageTypeOperations, payload)
	msg.SetHeader(HeaderAgentID, p.agentID)
	msg.SetHeader(HeaderBatchSize, strconv.Itoa(len(ops)))

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.broker.Publish(callCtx, p.topic, msg); err != nil {
		return 0, fmt.Errorf("publish operation batch: %w", err)
	}
	return len(ops), nil
}

// Listener subscribes a store to a topic and merges every received batch.
// The topic echoes the store's own publishes, so operations originated by
// the local agent are filtered before merging.
type Listener struct {
	store  *crdt.Store
	broker messaging.MessageBroker
	topic  string
	logger *logrus.Logger
	sub    messaging.Subscription
}

// NewListener creates a listener feeding the given store.
func NewListener(store *crdt.Store, broker messaging.MessageBroker, topic string, logger *logrus.Logger) *Listener {
	if logger == nil {
		logger = logrus.New()
	}
	return &Listener{
		store:  store,
		broker: broker,
		topic:  topic,
		logger: logger,
	}
}

// Start subscribes to the topic.
func (l *Listener) Start(ctx context.Context) error {
	sub, err := l.broker.Subscribe(ctx, l.topic, l.handle)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", l.topic, err)
	}
	l.sub = sub
	return nil
}

// Stop cancels the subscription.
func (l *Listener) Stop() error {
	if l.sub == nil {
		return nil
	}
	return l.sub.Unsubscribe()
}

func (l *Listener) handle(ctx context.Context, msg *messaging.Message) error {
	if msg.Type != MessageTypeOperations {
		return nil
	}

	ops, err := crdt.DecodeOperations(msg.Payload)
	if err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"agent_id": l.store.AgentID(),
			"topic":    l.topic,
		}).Warn("Dropping undecodable operation batch")
		return fmt.Errorf("decode operation batch: %w", err)
	}

	remote := make([]*crdt.Operation, 0, len(ops))
	for _, op := range ops {
		if op != nil && op.AgentID != l.store.AgentID() {
			remote = append(remote, op)
		}
	}
	if len(remote) == 0 {
		return nil
	}

	applied := l.store.MergeRemoteOperations(ctx, remote)
	l.logger.WithFields(logrus.Fields{
		"agent_id": l.store.AgentID(),
		"topic":    l.topic,
		"received": len(remote),
		"applied":  applied,
	}).Debug("Merged remote operation batch")
	return nil
}
