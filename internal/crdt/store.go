package crdt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Peer is the delivery boundary to one remote replica. Deliver hands over a
// batch of operations and returns how many the receiver applied; the batch
// must be treated as an order-independent set on the receiving side.
// Implementations over a network must impose their own per-call timeout.
type Peer interface {
	Deliver(ctx context.Context, ops []*Operation) (int, error)
}

const (
	defaultSyncInterval   = 5 * time.Second
	defaultDeliverTimeout = 5 * time.Second
	defaultFanout         = 8
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for structured diagnostics.
func WithLogger(logger *logrus.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithSyncInterval sets the background sync loop period.
func WithSyncInterval(interval time.Duration) StoreOption {
	return func(s *Store) {
		if interval > 0 {
			s.syncInterval = interval
		}
	}
}

// WithDeliverTimeout bounds each per-peer delivery call.
func WithDeliverTimeout(timeout time.Duration) StoreOption {
	return func(s *Store) {
		if timeout > 0 {
			s.deliverTimeout = timeout
		}
	}
}

// WithOperationLog replaces the default in-memory operation log.
func WithOperationLog(log OperationLog) StoreOption {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithBroadcastConcurrency bounds how many peers are contacted at once
// during fan-out.
func WithBroadcastConcurrency(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.fanout = n
		}
	}
}

// Store is one agent's replica of the shared memory space. It owns the
// memory states, the agent's vector clock, the operation log, the processed
// set guarding idempotent replay, and the peer handles used for
// synchronization. All internal mutation is confined behind one mutex;
// replicas interact only through Deliver.
type Store struct {
	agentID string

	mu        sync.RWMutex
	states    map[string]*MemoryState
	clock     VectorClock
	log       OperationLog
	processed map[string]struct{}
	peers     map[string]Peer
	cursors   map[string]int64 // per peer, last log sequence confirmed delivered

	syncInterval   time.Duration
	deliverTimeout time.Duration
	fanout         int

	logger  *logrus.Logger
	metrics *Metrics

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewStore creates a replica store for the given agent.
func NewStore(agentID string, opts ...StoreOption) *Store {
	s := &Store{
		agentID:        agentID,
		states:         make(map[string]*MemoryState),
		clock:          NewVectorClock(),
		log:            NewInMemoryLog(),
		processed:      make(map[string]struct{}),
		peers:          make(map[string]Peer),
		cursors:        make(map[string]int64),
		syncInterval:   defaultSyncInterval,
		deliverTimeout: defaultDeliverTimeout,
		fanout:         defaultFanout,
		logger:         logrus.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AgentID returns the id of the agent this replica belongs to.
func (s *Store) AgentID() string {
	return s.agentID
}

// AddMemory creates a memory entry from a local mutation and optionally
// broadcasts it. Peer unavailability never fails the call; only local
// construction errors surface.
func (s *Store) AddMemory(ctx context.Context, memoryID string, content map[string]interface{}, broadcast bool) error {
	s.mu.Lock()
	s.clock.Increment(s.agentID)
	op, err := NewOperation(OperationAdd, memoryID, content, s.agentID, s.clock)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.applyLocked(op)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"agent_id":     s.agentID,
		"memory_id":    memoryID,
		"operation_id": op.ID,
	}).Debug("Memory added")

	if broadcast {
		s.Broadcast(ctx)
	}
	return nil
}

// UpdateMemory shallow-merges updates into an existing entry's content and
// optionally broadcasts the resulting full content. Updating an id this
// replica has never seen (or has deleted) returns ErrUnknownMemory; unlike
// remote merges, a local update requires prior local knowledge.
func (s *Store) UpdateMemory(ctx context.Context, memoryID string, updates map[string]interface{}, broadcast bool) error {
	s.mu.Lock()
	existing, known := s.states[memoryID]
	if !known || existing.Tombstone {
		s.mu.Unlock()
		return ErrUnknownMemory
	}

	content := deepCopyContent(existing.Content)
	if content == nil {
		content = make(map[string]interface{})
	}
	for k, v := range updates {
		content[k] = deepCopyValue(v)
	}

	s.clock.Increment(s.agentID)
	op, err := NewOperation(OperationUpdate, memoryID, content, s.agentID, s.clock)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.applyLocked(op)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"agent_id":     s.agentID,
		"memory_id":    memoryID,
		"operation_id": op.ID,
	}).Debug("Memory updated")

	if broadcast {
		s.Broadcast(ctx)
	}
	return nil
}

// DeleteMemory tombstones an existing entry, freezing its content, and
// optionally broadcasts the deletion. Returns ErrUnknownMemory for ids this
// replica has never seen.
func (s *Store) DeleteMemory(ctx context.Context, memoryID string, broadcast bool) error {
	s.mu.Lock()
	existing, known := s.states[memoryID]
	if !known {
		s.mu.Unlock()
		return ErrUnknownMemory
	}

	s.clock.Increment(s.agentID)
	op, err := NewOperation(OperationDelete, memoryID, existing.Content, s.agentID, s.clock)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.applyLocked(op)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"agent_id":     s.agentID,
		"memory_id":    memoryID,
		"operation_id": op.ID,
	}).Debug("Memory deleted")

	if broadcast {
		s.Broadcast(ctx)
	}
	return nil
}

// GetMemory returns a copy of an entry's content. Unknown and tombstoned
// entries are both reported as absent: logical deletion is invisible to
// readers even though the tombstone record persists.
func (s *Store) GetMemory(memoryID string) (map[string]interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, known := s.states[memoryID]
	if !known || state.Tombstone {
		return nil, false
	}
	return deepCopyContent(state.Content), true
}

// MergeRemoteOperations applies a batch of operations received from another
// replica and returns how many were applied. Already-processed operations
// are skipped, operations failing their integrity check are dropped without
// being marked processed (a corrected resend can still apply), and the local
// clock joins every applied operation's clock. Re-applying an identical
// batch any number of times, in any order, leaves state unchanged.
func (s *Store) MergeRemoteOperations(ctx context.Context, ops []*Operation) int {
	applied := 0
	for _, op := range ops {
		if op == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return applied
		default:
		}

		s.mu.Lock()
		if _, duplicate := s.processed[op.ID]; duplicate {
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.DuplicatesSkipped.WithLabelValues(s.agentID).Inc()
			}
			continue
		}
		if !op.VerifyIntegrity() {
			s.mu.Unlock()
			s.logger.WithFields(logrus.Fields{
				"agent_id":     s.agentID,
				"operation_id": op.ID,
				"memory_id":    op.MemoryID,
				"from_agent":   op.AgentID,
			}).Warn("Dropping operation that failed integrity check")
			if s.metrics != nil {
				s.metrics.IntegrityFailures.WithLabelValues(s.agentID).Inc()
			}
			continue
		}

		s.applyLocked(op.Clone())
		s.clock.Merge(op.Clock)
		s.mu.Unlock()
		applied++
	}
	return applied
}

// Deliver implements Peer, letting collocated stores act as each other's
// peers directly.
func (s *Store) Deliver(ctx context.Context, ops []*Operation) (int, error) {
	return s.MergeRemoteOperations(ctx, ops), nil
}

// applyLocked merges an operation into the replica state, marks it
// processed, and appends it to the log. Callers hold s.mu.
func (s *Store) applyLocked(op *Operation) {
	var incoming *MemoryState
	if op.Type == OperationDelete {
		incoming = NewTombstoneState(op.MemoryID, op.Content, op.Clock, op.AgentID, op.Timestamp)
	} else {
		incoming = NewMemoryState(op.MemoryID, op.Content, op.Clock, op.Timestamp)
	}

	if existing, known := s.states[op.MemoryID]; known {
		s.states[op.MemoryID] = existing.Merge(incoming)
	} else {
		s.states[op.MemoryID] = incoming
	}
	s.processed[op.ID] = struct{}{}

	if _, err := s.log.Append(op); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"agent_id":     s.agentID,
			"operation_id": op.ID,
		}).Error("Failed to append operation to log")
	}

	if s.metrics != nil {
		s.metrics.OperationsApplied.WithLabelValues(s.agentID, string(op.Type)).Inc()
		s.updateStateGaugesLocked()
	}
}

func (s *Store) updateStateGaugesLocked() {
	tombstones := 0
	for _, state := range s.states {
		if state.Tombstone {
			tombstones++
		}
	}
	s.metrics.MemoryStates.WithLabelValues(s.agentID).Set(float64(len(s.states)))
	s.metrics.TombstoneStates.WithLabelValues(s.agentID).Set(float64(tombstones))
}

// AddPeer registers a peer handle. Membership is dynamic and requires no
// handshake; convergence does not depend on who is present when.
func (s *Store) AddPeer(peerID string, peer Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peerID] = peer
	if _, seen := s.cursors[peerID]; !seen {
		s.cursors[peerID] = 0
	}
}

// RemovePeer drops a peer handle and its delivery cursor.
func (s *Store) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
	delete(s.cursors, peerID)
}

type broadcastTarget struct {
	peerID  string
	peer    Peer
	cursor  int64
	ops     []*Operation
	lastSeq int64
}

// Broadcast sends each peer the suffix of the log it has not yet confirmed,
// contacting peers concurrently with per-peer failure isolation: one peer's
// error is logged and counted but never blocks or corrupts delivery to the
// others. The returned errors exist for diagnostics only.
func (s *Store) Broadcast(ctx context.Context) []error {
	targets := s.gatherTargets()
	if len(targets) == 0 {
		return nil
	}

	var (
		errMu      sync.Mutex
		deliveries []error
	)

	g := &errgroup.Group{}
	g.SetLimit(s.fanout)
	for _, target := range targets {
		target := target
		if len(target.ops) == 0 {
			// The suffix held only foreign-origin entries; nothing to send,
			// but the cursor still moves past them so they are not re-read
			// every cycle.
			s.advanceCursor(target.peerID, target.lastSeq)
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.deliverTimeout)
			defer cancel()

			if _, err := target.peer.Deliver(callCtx, target.ops); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"agent_id": s.agentID,
					"peer_id":  target.peerID,
					"batch":    len(target.ops),
				}).Warn("Peer delivery failed")
				if s.metrics != nil {
					s.metrics.PeerDeliveryFailures.WithLabelValues(s.agentID, target.peerID).Inc()
				}
				errMu.Lock()
				deliveries = append(deliveries, &DeliveryError{PeerID: target.peerID, Cause: err})
				errMu.Unlock()
				return nil
			}

			s.advanceCursor(target.peerID, target.lastSeq)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // per-peer errors are collected, never propagated

	return deliveries
}

// gatherTargets snapshots, per peer, the locally originated operations past
// its cursor.
func (s *Store) gatherTargets() []broadcastTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()

	targets := make([]broadcastTarget, 0, len(s.peers))
	for peerID, peer := range s.peers {
		entries, err := s.log.Since(s.cursors[peerID])
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"agent_id": s.agentID,
				"peer_id":  peerID,
			}).Error("Failed to read pending operations")
			continue
		}
		if len(entries) == 0 {
			continue
		}

		// The log also records operations merged from other replicas; peers
		// get only what this agent originated. The cursor still advances past
		// foreign entries once the batch is confirmed.
		ops := make([]*Operation, 0, len(entries))
		for _, entry := range entries {
			if entry.Op.AgentID == s.agentID {
				ops = append(ops, entry.Op)
			}
		}
		lastSeq := entries[len(entries)-1].Seq
		targets = append(targets, broadcastTarget{
			peerID:  peerID,
			peer:    peer,
			cursor:  s.cursors[peerID],
			ops:     ops,
			lastSeq: lastSeq,
		})
	}
	return targets
}

func (s *Store) advanceCursor(peerID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, present := s.cursors[peerID]; present && seq > s.cursors[peerID] {
		s.cursors[peerID] = seq
	}
}

// SyncNow runs one synchronous broadcast round, joining any per-peer
// delivery errors for the caller's diagnostics.
func (s *Store) SyncNow(ctx context.Context) error {
	return errors.Join(s.Broadcast(ctx)...)
}

// Start launches the background sync loop. Every sync interval the loop
// delivers unconfirmed operations to all peers; failures are contained per
// peer and per cycle, so the loop's liveness survives any delivery error.
func (s *Store) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	go s.syncLoop(stopCh, done)
	s.logger.WithFields(logrus.Fields{
		"agent_id":      s.agentID,
		"sync_interval": s.syncInterval,
	}).Info("Sync loop started")
	return nil
}

// Stop signals the sync loop and waits for it to exit. Cancellation is
// cooperative: it takes effect within one sync interval plus any in-flight
// broadcast round. Stopping a store that is not running is a no-op.
func (s *Store) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.WithField("agent_id", s.agentID).Info("Sync loop stopped")
}

func (s *Store) syncLoop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.runSyncCycle()
		}
	}
}

// runSyncCycle performs one broadcast round. A panicking cycle is contained
// so the next interval still fires.
func (s *Store) runSyncCycle() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"agent_id": s.agentID,
				"panic":    r,
			}).Error("Sync cycle panicked; continuing on next interval")
		}
	}()

	s.Broadcast(context.Background())
	if s.metrics != nil {
		s.metrics.SyncCycles.WithLabelValues(s.agentID).Inc()
	}
}

// Snapshot is a point-in-time diagnostic copy of a replica.
type Snapshot struct {
	AgentID string         `json:"agent_id"`
	TakenAt time.Time      `json:"taken_at"`
	Clock   VectorClock    `json:"vector_clock"`
	States  []*MemoryState `json:"states"`
}

// Snapshot copies the replica's clock and every memory state, tombstones
// included.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]*MemoryState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state.Copy())
	}
	return &Snapshot{
		AgentID: s.agentID,
		TakenAt: time.Now().UTC(),
		Clock:   s.clock.Copy(),
		States:  states,
	}
}

// Clock returns a copy of the replica's current vector clock.
func (s *Store) Clock() VectorClock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock.Copy()
}

// SyncStatus reports replica counters for diagnostics.
func (s *Store) SyncStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tombstones := 0
	for _, state := range s.states {
		if state.Tombstone {
			tombstones++
		}
	}
	logLen, _ := s.log.Len() //nolint:errcheck

	return map[string]interface{}{
		"agent_id":        s.agentID,
		"running":         s.running,
		"vector_clock":    s.clock.Copy(),
		"peer_count":      len(s.peers),
		"state_count":     len(s.states),
		"tombstone_count": tombstones,
		"processed_count": len(s.processed),
		"log_length":      logLen,
		"timestamp":       time.Now().UTC(),
	}
}

// CompactTombstones removes tombstone states older than the given retention.
// The engine never calls this itself: dropping a tombstone before every peer
// has acknowledged the deletion re-opens the resurrection window, and peer
// acknowledgment is not tracked here. Callers that can prove it externally
// may compact. Returns how many states were removed.
func (s *Store) CompactTombstones(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for memoryID, state := range s.states {
		if state.Tombstone && state.LastModified.Before(cutoff) {
			delete(s.states, memoryID)
			removed++
		}
	}
	if removed > 0 && s.metrics != nil {
		s.updateStateGaugesLocked()
	}
	return removed
}
