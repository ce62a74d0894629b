package crdt

import "sync"

// LoggedOperation is an operation with the sequence number the log assigned
// to it. Sequences start at 1 and only ever grow.
type LoggedOperation struct {
	Seq int64
	Op  *Operation
}

// OperationLog is the append-only record of every operation a store has
// originated or applied. The store reads suffixes of it to find what each
// peer has not yet confirmed; durable implementations live outside the
// engine (see the sqlite collaborator).
type OperationLog interface {
	// Append stores an operation and returns its sequence number.
	Append(op *Operation) (int64, error)

	// Since returns all operations with a sequence strictly greater than seq,
	// in sequence order.
	Since(seq int64) ([]LoggedOperation, error)

	// ByMemory returns all logged operations for a memory id.
	ByMemory(memoryID string) ([]*Operation, error)

	// ByAgent returns all logged operations originated by an agent.
	ByAgent(agentID string) ([]*Operation, error)

	// Len returns the highest assigned sequence number.
	Len() (int64, error)
}

// InMemoryLog is the default OperationLog, held entirely in process memory.
type InMemoryLog struct {
	mu      sync.RWMutex
	entries []LoggedOperation
}

// NewInMemoryLog creates an empty in-memory operation log.
func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{}
}

func (l *InMemoryLog) Append(op *Operation) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := int64(len(l.entries)) + 1
	l.entries = append(l.entries, LoggedOperation{Seq: seq, Op: op})
	return seq, nil
}

func (l *InMemoryLog) Since(seq int64) ([]LoggedOperation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq < 0 {
		seq = 0
	}
	if seq >= int64(len(l.entries)) {
		return nil, nil
	}
	out := make([]LoggedOperation, len(l.entries[seq:]))
	copy(out, l.entries[seq:])
	return out, nil
}

func (l *InMemoryLog) ByMemory(memoryID string) ([]*Operation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Operation
	for _, entry := range l.entries {
		if entry.Op.MemoryID == memoryID {
			out = append(out, entry.Op)
		}
	}
	return out, nil
}

func (l *InMemoryLog) ByAgent(agentID string) ([]*Operation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Operation
	for _, entry := range l.entries {
		if entry.Op.AgentID == agentID {
			out = append(out, entry.Op)
		}
	}
	return out, nil
}

func (l *InMemoryLog) Len() (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.entries)), nil
}
