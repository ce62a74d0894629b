package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationType identifies the kind of mutation an operation carries.
type OperationType string

const (
	OperationAdd    OperationType = "add"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// IsValid reports whether the operation type is one of the known kinds.
func (t OperationType) IsValid() bool {
	switch t {
	case OperationAdd, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Operation is an immutable, checksummed record of one memory mutation.
// The checksum is computed once at construction over the canonical
// serialization of the identifying payload fields; a received operation
// whose payload no longer matches its checksum must be dropped before
// application.
type Operation struct {
	ID        string                 `json:"operation_id"`
	Type      OperationType          `json:"operation_type"`
	MemoryID  string                 `json:"memory_id"`
	Content   map[string]interface{} `json:"content,omitempty"`
	AgentID   string                 `json:"agent_id"`
	Timestamp time.Time              `json:"timestamp"`
	Clock     VectorClock            `json:"vector_clock"`
	Checksum  string                 `json:"checksum"`
}

// NewOperation builds an operation with a snapshot of the given clock and an
// eagerly computed checksum. Content must follow the JSON data model.
func NewOperation(opType OperationType, memoryID string, content map[string]interface{}, agentID string, clock VectorClock) (*Operation, error) {
	if !opType.IsValid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, opType)
	}
	if memoryID == "" {
		return nil, fmt.Errorf("%w: empty memory id", ErrInvalidOperation)
	}
	if agentID == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrInvalidOperation)
	}

	op := &Operation{
		ID:        fmt.Sprintf("op-%s-%s", agentID, uuid.New().String()),
		Type:      opType,
		MemoryID:  memoryID,
		Content:   deepCopyContent(content),
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Clock:     clock.Copy(),
	}

	checksum, err := op.computeChecksum()
	if err != nil {
		return nil, fmt.Errorf("%w: checksum: %v", ErrInvalidOperation, err)
	}
	op.Checksum = checksum
	return op, nil
}

// computeChecksum hashes the canonical (key-sorted) serialization of the
// identifying payload. encoding/json sorts object keys at every level, so a
// decoded operation canonicalizes to the same bytes on every platform.
func (op *Operation) computeChecksum() (string, error) {
	payload := map[string]interface{}{
		"content":        op.Content,
		"memory_id":      op.MemoryID,
		"operation_id":   op.ID,
		"operation_type": string(op.Type),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyIntegrity recomputes the checksum and compares it to the stored one.
func (op *Operation) VerifyIntegrity() bool {
	checksum, err := op.computeChecksum()
	return err == nil && checksum == op.Checksum
}

// Clone creates a deep copy of the operation.
func (op *Operation) Clone() *Operation {
	return &Operation{
		ID:        op.ID,
		Type:      op.Type,
		MemoryID:  op.MemoryID,
		Content:   deepCopyContent(op.Content),
		AgentID:   op.AgentID,
		Timestamp: op.Timestamp,
		Clock:     op.Clock.Copy(),
		Checksum:  op.Checksum,
	}
}

// ToJSON converts the operation to JSON.
func (op *Operation) ToJSON() ([]byte, error) {
	return json.Marshal(op)
}

// OperationFromJSON parses an operation from JSON.
func OperationFromJSON(data []byte) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// EncodeOperations serializes a batch for transport. Receivers must treat
// the batch as an order-independent set.
func EncodeOperations(ops []*Operation) ([]byte, error) {
	return json.Marshal(ops)
}

// DecodeOperations parses a batch serialized by EncodeOperations.
func DecodeOperations(data []byte) ([]*Operation, error) {
	var ops []*Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}
