package crdt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOperation(t *testing.T) {
	clock := VectorClock{"agent1": 1}
	content := map[string]interface{}{"text": "remember this"}

	t.Run("ValidOperation", func(t *testing.T) {
		op, err := NewOperation(OperationAdd, "mem1", content, "agent1", clock)
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(op.ID, "op-agent1-"))
		assert.Equal(t, OperationAdd, op.Type)
		assert.Equal(t, "mem1", op.MemoryID)
		assert.Equal(t, "agent1", op.AgentID)
		assert.NotEmpty(t, op.Checksum)
		assert.False(t, op.Timestamp.IsZero())
	})

	t.Run("UniqueIDs", func(t *testing.T) {
		op1, err := NewOperation(OperationAdd, "mem1", content, "agent1", clock)
		require.NoError(t, err)
		op2, err := NewOperation(OperationAdd, "mem1", content, "agent1", clock)
		require.NoError(t, err)
		assert.NotEqual(t, op1.ID, op2.ID)
	})

	t.Run("ClockIsSnapshot", func(t *testing.T) {
		live := VectorClock{"agent1": 1}
		op, err := NewOperation(OperationAdd, "mem1", content, "agent1", live)
		require.NoError(t, err)

		live.Increment("agent1")
		assert.Equal(t, int64(1), op.Clock["agent1"])
	})

	t.Run("ContentIsCopied", func(t *testing.T) {
		source := map[string]interface{}{"text": "original"}
		op, err := NewOperation(OperationAdd, "mem1", source, "agent1", clock)
		require.NoError(t, err)

		source["text"] = "mutated"
		assert.Equal(t, "original", op.Content["text"])
	})

	t.Run("InvalidInputs", func(t *testing.T) {
		tests := []struct {
			name     string
			opType   OperationType
			memoryID string
			agentID  string
		}{
			{"UnknownType", OperationType("replace"), "mem1", "agent1"},
			{"EmptyMemoryID", OperationAdd, "", "agent1"},
			{"EmptyAgentID", OperationAdd, "mem1", ""},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := NewOperation(tt.opType, tt.memoryID, content, tt.agentID, clock)
				assert.ErrorIs(t, err, ErrInvalidOperation)
			})
		}
	})
}

func TestOperationType_IsValid(t *testing.T) {
	assert.True(t, OperationAdd.IsValid())
	assert.True(t, OperationUpdate.IsValid())
	assert.True(t, OperationDelete.IsValid())
	assert.False(t, OperationType("").IsValid())
	assert.False(t, OperationType("upsert").IsValid())
}

func TestOperation_VerifyIntegrity(t *testing.T) {
	clock := VectorClock{"agent1": 1}

	t.Run("FreshOperationVerifies", func(t *testing.T) {
		op, err := NewOperation(OperationAdd, "mem1", map[string]interface{}{"v": 1}, "agent1", clock)
		require.NoError(t, err)
		assert.True(t, op.VerifyIntegrity())
	})

	t.Run("TamperedContentFails", func(t *testing.T) {
		op, err := NewOperation(OperationAdd, "mem1", map[string]interface{}{"v": 1}, "agent1", clock)
		require.NoError(t, err)

		op.Content["v"] = 99
		assert.False(t, op.VerifyIntegrity())
	})

	t.Run("TamperedMemoryIDFails", func(t *testing.T) {
		op, err := NewOperation(OperationAdd, "mem1", map[string]interface{}{"v": 1}, "agent1", clock)
		require.NoError(t, err)

		op.MemoryID = "mem2"
		assert.False(t, op.VerifyIntegrity())
	})

	t.Run("TamperedChecksumFails", func(t *testing.T) {
		op, err := NewOperation(OperationAdd, "mem1", map[string]interface{}{"v": 1}, "agent1", clock)
		require.NoError(t, err)

		op.Checksum = strings.Repeat("0", 64)
		assert.False(t, op.VerifyIntegrity())
	})

	t.Run("SurvivesJSONRoundTrip", func(t *testing.T) {
		op, err := NewOperation(OperationAdd, "mem1", map[string]interface{}{
			"count": 3,
			"tags":  []interface{}{"x"},
			"meta":  map[string]interface{}{"depth": 2},
		}, "agent1", clock)
		require.NoError(t, err)

		data, err := op.ToJSON()
		require.NoError(t, err)
		decoded, err := OperationFromJSON(data)
		require.NoError(t, err)

		// Numbers decode as float64; the canonical checksum payload must
		// still hash to the same digest.
		assert.Equal(t, op.Checksum, decoded.Checksum)
		assert.True(t, decoded.VerifyIntegrity())
	})
}

func TestOperation_Clone(t *testing.T) {
	op, err := NewOperation(OperationUpdate, "mem1", map[string]interface{}{
		"nested": map[string]interface{}{"k": "v"},
	}, "agent1", VectorClock{"agent1": 2})
	require.NoError(t, err)

	clone := op.Clone()
	require.Equal(t, op.ID, clone.ID)
	require.Equal(t, op.Checksum, clone.Checksum)

	clone.Content["nested"].(map[string]interface{})["k"] = "changed"
	clone.Clock.Increment("agent1")

	assert.Equal(t, "v", op.Content["nested"].(map[string]interface{})["k"])
	assert.Equal(t, int64(2), op.Clock["agent1"])
}

func TestEncodeDecodeOperations(t *testing.T) {
	clock := VectorClock{"agent1": 1}
	op1, err := NewOperation(OperationAdd, "mem1", map[string]interface{}{"v": "a"}, "agent1", clock)
	require.NoError(t, err)
	clock.Increment("agent1")
	op2, err := NewOperation(OperationDelete, "mem1", map[string]interface{}{"v": "a"}, "agent1", clock)
	require.NoError(t, err)

	data, err := EncodeOperations([]*Operation{op1, op2})
	require.NoError(t, err)

	decoded, err := DecodeOperations(data)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, op1.ID, decoded[0].ID)
	assert.Equal(t, op2.ID, decoded[1].ID)
	assert.True(t, decoded[0].VerifyIntegrity())
	assert.True(t, decoded[1].VerifyIntegrity())

	_, err = DecodeOperations([]byte("not json"))
	assert.Error(t, err)
}
