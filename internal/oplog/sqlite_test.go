package oplog

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.memsync/internal/crdt"
)

func newTestLog(t *testing.T) *SQLiteLog {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	log, err := NewSQLiteLog("", logger)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() }) //nolint:errcheck
	return log
}

func newTestOp(t *testing.T, opType crdt.OperationType, memoryID, agentID string, tick int64) *crdt.Operation {
	t.Helper()
	op, err := crdt.NewOperation(opType, memoryID, map[string]interface{}{
		"note": "durable",
		"tick": tick,
	}, agentID, crdt.VectorClock{agentID: tick})
	require.NoError(t, err)
	return op
}

func TestSQLiteLog_AppendAndSince(t *testing.T) {
	log := newTestLog(t)

	op1 := newTestOp(t, crdt.OperationAdd, "mem1", "agent1", 1)
	op2 := newTestOp(t, crdt.OperationUpdate, "mem1", "agent1", 2)
	op3 := newTestOp(t, crdt.OperationAdd, "mem2", "agent2", 1)

	seq1, err := log.Append(op1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq1)

	seq2, err := log.Append(op2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq2)

	_, err = log.Append(op3)
	require.NoError(t, err)

	t.Run("FullSuffix", func(t *testing.T) {
		entries, err := log.Since(0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, int64(1), entries[0].Seq)
		assert.Equal(t, op1.ID, entries[0].Op.ID)
	})

	t.Run("PartialSuffix", func(t *testing.T) {
		entries, err := log.Since(2)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, op3.ID, entries[0].Op.ID)
	})

	t.Run("EmptySuffix", func(t *testing.T) {
		entries, err := log.Since(99)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Len", func(t *testing.T) {
		length, err := log.Len()
		require.NoError(t, err)
		assert.Equal(t, int64(3), length)
	})

	t.Run("ByMemory", func(t *testing.T) {
		ops, err := log.ByMemory("mem1")
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, op1.ID, ops[0].ID)
		assert.Equal(t, op2.ID, ops[1].ID)
	})

	t.Run("ByAgent", func(t *testing.T) {
		ops, err := log.ByAgent("agent2")
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, op3.ID, ops[0].ID)
	})
}

func TestSQLiteLog_IntegritySurvivesStorage(t *testing.T) {
	log := newTestLog(t)

	op := newTestOp(t, crdt.OperationAdd, "mem1", "agent1", 1)
	_, err := log.Append(op)
	require.NoError(t, err)

	entries, err := log.Since(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	stored := entries[0].Op
	assert.Equal(t, op.Checksum, stored.Checksum)
	assert.True(t, stored.VerifyIntegrity())
	assert.True(t, op.Clock.Equal(stored.Clock))
}

func TestSQLiteLog_DuplicateOperationID(t *testing.T) {
	log := newTestLog(t)

	op := newTestOp(t, crdt.OperationAdd, "mem1", "agent1", 1)
	_, err := log.Append(op)
	require.NoError(t, err)

	_, err = log.Append(op)
	assert.Error(t, err, "op_id carries a unique constraint")
}

func TestSQLiteLog_EmptyLog(t *testing.T) {
	log := newTestLog(t)

	length, err := log.Len()
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)

	entries, err := log.Since(0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLiteLog_PersistsAcrossReopen(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	path := filepath.Join(t.TempDir(), "oplog.db")

	log, err := NewSQLiteLog(path, logger)
	require.NoError(t, err)
	op := newTestOp(t, crdt.OperationAdd, "mem1", "agent1", 1)
	_, err = log.Append(op)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	reopened, err := NewSQLiteLog(path, logger)
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck

	entries, err := reopened.Since(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, op.ID, entries[0].Op.ID)
}

func TestSQLiteLog_BacksAStore(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	log := newTestLog(t)

	store := crdt.NewStore("agent1", crdt.WithLogger(logger), crdt.WithOperationLog(log))
	ctx := context.Background()

	require.NoError(t, store.AddMemory(ctx, "mem1", map[string]interface{}{"v": "persisted"}, false))
	require.NoError(t, store.DeleteMemory(ctx, "mem1", false))

	assert.Equal(t, int64(2), store.SyncStatus()["log_length"])

	ops, err := log.ByMemory("mem1")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, crdt.OperationAdd, ops[0].Type)
	assert.Equal(t, crdt.OperationDelete, ops[1].Type)
}
