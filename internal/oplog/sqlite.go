// Package oplog provides a durable OperationLog backed by an embedded
// SQLite database. The engine itself keeps no durable state; this is the
// storage collaborator it delegates to.
package oplog

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"dev.helix.memsync/internal/crdt"
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	op_id      TEXT NOT NULL UNIQUE,
	op_type    TEXT NOT NULL,
	memory_id  TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_memory ON operations(memory_id);
CREATE INDEX IF NOT EXISTS idx_operations_agent ON operations(agent_id);
`

// SQLiteLog implements crdt.OperationLog on an embedded SQLite database.
type SQLiteLog struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *logrus.Logger
}

// NewSQLiteLog opens (or creates) the database at path. An empty path opens
// an in-memory database.
func NewSQLiteLog(path string, logger *logrus.Logger) (*SQLiteLog, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite log: %w", err)
	}
	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("create operations table: %w", err)
	}

	logger.WithField("path", path).Debug("SQLite operation log opened")
	return &SQLiteLog{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

// Append stores an operation and returns its sequence number. Appending an
// operation id that is already stored returns the error from the unique
// constraint; the store never appends the same id twice.
func (l *SQLiteLog) Append(op *crdt.Operation) (int64, error) {
	payload, err := op.ToJSON()
	if err != nil {
		return 0, fmt.Errorf("serialize operation: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	result, err := l.db.Exec(
		`INSERT INTO operations (op_id, op_type, memory_id, agent_id, payload) VALUES (?, ?, ?, ?, ?)`,
		op.ID, string(op.Type), op.MemoryID, op.AgentID, string(payload),
	)
	if err != nil {
		return 0, fmt.Errorf("append operation %s: %w", op.ID, err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read sequence for %s: %w", op.ID, err)
	}
	return seq, nil
}

// Since returns all operations with a sequence strictly greater than seq.
func (l *SQLiteLog) Since(seq int64) ([]crdt.LoggedOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`SELECT seq, payload FROM operations WHERE seq > ? ORDER BY seq`, seq)
	if err != nil {
		return nil, fmt.Errorf("query operations since %d: %w", seq, err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []crdt.LoggedOperation
	for rows.Next() {
		var (
			entrySeq int64
			payload  string
		)
		if err := rows.Scan(&entrySeq, &payload); err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		op, err := crdt.OperationFromJSON([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode operation at seq %d: %w", entrySeq, err)
		}
		entries = append(entries, crdt.LoggedOperation{Seq: entrySeq, Op: op})
	}
	return entries, rows.Err()
}

// ByMemory returns all logged operations for a memory id in sequence order.
func (l *SQLiteLog) ByMemory(memoryID string) ([]*crdt.Operation, error) {
	return l.queryOps(`SELECT payload FROM operations WHERE memory_id = ? ORDER BY seq`, memoryID)
}

// ByAgent returns all logged operations originated by an agent.
func (l *SQLiteLog) ByAgent(agentID string) ([]*crdt.Operation, error) {
	return l.queryOps(`SELECT payload FROM operations WHERE agent_id = ? ORDER BY seq`, agentID)
}

// Len returns the highest assigned sequence number.
func (l *SQLiteLog) Len() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var count int64
	if err := l.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM operations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return count, nil
}

func (l *SQLiteLog) queryOps(query, arg string) ([]*crdt.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ops []*crdt.Operation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		op, err := crdt.OperationFromJSON([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
