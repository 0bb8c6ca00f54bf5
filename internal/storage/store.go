// Package storage is the embedded append-only persistence layer for the
// five record tables spec.md §6 names: health_checks, rate_limit_events,
// performance_records, cost_records, failover_events. It exists alongside
// (not instead of) the in-memory health/ratelimit/performance/cost stores —
// those packages answer "what should the Selector/Dispatcher do right now";
// this package is the offline-analysis trail spec.md §4.1 requires
// ("it persists each probe outcome for offline analysis") and §6's
// "Persistence" paragraph requires for the other four record kinds.
//
// Grounded on the teacher's internal/storage/chat_store.go: database/sql
// over an embedded go-libsql file, with the schema created on open.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

// Store is the append-only persistence contract. Every method appends a
// single row; there are no update/delete operations, matching spec.md §6's
// "five append-only tables".
type Store interface {
	AppendHealthCheck(ctx context.Context, row HealthCheckRow) error
	AppendRateLimitEvent(ctx context.Context, row RateLimitEventRow) error
	AppendPerformanceRecord(ctx context.Context, row PerformanceRecordRow) error
	AppendCostRecord(ctx context.Context, row CostRecordRow) error
	AppendFailoverEvent(ctx context.Context, row FailoverEventRow) error
	Close() error
}

// SQLStore implements Store over database/sql, grounded on
// SQLiteChatStore's shape (teacher's internal/storage/chat_store.go).
type SQLStore struct {
	db *sql.DB
}

// Open creates (if needed) and opens the embedded libsql file at dbPath,
// running schema migration idempotently (CREATE TABLE IF NOT EXISTS).
func Open(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("libsql", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("execute storage schema: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendHealthCheck(ctx context.Context, row HealthCheckRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_checks (model_id, at, latency_ms, success, error) VALUES (?, ?, ?, ?, ?)`,
		row.ModelID, row.At, row.LatencyMS, row.Success, row.Error)
	if err != nil {
		return fmt.Errorf("append health check: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendRateLimitEvent(ctx context.Context, row RateLimitEventRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_events (model_id, at, decision, request_utilization, token_utilization) VALUES (?, ?, ?, ?, ?)`,
		row.ModelID, row.At, row.Decision, row.RequestUtilization, row.TokenUtilization)
	if err != nil {
		return fmt.Errorf("append rate limit event: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendPerformanceRecord(ctx context.Context, row PerformanceRecordRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO performance_records (model_id, agent_kind, task_id, at, latency_ms, success, quality_score) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ModelID, row.AgentKind, row.TaskID, row.At, row.LatencyMS, row.Success, row.QualityScore)
	if err != nil {
		return fmt.Errorf("append performance record: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendCostRecord(ctx context.Context, row CostRecordRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_records (model_id, agent_kind, task_id, at, input_tokens, output_tokens, cost) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ModelID, row.AgentKind, row.TaskID, row.At, row.InputTokens, row.OutputTokens, row.Cost)
	if err != nil {
		return fmt.Errorf("append cost record: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendFailoverEvent(ctx context.Context, row FailoverEventRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failover_events (task_id, from_model, to_model, reason, at) VALUES (?, ?, ?, ?, ?)`,
		row.TaskID, row.FromModel, row.ToModel, row.Reason, row.At)
	if err != nil {
		return fmt.Errorf("append failover event: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// schema is executed on every Open; CREATE TABLE IF NOT EXISTS makes it
// idempotent against an already-initialized file, matching the teacher's
// fallbackSchema approach.
const schema = `
CREATE TABLE IF NOT EXISTS health_checks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model_id TEXT NOT NULL,
	at TIMESTAMP NOT NULL,
	latency_ms REAL NOT NULL,
	success BOOLEAN NOT NULL,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_health_checks_model_at ON health_checks (model_id, at);

CREATE TABLE IF NOT EXISTS rate_limit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model_id TEXT NOT NULL,
	at TIMESTAMP NOT NULL,
	decision TEXT NOT NULL,
	request_utilization REAL NOT NULL,
	token_utilization REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_events_model_at ON rate_limit_events (model_id, at);

CREATE TABLE IF NOT EXISTS performance_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model_id TEXT NOT NULL,
	agent_kind TEXT NOT NULL,
	task_id TEXT NOT NULL,
	at TIMESTAMP NOT NULL,
	latency_ms REAL NOT NULL,
	success BOOLEAN NOT NULL,
	quality_score REAL
);
CREATE INDEX IF NOT EXISTS idx_performance_records_model_at ON performance_records (model_id, at);

CREATE TABLE IF NOT EXISTS cost_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model_id TEXT NOT NULL,
	agent_kind TEXT NOT NULL,
	task_id TEXT NOT NULL,
	at TIMESTAMP NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_records_model_at ON cost_records (model_id, at);

CREATE TABLE IF NOT EXISTS failover_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	from_model TEXT NOT NULL,
	to_model TEXT NOT NULL,
	reason TEXT NOT NULL,
	at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failover_events_at ON failover_events (at);
`
