// Package store implements the Workflow Repository port (C3): persistence
// for workflows, tasks, stage outputs, scheduled jobs, job executions, and
// event handlers, including the compare-and-swap stage update that the
// exactly-once pipeline (C8) depends on. Grounded on persistence.go's
// WorkflowStore, translated from bbolt buckets to Postgres tables via pgx;
// of that store only the read/write latency histograms carry over. Store has
// no in-memory cache and no cache hit/miss counters.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
)

// dbtx is the slice of *pgxpool.Pool the repositories depend on. Defining it
// as an interface (rather than importing *pgxpool.Pool directly everywhere)
// lets tests substitute pgxmock's pool fake without a real database.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store owns the Postgres connection pool and exposes per-entity repositories.
type Store struct {
	pool dbtx
	real *pgxpool.Pool // non-nil only when pool came from Open; nil in tests

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open connects to databaseURL and ensures the schema exists.
func Open(ctx context.Context, databaseURL string, meter metric.Meter) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	readLatency, _ := meter.Float64Histogram("orch_store_read_latency_ms")
	writeLatency, _ := meter.Float64Histogram("orch_store_write_latency_ms")
	s := &Store{pool: pool, real: pool, readLatency: readLatency, writeLatency: writeLatency}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a Store around an already-connected pool-shaped
// dependency, skipping schema creation — used by tests (in this package and
// others that need a repository backed by a pgxmock pool).
func NewWithPool(pool dbtx, meter metric.Meter) *Store {
	readLatency, _ := meter.Float64Histogram("orch_store_read_latency_ms")
	writeLatency, _ := meter.Float64Histogram("orch_store_write_latency_ms")
	return &Store{pool: pool, readLatency: readLatency, writeLatency: writeLatency}
}

func (s *Store) Close() {
	if s.real != nil {
		s.real.Close()
	}
}

// ensureSchema creates every table the repository layer needs, mirroring the
// teacher's "create buckets on open" pattern (persistence.go's NewWorkflowStore).
func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS platforms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS platform_surfaces (
			id TEXT PRIMARY KEY,
			platform_id TEXT NOT NULL REFERENCES platforms(id),
			surface TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			platform_id TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			definition JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (platform_id, workflow_type)
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			platform_id TEXT,
			status TEXT NOT NULL,
			current_stage TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			stage_outputs JSONB NOT NULL DEFAULT '{}',
			version INTEGER NOT NULL DEFAULT 1,
			requirements JSONB,
			name TEXT,
			description TEXT,
			created_by TEXT,
			trace_id TEXT,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			agent_type TEXT NOT NULL,
			action TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			priority TEXT NOT NULL DEFAULT 'medium',
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_executions (
			id TEXT PRIMARY KEY,
			pipeline_name TEXT NOT NULL,
			status TEXT NOT NULL,
			mode TEXT NOT NULL,
			state JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			job_type TEXT NOT NULL,
			schedule TEXT,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			next_run TIMESTAMPTZ,
			start_date TIMESTAMPTZ,
			end_date TIMESTAMPTZ,
			max_executions INTEGER,
			handler_name TEXT NOT NULL,
			handler_type TEXT NOT NULL,
			payload JSONB,
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_delay_ms INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			priority TEXT NOT NULL DEFAULT 'medium',
			concurrency INTEGER NOT NULL DEFAULT 1,
			allow_overlap BOOLEAN NOT NULL DEFAULT false,
			executions_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			avg_duration_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			tags JSONB,
			platform_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS job_executions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES scheduled_jobs(id),
			status TEXT NOT NULL,
			scheduled_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			duration_ms INTEGER,
			result JSONB,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ,
			trace_id TEXT,
			span_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS job_execution_logs (
			id BIGSERIAL PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES job_executions(id),
			logged_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			level TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_handlers (
			id TEXT PRIMARY KEY,
			event_name TEXT NOT NULL,
			handler_name TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			priority INTEGER NOT NULL DEFAULT 0,
			action_type TEXT NOT NULL,
			action_config JSONB,
			platform_id TEXT,
			executions_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) observeRead(start time.Time) {
	s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()))
}

func (s *Store) observeWrite(start time.Time) {
	s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()))
}
