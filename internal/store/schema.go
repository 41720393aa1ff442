package store

import (
	"context"
	"fmt"
)

// Column types are chosen to mean the same thing in SQLite and Postgres:
// instants are BIGINT unix milliseconds, structured values are JSON TEXT.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS calendars (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  key TEXT NOT NULL,
  name TEXT NOT NULL,
  holidays TEXT NOT NULL,
  business_days TEXT NOT NULL,
  updated_at BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_calendars_key ON calendars(tenant_id, key)`,

	`CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  key TEXT NOT NULL,
  queue TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL,
  backoff TEXT NOT NULL,
  timeout_sec INTEGER NOT NULL,
  concurrency_limit INTEGER,
  sla_sec INTEGER,
  enabled BOOLEAN NOT NULL,
  version INTEGER NOT NULL,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_key ON jobs(tenant_id, key)`,

	`CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  tz TEXT NOT NULL,
  trigger_spec TEXT NOT NULL,
  target TEXT NOT NULL,
  payload TEXT,
  calendar_ref TEXT,
  job_id TEXT,
  enabled BOOLEAN NOT NULL,
  next_fire_at BIGINT,
  last_fire_at BIGINT,
  last_completed_at BIGINT,
  version INTEGER NOT NULL,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_name ON schedules(tenant_id, name)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_fire_at)`,

	`CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  schedule_id TEXT,
  job_id TEXT,
  dedupe_key TEXT,
  status TEXT NOT NULL,
  scheduled_at BIGINT NOT NULL,
  started_at BIGINT,
  finished_at BIGINT,
  attempt INTEGER NOT NULL,
  error TEXT,
  latency_ms BIGINT,
  duration_ms BIGINT,
  worker_id TEXT,
  payload TEXT,
  created_at BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_dedupe ON runs(dedupe_key)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_schedule ON runs(schedule_id, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_worker ON runs(worker_id, status)`,

	`CREATE TABLE IF NOT EXISTS workers (
  id TEXT PRIMARY KEY,
  tenant_id TEXT,
  name TEXT NOT NULL,
  capabilities TEXT NOT NULL,
  heartbeat_at BIGINT NOT NULL,
  status TEXT NOT NULL,
  max_parallel INTEGER NOT NULL,
  current_jobs INTEGER NOT NULL,
  version INTEGER NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_workers_name ON workers(name)`,
}

// EnsureSchema creates tables and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.dialect == DialectSQLite {
		if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("enable wal: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
