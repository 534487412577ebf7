package store

import (
	"context"
	"fmt"
)

// schema is applied in order at boot. Statements are idempotent so repeated
// boots and rolling restarts are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id         TEXT PRIMARY KEY,
		slug       TEXT NOT NULL UNIQUE,
		name       TEXT,
		limits     JSONB NOT NULL DEFAULT '{}',
		is_active  BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		email           TEXT,
		role            TEXT NOT NULL DEFAULT 'member',
		is_active       BOOLEAN NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS connections (
		session_id             TEXT PRIMARY KEY,
		organization_id        TEXT NOT NULL,
		user_id                TEXT,
		client_type            TEXT NOT NULL DEFAULT '',
		status                 TEXT NOT NULL,
		connected_at           TIMESTAMPTZ NOT NULL,
		last_heartbeat         TIMESTAMPTZ NOT NULL,
		disconnected_at        TIMESTAMPTZ,
		reconnect_attempts     INTEGER NOT NULL DEFAULT 0,
		max_reconnect_attempts INTEGER NOT NULL DEFAULT 5,
		next_reconnect_at      TIMESTAMPTZ,
		quality                TEXT NOT NULL DEFAULT 'EXCELLENT',
		latency_ms             BIGINT NOT NULL DEFAULT 0,
		missed_heartbeats      INTEGER NOT NULL DEFAULT 0,
		total_disconnections   INTEGER NOT NULL DEFAULT 0,
		metadata               JSONB,
		last_db_sync           TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_org ON connections (organization_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_heartbeat ON connections (last_heartbeat)`,
	`CREATE TABLE IF NOT EXISTS channels (
		organization_id TEXT NOT NULL,
		name            TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (organization_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id              TEXT PRIMARY KEY,
		type            TEXT NOT NULL,
		channel         TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		user_id         TEXT,
		payload         JSONB,
		acknowledgment  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		stream_entry_id TEXT NOT NULL DEFAULT '',
		correlation_id  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_org_channel ON events (organization_id, channel, created_at)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		state           JSONB NOT NULL DEFAULT '{}',
		version         BIGINT NOT NULL DEFAULT 0,
		config          JSONB NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (organization_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id          TEXT PRIMARY KEY,
		room_id     TEXT NOT NULL REFERENCES rooms(id),
		branch_name TEXT NOT NULL,
		state       JSONB NOT NULL,
		version     BIGINT NOT NULL,
		description TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_room_branch ON snapshots (room_id, branch_name, version)`,
	`CREATE TABLE IF NOT EXISTS branches (
		room_id          TEXT NOT NULL REFERENCES rooms(id),
		name             TEXT NOT NULL,
		from_snapshot_id TEXT,
		head_snapshot_id TEXT,
		conflict_count   INTEGER NOT NULL DEFAULT 0,
		last_activity    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (room_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		subject         TEXT NOT NULL,
		action          TEXT NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		client_ip       TEXT,
		details         JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_org_time ON audit_log (organization_id, created_at)`,
}

// EnsureSchema creates missing tables and indexes. Runs at boot before the
// node registers itself.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
