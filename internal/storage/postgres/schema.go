package postgres

import (
	"context"
	"fmt"
)

// schema is applied statement by statement by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jurisdictions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	active     BOOLEAN NOT NULL DEFAULT FALSE,
	config     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS liens (
	id               TEXT PRIMARY KEY,
	jurisdiction_id  TEXT NOT NULL,
	recording_number TEXT NOT NULL,
	record_date      DATE NOT NULL,
	discovered_at    TIMESTAMPTZ NOT NULL,
	debtor_name      TEXT NOT NULL DEFAULT '',
	debtor_address   TEXT NOT NULL DEFAULT '',
	creditor_name    TEXT NOT NULL DEFAULT '',
	creditor_address TEXT NOT NULL DEFAULT '',
	amount           NUMERIC(14, 2),
	status           TEXT NOT NULL DEFAULT 'pending',
	external_id      TEXT,
	document_id      TEXT,
	source_url       TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (jurisdiction_id, recording_number)
)`,
	`CREATE INDEX IF NOT EXISTS liens_created_at_idx ON liens (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS liens_status_updated_idx ON liens (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS lien_documents (
	id               TEXT PRIMARY KEY,
	jurisdiction_id  TEXT NOT NULL,
	recording_number TEXT NOT NULL,
	filename         TEXT NOT NULL,
	size_bytes       BIGINT NOT NULL,
	sha256           TEXT NOT NULL,
	page_count       INTEGER NOT NULL DEFAULT 0,
	blob_uri         TEXT NOT NULL,
	source_url       TEXT NOT NULL DEFAULT '',
	strategy         TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (jurisdiction_id, recording_number, sha256)
)`,
	`CREATE TABLE IF NOT EXISTS lien_runs (
	id                   TEXT PRIMARY KEY,
	trigger              TEXT NOT NULL,
	status               TEXT NOT NULL,
	date_from            DATE,
	date_to              DATE,
	started_at           TIMESTAMPTZ NOT NULL,
	ended_at             TIMESTAMPTZ,
	liens_found          INTEGER NOT NULL DEFAULT 0,
	liens_processed      INTEGER NOT NULL DEFAULT 0,
	liens_over_threshold INTEGER NOT NULL DEFAULT 0,
	error_message        TEXT
)`,
	`CREATE INDEX IF NOT EXISTS lien_runs_started_at_idx ON lien_runs (started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS system_logs (
	id        BIGSERIAL PRIMARY KEY,
	ts        TIMESTAMPTZ NOT NULL,
	level     TEXT NOT NULL,
	component TEXT NOT NULL,
	message   TEXT NOT NULL,
	run_id    TEXT NOT NULL DEFAULT ''
)`,
}

// Migrate creates any missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
