package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id           TEXT PRIMARY KEY,
	pipeline_name    TEXT NOT NULL,
	status           TEXT NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ,
	output_names     JSONB NOT NULL DEFAULT '[]',
	integrity_sha256 TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS step_results (
	run_id        TEXT NOT NULL,
	step_name     TEXT NOT NULL,
	state         TEXT NOT NULL,
	success       BOOLEAN NOT NULL,
	cached        BOOLEAN NOT NULL,
	duration_ms   BIGINT NOT NULL,
	attempt_count INTEGER NOT NULL,
	fingerprint   TEXT,
	error_message TEXT,
	output_refs   JSONB NOT NULL DEFAULT '[]',
	recorded_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, step_name)
);

CREATE TABLE IF NOT EXISTS step_artifacts (
	artifact_id      TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	pipeline_name    TEXT NOT NULL,
	producer_step    TEXT NOT NULL,
	output_name      TEXT NOT NULL,
	uri              TEXT NOT NULL,
	content_type     TEXT,
	sha256           TEXT NOT NULL,
	size_bytes       BIGINT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	integrity_sha256 TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lineage_events (
	event_id            BIGSERIAL PRIMARY KEY,
	occurred_at         TIMESTAMPTZ NOT NULL,
	run_id              TEXT NOT NULL,
	pipeline_name       TEXT NOT NULL,
	producer_step       TEXT NOT NULL,
	child_artifact_id   TEXT NOT NULL,
	parent_artifact_ids JSONB NOT NULL,
	metadata            JSONB NOT NULL,
	integrity_sha256    TEXT NOT NULL,
	UNIQUE (run_id, child_artifact_id)
);

CREATE TABLE IF NOT EXISTS cache_entries (
	pipeline_name TEXT NOT NULL,
	step_name     TEXT NOT NULL,
	fingerprint   TEXT NOT NULL,
	output_refs   JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (pipeline_name, step_name, fingerprint)
);

CREATE TABLE IF NOT EXISTS audit_events (
	event_id         BIGSERIAL PRIMARY KEY,
	occurred_at      TIMESTAMPTZ NOT NULL,
	actor            TEXT NOT NULL,
	action           TEXT NOT NULL,
	resource_type    TEXT NOT NULL,
	resource_id      TEXT NOT NULL,
	request_id       TEXT,
	ip               INET,
	user_agent       TEXT,
	payload          JSONB NOT NULL,
	integrity_sha256 TEXT NOT NULL
);
`

// Migrate creates the tables used by the stores in this package.
func Migrate(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
