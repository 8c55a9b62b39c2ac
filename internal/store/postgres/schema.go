package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const ddlTasks = `
CREATE TABLE IF NOT EXISTS tasks (
    id                TEXT         PRIMARY KEY,
    type              TEXT         NOT NULL,
    entity_id         TEXT         NOT NULL,
    payload           JSONB        NOT NULL DEFAULT '{}',
    priority          INTEGER      NOT NULL DEFAULT 0,
    status            TEXT         NOT NULL,
    retry_count       INTEGER      NOT NULL DEFAULT 0,
    max_retries       INTEGER      NOT NULL,
    created_at        TIMESTAMPTZ  NOT NULL,
    available_at      TIMESTAMPTZ  NOT NULL,
    started_at        TIMESTAMPTZ,
    completed_at      TIMESTAMPTZ,
    error_message     TEXT         NOT NULL DEFAULT '',
    lease_owner       TEXT         NOT NULL DEFAULT '',
    lease_expires_at  TIMESTAMPTZ,
    followup          JSONB
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active_entity
    ON tasks (type, entity_id)
    WHERE status IN ('pending', 'processing', 'retrying');

CREATE INDEX IF NOT EXISTS idx_tasks_claim
    ON tasks (priority, created_at, id)
    WHERE status IN ('pending', 'retrying');

CREATE INDEX IF NOT EXISTS idx_tasks_lease
    ON tasks (lease_expires_at)
    WHERE status = 'processing';

CREATE INDEX IF NOT EXISTS idx_tasks_finished
    ON tasks (completed_at)
    WHERE status IN ('completed', 'failed');
`

const ddlInteractions = `
CREATE TABLE IF NOT EXISTS interactions (
    seq          BIGSERIAL         PRIMARY KEY,
    user_id      TEXT              NOT NULL,
    entity_id    TEXT              NOT NULL,
    type         TEXT              NOT NULL,
    weight       DOUBLE PRECISION  NOT NULL DEFAULT 0,
    occurred_at  TIMESTAMPTZ       NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_interactions_user_seq
    ON interactions (user_id, seq);

CREATE INDEX IF NOT EXISTS idx_interactions_occurred_at
    ON interactions (occurred_at);
`

// ddlVectors returns the vector DDL with the column width substituted.
func ddlVectors(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS vector_records (
    kind                 TEXT         NOT NULL,
    entity_id            TEXT         NOT NULL,
    model_id             TEXT         NOT NULL,
    model_version        TEXT         NOT NULL DEFAULT '',
    embedding            vector(%[1]d)  NOT NULL,
    content_fingerprint  TEXT         NOT NULL DEFAULT '',
    generated_at         TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (kind, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_vector_records_embedding
    ON vector_records USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_vector_records_kind_model
    ON vector_records (kind, model_id);

CREATE TABLE IF NOT EXISTS user_preferences (
    user_id            TEXT              PRIMARY KEY,
    model_id           TEXT              NOT NULL,
    embedding          vector(%[1]d)       NOT NULL,
    strength           DOUBLE PRECISION  NOT NULL,
    interaction_count  INTEGER           NOT NULL,
    mass               DOUBLE PRECISION  NOT NULL,
    ref_time           TIMESTAMPTZ       NOT NULL,
    cursor_seq         BIGINT            NOT NULL,
    pending            JSONB             NOT NULL DEFAULT '[]',
    updated_at         TIMESTAMPTZ       NOT NULL,
    version            BIGINT            NOT NULL
);
`, dims)
}

// Execer runs DDL. *pgx.Conn, *pgxpool.Pool and pgx.Tx satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the extension, tables and indexes if they do not exist.
// It is idempotent and safe to run on every start.
func Migrate(ctx context.Context, db Execer, dims int) error {
	for _, stmt := range []string{ddlVectors(dims), ddlTasks, ddlInteractions} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
