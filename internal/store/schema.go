package store

import (
	"context"
	"database/sql"
	"fmt"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_id        TEXT         PRIMARY KEY,
    state          TEXT         NOT NULL,
    last_sequence  BIGINT       NOT NULL DEFAULT -1,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// uq_call_sequence is load-bearing: it is the storage-level idempotence
// guarantee for packet ingestion.
const ddlCallPackets = `
CREATE TABLE IF NOT EXISTS call_packets (
    id           BIGSERIAL        PRIMARY KEY,
    call_id      TEXT             NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
    sequence     BIGINT           NOT NULL,
    data         TEXT             NOT NULL,
    timestamp    DOUBLE PRECISION NOT NULL,
    received_at  TIMESTAMPTZ      NOT NULL DEFAULT now(),
    CONSTRAINT uq_call_sequence UNIQUE (call_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_call_packets_call_id
    ON call_packets (call_id);
`

const ddlCallAIResults = `
CREATE TABLE IF NOT EXISTS call_ai_results (
    call_id        TEXT         PRIMARY KEY REFERENCES calls (call_id) ON DELETE CASCADE,
    transcript     TEXT         NOT NULL DEFAULT '',
    sentiment      TEXT         NOT NULL DEFAULT '',
    status         TEXT         NOT NULL DEFAULT 'pending',
    retry_count    INT          NOT NULL DEFAULT 0,
    last_retry_at  TIMESTAMPTZ,
    completed_at   TIMESTAMPTZ,
    error_message  TEXT         NOT NULL DEFAULT ''
);
`

// Migrate applies the schema. All statements are idempotent so the service
// can run it unconditionally at startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, ddl := range []string{ddlCalls, ddlCallPackets, ddlCallAIResults} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("store: migrate failed: %w", err)
		}
	}
	return nil
}
