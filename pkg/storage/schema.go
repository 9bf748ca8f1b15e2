package storage

import (
	"context"
	"fmt"

	"github.com/cuemby/courier/pkg/log"
)

// schema is the broker's full DDL. Statements are idempotent so repeated
// migrations are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS queues (
		name                TEXT PRIMARY KEY,
		type                TEXT NOT NULL DEFAULT 'standard',
		ack_timeout_seconds INTEGER NOT NULL DEFAULT 30,
		max_attempts        INTEGER NOT NULL DEFAULT 3,
		partition_interval  TEXT,
		retention_seconds   BIGINT NOT NULL DEFAULT 0,
		description         TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id                  TEXT PRIMARY KEY,
		queue               TEXT NOT NULL REFERENCES queues(name) ON UPDATE CASCADE,
		type                TEXT,
		priority            INTEGER NOT NULL DEFAULT 0,
		payload             BYTEA,
		payload_size        INTEGER NOT NULL DEFAULT 0,
		status              TEXT NOT NULL DEFAULT 'queued',
		attempt_count       INTEGER NOT NULL DEFAULT 0,
		custom_max_attempts INTEGER,
		custom_ack_timeout  INTEGER,
		consumer_id         TEXT,
		lock_token          TEXT,
		locked_at           TIMESTAMPTZ,
		locked_until        TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		acknowledged_at     TIMESTAMPTZ,
		error_reason        TEXT,
		prev_consumer_id    TEXT,
		prev_lock_token     TEXT
	)`,

	// Serves the claim query's (status, priority desc, created_at asc) scan
	`CREATE INDEX IF NOT EXISTS idx_messages_claim
		ON messages (queue, status, priority DESC, created_at ASC)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_locked_until
		ON messages (locked_until) WHERE status = 'processing'`,

	`CREATE INDEX IF NOT EXISTS idx_messages_acknowledged_at
		ON messages (queue, acknowledged_at) WHERE status = 'acknowledged'`,

	`CREATE TABLE IF NOT EXISTS activity_log (
		log_id                   BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		message_id               TEXT,
		action                   TEXT NOT NULL,
		timestamp                TIMESTAMPTZ NOT NULL DEFAULT now(),
		queue                    TEXT NOT NULL,
		source_queue             TEXT,
		dest_queue               TEXT,
		source_status            TEXT,
		dest_status              TEXT,
		priority                 INTEGER NOT NULL DEFAULT 0,
		message_type             TEXT,
		consumer_id              TEXT,
		prev_consumer_id         TEXT,
		lock_token               TEXT,
		prev_lock_token          TEXT,
		attempt_count            INTEGER NOT NULL DEFAULT 0,
		max_attempts             INTEGER NOT NULL DEFAULT 0,
		attempts_remaining       INTEGER NOT NULL DEFAULT 0,
		message_created_at       TIMESTAMPTZ,
		message_age_ms           BIGINT NOT NULL DEFAULT 0,
		time_in_queue_ms         BIGINT NOT NULL DEFAULT 0,
		processing_time_ms       BIGINT NOT NULL DEFAULT 0,
		total_processing_time_ms BIGINT NOT NULL DEFAULT 0,
		payload_size_bytes       INTEGER NOT NULL DEFAULT 0,
		queue_depth              INTEGER NOT NULL DEFAULT 0,
		processing_depth         INTEGER NOT NULL DEFAULT 0,
		dlq_depth                INTEGER NOT NULL DEFAULT 0,
		error_reason             TEXT,
		error_code               TEXT,
		triggered_by             TEXT,
		user_id                  TEXT,
		reason                   TEXT,
		batch_id                 TEXT,
		batch_size               INTEGER NOT NULL DEFAULT 0,
		prev_action              TEXT,
		prev_timestamp           TIMESTAMPTZ,
		payload_snapshot         BYTEA,
		anomaly_type             TEXT,
		anomaly_severity         TEXT,
		anomaly_details          JSONB
	)`,

	`CREATE INDEX IF NOT EXISTS idx_activity_message
		ON activity_log (message_id, log_id DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_activity_queue_time
		ON activity_log (queue, timestamp)`,

	`CREATE INDEX IF NOT EXISTS idx_activity_anomaly
		ON activity_log (anomaly_severity) WHERE anomaly_type IS NOT NULL`,
}

// InitSchema applies the broker schema to the connected database
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	logger := log.WithComponent("storage-migrate")

	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", classify(err))
		}
	}

	logger.Info().Msg("schema up to date")
	return nil
}
