package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migrations run in order inside one transaction each. Applied versions are
// recorded in schema_version; never reorder or edit an entry after it has
// shipped, append a new one.
var migrations = []func(ctx context.Context, tx *sql.Tx, d Dialect) error{
	migrateInitialSchema,
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for i, migrate := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			if err := migrate(ctx, tx, s.dialect); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, s.q(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`),
				version, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
	}
	return nil
}

func migrateInitialSchema(ctx context.Context, tx *sql.Tx, d Dialect) error {
	stmts := initialSchemaSQLite
	if d == DialectPostgres {
		stmts = initialSchemaPostgres
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}

// The two scripts must stay column-for-column identical; only type spellings
// and autoincrement syntax differ.
var initialSchemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL,
		display_name  TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		CONSTRAINT uq_users_username UNIQUE (username)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id                   TEXT PRIMARY KEY,
		type                 TEXT NOT NULL DEFAULT 'direct',
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL,
		last_message_preview TEXT,
		last_message_at      TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role            TEXT NOT NULL DEFAULT 'member',
		joined_at       TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_conversation_members_user_id ON conversation_members (user_id)`,
	`CREATE TABLE IF NOT EXISTS conversation_counters (
		conversation_id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
		next_seq        BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id                TEXT PRIMARY KEY,
		conversation_id   TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id         TEXT NOT NULL REFERENCES users(id),
		client_message_id TEXT NOT NULL,
		seq               BIGINT NOT NULL,
		content           TEXT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		CONSTRAINT uq_messages_sender_client UNIQUE (sender_id, client_message_id),
		CONSTRAINT uq_messages_conversation_seq UNIQUE (conversation_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS realtime_outbox_events (
		id              BIGSERIAL PRIMARY KEY,
		event_id        TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		payload_json    TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		published_at    TIMESTAMPTZ,
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL,
		last_error      TEXT,
		CONSTRAINT uq_realtime_outbox_events_event_id UNIQUE (event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_realtime_outbox_pending
		ON realtime_outbox_events (next_attempt_at) WHERE published_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id                   BIGSERIAL PRIMARY KEY,
		user_id              TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash           TEXT NOT NULL,
		issued_at            TIMESTAMPTZ NOT NULL,
		expires_at           TIMESTAMPTZ NOT NULL,
		revoked_at           TIMESTAMPTZ,
		replaced_by_token_id BIGINT REFERENCES refresh_tokens(id),
		CONSTRAINT uq_refresh_tokens_token_hash UNIQUE (token_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_refresh_tokens_user_id ON refresh_tokens (user_id)`,
}

var initialSchemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL,
		display_name  TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL,
		CONSTRAINT uq_users_username UNIQUE (username)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id                   TEXT PRIMARY KEY,
		type                 TEXT NOT NULL DEFAULT 'direct',
		created_at           TIMESTAMP NOT NULL,
		updated_at           TIMESTAMP NOT NULL,
		last_message_preview TEXT,
		last_message_at      TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role            TEXT NOT NULL DEFAULT 'member',
		joined_at       TIMESTAMP NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_conversation_members_user_id ON conversation_members (user_id)`,
	`CREATE TABLE IF NOT EXISTS conversation_counters (
		conversation_id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
		next_seq        BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id                TEXT PRIMARY KEY,
		conversation_id   TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id         TEXT NOT NULL REFERENCES users(id),
		client_message_id TEXT NOT NULL,
		seq               BIGINT NOT NULL,
		content           TEXT NOT NULL,
		created_at        TIMESTAMP NOT NULL,
		CONSTRAINT uq_messages_sender_client UNIQUE (sender_id, client_message_id),
		CONSTRAINT uq_messages_conversation_seq UNIQUE (conversation_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS realtime_outbox_events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id        TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		payload_json    TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		published_at    TIMESTAMP,
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMP NOT NULL,
		last_error      TEXT,
		CONSTRAINT uq_realtime_outbox_events_event_id UNIQUE (event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_realtime_outbox_pending
		ON realtime_outbox_events (next_attempt_at) WHERE published_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id              TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash           TEXT NOT NULL,
		issued_at            TIMESTAMP NOT NULL,
		expires_at           TIMESTAMP NOT NULL,
		revoked_at           TIMESTAMP,
		replaced_by_token_id BIGINT REFERENCES refresh_tokens(id),
		CONSTRAINT uq_refresh_tokens_token_hash UNIQUE (token_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_refresh_tokens_user_id ON refresh_tokens (user_id)`,
}
