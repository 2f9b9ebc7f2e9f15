package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baechuer/messenger-server/internal/domain"
)

const outboxColumns = `id, event_id, event_type, conversation_id, payload_json, created_at, published_at, attempts, next_attempt_at, last_error`

const lastErrorMaxLen = 1000

// canonicalEventBody serializes the outbox envelope with sorted keys and no
// insignificant whitespace, so equal events are byte-equal.
func canonicalEventBody(seq int64, occurredAt time.Time, payload map[string]any) (string, error) {
	body := map[string]any{
		"seq":         seq,
		"occurred_at": occurredAt.UTC().Format(time.RFC3339Nano),
		"payload":     payload,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode event payload: %w", err)
	}
	return string(b), nil
}

func (s *Store) insertOutboxEvent(ctx context.Context, tx *sql.Tx, eventType, conversationID string, seq int64, occurredAt time.Time, payload map[string]any) error {
	body, err := canonicalEventBody(seq, occurredAt, payload)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO realtime_outbox_events
			(event_id, event_type, conversation_id, payload_json, created_at, attempts, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`),
		uuid.NewString(), eventType, conversationID, body, occurredAt, occurredAt); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func scanOutboxEvent(row rowScanner) (*domain.OutboxEvent, error) {
	var (
		ev          domain.OutboxEvent
		publishedAt sql.NullTime
		lastError   sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.EventID, &ev.EventType, &ev.ConversationID, &ev.PayloadJSON,
		&ev.CreatedAt, &publishedAt, &ev.Attempts, &ev.NextAttemptAt, &lastError); err != nil {
		return nil, err
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.NextAttemptAt = ev.NextAttemptAt.UTC()
	ev.PublishedAt = timePtr(publishedAt)
	ev.LastError = stringPtr(lastError)
	return &ev, nil
}

// DueEvents returns unpublished events whose next attempt is due, oldest
// insert first. Runs inside the dispatcher transaction; on Postgres the rows
// are claimed with SKIP LOCKED so parallel dispatchers never double-publish.
func (s *Store) DueEvents(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	query := s.forUpdateSkipLocked(s.q(`
		SELECT ` + outboxColumns + ` FROM realtime_outbox_events
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY id ASC
		LIMIT ?`))
	rows, err := tx.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due events: %w", err)
	}
	defer rows.Close()

	events := []domain.OutboxEvent{}
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}
	return events, nil
}

// MarkEventPublished records a successful publish and clears any stale error.
// Attempts is left as is.
func (s *Store) MarkEventPublished(ctx context.Context, tx *sql.Tx, id int64, at time.Time) error {
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE realtime_outbox_events
		SET published_at = ?, last_error = NULL
		WHERE id = ?`),
		at.UTC(), id); err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	return nil
}

// MarkEventFailed bumps attempts and schedules the retry.
func (s *Store) MarkEventFailed(ctx context.Context, tx *sql.Tx, id int64, nextAttemptAt time.Time, lastError string) error {
	if r := []rune(lastError); len(r) > lastErrorMaxLen {
		lastError = string(r[:lastErrorMaxLen])
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE realtime_outbox_events
		SET attempts = attempts + 1, next_attempt_at = ?, last_error = ?
		WHERE id = ?`),
		nextAttemptAt.UTC(), lastError, id); err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}

// PendingOutboxCount counts events not yet published, due or not.
func (s *Store) PendingOutboxCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM realtime_outbox_events WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return n, nil
}
