package store

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/messenger-server/internal/domain"
)

func seedOutboxEvent(t *testing.T, s *Store, conversationID string, seq int64, at time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.insertOutboxEvent(ctx, tx, domain.EventMessageCreated, conversationID, seq, at, map[string]any{"id": "m"})
	})
	require.NoError(t, err)

	var id int64
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM realtime_outbox_events`).Scan(&id))
	return id
}

func TestDueEvents_FiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := seedOutboxEvent(t, s, "conv-1", 1, now.Add(-2*time.Second))
	second := seedOutboxEvent(t, s, "conv-1", 2, now.Add(-1*time.Second))
	published := seedOutboxEvent(t, s, "conv-1", 3, now.Add(-1*time.Second))
	future := seedOutboxEvent(t, s, "conv-1", 4, now.Add(-1*time.Second))

	_, err := s.db.ExecContext(ctx, s.q(`UPDATE realtime_outbox_events SET published_at = ? WHERE id = ?`), now, published)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, s.q(`UPDATE realtime_outbox_events SET next_attempt_at = ? WHERE id = ?`), now.Add(time.Hour), future)
	require.NoError(t, err)

	var due []domain.OutboxEvent
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		due, err = s.DueEvents(ctx, tx, now, 50)
		return err
	}))

	// Published and not-yet-due rows are invisible; the rest come back in
	// insert order.
	require.Len(t, due, 2)
	assert.Equal(t, first, due[0].ID)
	assert.Equal(t, second, due[1].ID)
}

func TestDueEvents_RespectsBatchLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		seedOutboxEvent(t, s, "conv-1", int64(i+1), now.Add(-time.Second))
	}

	var due []domain.OutboxEvent
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		due, err = s.DueEvents(ctx, tx, now, 3)
		return err
	}))
	assert.Len(t, due, 3)
}

func TestMarkEventPublished_ClearsErrorKeepsAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id := seedOutboxEvent(t, s, "conv-1", 1, now.Add(-time.Second))

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.MarkEventFailed(ctx, tx, id, now.Add(time.Second), "fanout unavailable")
	}))
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.MarkEventPublished(ctx, tx, id, now)
	}))

	var (
		publishedAt sql.NullTime
		attempts    int
		lastError   sql.NullString
	)
	require.NoError(t, s.db.QueryRowContext(ctx,
		s.q(`SELECT published_at, attempts, last_error FROM realtime_outbox_events WHERE id = ?`), id).
		Scan(&publishedAt, &attempts, &lastError))
	assert.True(t, publishedAt.Valid)
	assert.Equal(t, 1, attempts)
	assert.False(t, lastError.Valid)
}

func TestMarkEventFailed_BumpsAttemptsAndTruncatesError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id := seedOutboxEvent(t, s, "conv-1", 1, now.Add(-time.Second))
	next := now.Add(2 * time.Second)
	long := strings.Repeat("e", 1500)

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.MarkEventFailed(ctx, tx, id, next, long)
	}))
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.MarkEventFailed(ctx, tx, id, next, long)
	}))

	var (
		attempts  int
		lastError string
	)
	require.NoError(t, s.db.QueryRowContext(ctx,
		s.q(`SELECT attempts, last_error FROM realtime_outbox_events WHERE id = ?`), id).
		Scan(&attempts, &lastError))
	assert.Equal(t, 2, attempts)
	assert.Len(t, lastError, lastErrorMaxLen)
}

func TestPendingOutboxCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedOutboxEvent(t, s, "conv-1", 1, now)
	id := seedOutboxEvent(t, s, "conv-1", 2, now)

	n, err := s.PendingOutboxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.MarkEventPublished(ctx, tx, id, now)
	}))

	n, err = s.PendingOutboxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
