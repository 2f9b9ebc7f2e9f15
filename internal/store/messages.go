package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baechuer/messenger-server/internal/domain"
)

const messageColumns = `id, conversation_id, sender_id, client_message_id, seq, content, created_at`

func scanMessage(row rowScanner) (*domain.Message, error) {
	var m domain.Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ClientMessageID, &m.Seq, &m.Content, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

type SendMessageInput struct {
	ConversationID  string
	SenderID        string
	ClientMessageID string
	Content         string
}

// Bounded retries cover seq races on engines without row locks; each retry
// re-reads the counter in a fresh transaction.
const sendMessageMaxRetries = 5

// SendMessage appends a message in one transaction: allocate the next seq,
// insert the row, refresh the conversation preview and record the two outbox
// events. Replays of the same (sender, client_message_id) return the stored
// message with created=false; reusing the id in a different conversation is
// rejected.
func (s *Store) SendMessage(ctx context.Context, in SendMessageInput) (*domain.Message, bool, error) {
	var lastErr error
	for attempt := 0; attempt < sendMessageMaxRetries; attempt++ {
		msg, created, err := s.trySendMessage(ctx, in)
		if err == nil {
			return msg, created, nil
		}
		if !isUniqueViolation(err) {
			return nil, false, err
		}
		lastErr = err
		// The insert lost a race. If the same client message id landed in a
		// parallel request, resolve it as a replay; a seq collision just
		// retries against the advanced counter.
		existing, qerr := s.messageBySenderKey(ctx, s.db, in.SenderID, in.ClientMessageID)
		if qerr != nil {
			return nil, false, qerr
		}
		if existing != nil {
			if existing.ConversationID != in.ConversationID {
				return nil, false, domain.ErrClientMessageConflict()
			}
			return existing, false, nil
		}
	}
	return nil, false, fmt.Errorf("send message: retries exhausted: %w", lastErr)
}

func (s *Store) trySendMessage(ctx context.Context, in SendMessageInput) (*domain.Message, bool, error) {
	var (
		msg     *domain.Message
		created bool
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.messageBySenderKey(ctx, tx, in.SenderID, in.ClientMessageID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.ConversationID != in.ConversationID {
				return domain.ErrClientMessageConflict()
			}
			msg = existing
			return nil
		}

		seq, err := s.allocateSeq(ctx, tx, in.ConversationID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		m := &domain.Message{
			ID:              uuid.NewString(),
			ConversationID:  in.ConversationID,
			SenderID:        in.SenderID,
			ClientMessageID: in.ClientMessageID,
			Seq:             seq,
			Content:         in.Content,
			CreatedAt:       now,
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO messages (id, conversation_id, sender_id, client_message_id, seq, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			m.ID, m.ConversationID, m.SenderID, m.ClientMessageID, m.Seq, m.Content, m.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		preview := domain.TruncatePreview(in.Content)
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE conversations
			SET updated_at = ?, last_message_at = ?, last_message_preview = ?
			WHERE id = ?`),
			now, now, preview, in.ConversationID); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}

		createdAt := now.Format(time.RFC3339Nano)
		if err := s.insertOutboxEvent(ctx, tx, domain.EventMessageCreated, in.ConversationID, m.Seq, now, map[string]any{
			"id":                m.ID,
			"sender_id":         m.SenderID,
			"client_message_id": m.ClientMessageID,
			"content":           m.Content,
			"created_at":        createdAt,
		}); err != nil {
			return err
		}
		if err := s.insertOutboxEvent(ctx, tx, domain.EventConversationUpdated, in.ConversationID, m.Seq, now, map[string]any{
			"id":                   in.ConversationID,
			"updated_at":           createdAt,
			"last_message_preview": preview,
			"last_message_at":      createdAt,
		}); err != nil {
			return err
		}

		msg = m
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return msg, created, nil
}

// allocateSeq hands out the next sequence number for the conversation,
// creating the counter row on first use. Postgres serializes allocators with
// a row lock; on SQLite the immediate transaction already holds the write
// lock. The (conversation_id, seq) unique constraint backstops both.
func (s *Store) allocateSeq(ctx context.Context, tx *sql.Tx, conversationID string) (int64, error) {
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO conversation_counters (conversation_id, next_seq)
		VALUES (?, 1)
		ON CONFLICT (conversation_id) DO NOTHING`),
		conversationID); err != nil {
		return 0, fmt.Errorf("ensure counter: %w", err)
	}

	var seq int64
	query := s.forUpdate(s.q(`SELECT next_seq FROM conversation_counters WHERE conversation_id = ?`))
	if err := tx.QueryRowContext(ctx, query, conversationID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE conversation_counters SET next_seq = next_seq + 1 WHERE conversation_id = ?`),
		conversationID); err != nil {
		return 0, fmt.Errorf("advance counter: %w", err)
	}
	return seq, nil
}

func (s *Store) messageBySenderKey(ctx context.Context, q querier, senderID, clientMessageID string) (*domain.Message, error) {
	row := q.QueryRowContext(ctx, s.q(`
		SELECT `+messageColumns+` FROM messages
		WHERE sender_id = ? AND client_message_id = ?`),
		senderID, clientMessageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message by client id: %w", err)
	}
	return m, nil
}

// ListMessages pages through a conversation in seq order, strictly after
// afterSeq.
func (s *Store) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`),
		conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListRecentMessages returns the newest messages across the given
// conversations, newest first, capped at limit.
func (s *Store) ListRecentMessages(ctx context.Context, conversationIDs []string, limit int) ([]domain.Message, error) {
	if len(conversationIDs) == 0 {
		return []domain.Message{}, nil
	}
	args := append(toAnySlice(conversationIDs), limit)
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id IN (`+placeholders(len(conversationIDs))+`)
		ORDER BY created_at DESC
		LIMIT ?`),
		args...)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]domain.Message, error) {
	messages := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}
