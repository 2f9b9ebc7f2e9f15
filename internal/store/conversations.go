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

const conversationColumns = `id, type, created_at, updated_at, last_message_preview, last_message_at`

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var (
		c       domain.Conversation
		preview sql.NullString
		lastAt  sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Type, &c.CreatedAt, &c.UpdatedAt, &preview, &lastAt); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.LastMessagePreview = stringPtr(preview)
	c.LastMessageAt = timePtr(lastAt)
	return &c, nil
}

// GetOrCreateDirectConversation returns the direct conversation between the
// two users, creating it (with both memberships and the seq counter) when it
// does not exist yet. The boolean reports whether a new row was created.
func (s *Store) GetOrCreateDirectConversation(ctx context.Context, userA, userB string) (*domain.Conversation, bool, error) {
	if c, err := s.findDirectConversation(ctx, s.db, userA, userB); err != nil {
		return nil, false, err
	} else if c != nil {
		return c, false, nil
	}

	var conv *domain.Conversation
	created := false
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		// Look again inside the transaction; a concurrent request may have
		// created the pair between the check above and here.
		c, err := s.findDirectConversation(ctx, tx, userA, userB)
		if err != nil {
			return err
		}
		if c != nil {
			conv = c
			return nil
		}

		now := time.Now().UTC()
		c = &domain.Conversation{
			ID:        uuid.NewString(),
			Type:      domain.ConversationTypeDirect,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO conversations (id, type, created_at, updated_at)
			VALUES (?, ?, ?, ?)`),
			c.ID, c.Type, c.CreatedAt, c.UpdatedAt); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		for _, userID := range []string{userA, userB} {
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO conversation_members (conversation_id, user_id, role, joined_at)
				VALUES (?, ?, ?, ?)`),
				c.ID, userID, domain.RoleMember, now); err != nil {
				return fmt.Errorf("insert membership: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO conversation_counters (conversation_id, next_seq) VALUES (?, 1)`),
			c.ID); err != nil {
			return fmt.Errorf("insert counter: %w", err)
		}
		conv = c
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) findDirectConversation(ctx context.Context, q querier, userA, userB string) (*domain.Conversation, error) {
	row := q.QueryRowContext(ctx, s.q(`
		SELECT `+conversationColumns+` FROM conversations
		WHERE type = ? AND id IN (
			SELECT conversation_id FROM conversation_members
			WHERE user_id IN (?, ?)
			GROUP BY conversation_id
			HAVING COUNT(*) = 2 AND COUNT(DISTINCT user_id) = 2)
		LIMIT 1`),
		domain.ConversationTypeDirect, userA, userB)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConversationNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = ? AND user_id = ?)`),
		conversationID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

// MemberConversationIDs lists every conversation the user belongs to.
func (s *Store) MemberConversationIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT conversation_id FROM conversation_members WHERE user_id = ?`), userID)
	if err != nil {
		return nil, fmt.Errorf("list member conversations: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

// FilterMemberConversations returns the subset of ids the user is a member
// of, as a set.
func (s *Store) FilterMemberConversations(ctx context.Context, userID string, ids []string) (map[string]bool, error) {
	member := map[string]bool{}
	if len(ids) == 0 {
		return member, nil
	}
	args := append([]any{userID}, toAnySlice(ids)...)
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT conversation_id FROM conversation_members
		WHERE user_id = ? AND conversation_id IN (`+placeholders(len(ids))+`)`),
		args...)
	if err != nil {
		return nil, fmt.Errorf("filter member conversations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		member[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return member, nil
}

// ConversationMemberIDs lists the members of one conversation, sorted by id.
func (s *Store) ConversationMemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY user_id ASC`),
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list conversation members: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

// ListUserConversations returns the user's conversations, most recently
// active first, with member ids attached.
func (s *Store) ListUserConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT c.id, c.type, c.created_at, c.updated_at, c.last_message_preview, c.last_message_at
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = ?
		ORDER BY COALESCE(c.last_message_at, c.updated_at) DESC`),
		userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := []domain.ConversationSummary{}
	ids := []string{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		summaries = append(summaries, c.Summary())
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	if len(summaries) == 0 {
		return summaries, nil
	}

	members, err := s.memberIDsByConversation(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range summaries {
		summaries[i].MemberIDs = members[summaries[i].ID]
		if summaries[i].MemberIDs == nil {
			summaries[i].MemberIDs = []string{}
		}
	}
	return summaries, nil
}

func (s *Store) memberIDsByConversation(ctx context.Context, conversationIDs []string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT conversation_id, user_id FROM conversation_members
		WHERE conversation_id IN (`+placeholders(len(conversationIDs))+`)
		ORDER BY user_id ASC`),
		toAnySlice(conversationIDs)...)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := map[string][]string{}
	for rows.Next() {
		var convID, userID string
		if err := rows.Scan(&convID, &userID); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		members[convID] = append(members[convID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
