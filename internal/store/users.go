package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/baechuer/messenger-server/internal/domain"
)

const userColumns = `id, username, display_name, password_hash, created_at`

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// CreateUser inserts u, filling in ID and CreatedAt. A username collision
// returns domain.ErrUsernameTaken without surfacing a driver error.
func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	u.ID = uuid.NewString()
	u.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (id, username, display_name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (username) DO NOTHING`),
		u.ID, u.Username, u.DisplayName, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if affected == 0 {
		return domain.ErrUsernameTaken()
	}
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE username = ?`), username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

// SearchUsers matches query case-insensitively against username and display
// name, excluding the requester from the results.
func (s *Store) SearchUsers(ctx context.Context, requesterID, query string, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+userColumns+` FROM users
		WHERE id <> ? AND (LOWER(username) LIKE ? OR LOWER(display_name) LIKE ?)
		ORDER BY username ASC
		LIMIT ?`),
		requesterID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

// GetUsersByIDs returns the users that exist among ids, ordered by username.
// Missing ids are silently skipped.
func (s *Store) GetUsersByIDs(ctx context.Context, ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return []domain.User{}, nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+userColumns+` FROM users
		WHERE id IN (`+placeholders(len(ids))+`)
		ORDER BY username ASC`),
		toAnySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get users by ids: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

// GetVisibleUsersByIDs is GetUsersByIDs restricted to users the requester is
// allowed to see: themselves, plus anyone who shares a conversation with them.
func (s *Store) GetVisibleUsersByIDs(ctx context.Context, requesterID string, ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return []domain.User{}, nil
	}
	args := append(toAnySlice(ids), requesterID, requesterID)
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+userColumns+` FROM users
		WHERE id IN (`+placeholders(len(ids))+`)
		  AND (id = ? OR id IN (
			SELECT cm.user_id FROM conversation_members cm
			WHERE cm.conversation_id IN (
				SELECT conversation_id FROM conversation_members WHERE user_id = ?)))
		ORDER BY username ASC`),
		args...)
	if err != nil {
		return nil, fmt.Errorf("get visible users: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]domain.User, error) {
	users := []domain.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}
