package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/baechuer/messenger-server/internal/domain"
)

const refreshTokenColumns = `id, user_id, token_hash, issued_at, expires_at, revoked_at, replaced_by_token_id`

func scanRefreshToken(row rowScanner) (*domain.RefreshToken, error) {
	var (
		t          domain.RefreshToken
		revokedAt  sql.NullTime
		replacedBy sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &revokedAt, &replacedBy); err != nil {
		return nil, err
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.RevokedAt = timePtr(revokedAt)
	if replacedBy.Valid {
		id := replacedBy.Int64
		t.ReplacedByTokenID = &id
	}
	return &t, nil
}

// InsertRefreshToken stores the hash of a freshly issued refresh token.
func (s *Store) InsertRefreshToken(ctx context.Context, userID, tokenHash string, issuedAt, expiresAt time.Time) (*domain.RefreshToken, error) {
	return s.insertRefreshToken(ctx, s.db, userID, tokenHash, issuedAt, expiresAt)
}

func (s *Store) insertRefreshToken(ctx context.Context, q querier, userID, tokenHash string, issuedAt, expiresAt time.Time) (*domain.RefreshToken, error) {
	t := &domain.RefreshToken{
		UserID:    userID,
		TokenHash: tokenHash,
		IssuedAt:  issuedAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
	}
	err := q.QueryRowContext(ctx, s.q(`
		INSERT INTO refresh_tokens (user_id, token_hash, issued_at, expires_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`),
		t.UserID, t.TokenHash, t.IssuedAt, t.ExpiresAt).Scan(&t.ID)
	if err != nil {
		return nil, fmt.Errorf("insert refresh token: %w", err)
	}
	return t, nil
}

// GetRefreshTokenByHash looks a token up by its stored hash; unknown hashes
// return (nil, nil).
func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = ?`),
		tokenHash)
	t, err := scanRefreshToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return t, nil
}

// RotateRefreshToken revokes the current token and issues its replacement in
// one transaction, linking old to new for audit.
func (s *Store) RotateRefreshToken(ctx context.Context, currentID int64, userID, newHash string, issuedAt, expiresAt time.Time) (*domain.RefreshToken, error) {
	var next *domain.RefreshToken
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := s.insertRefreshToken(ctx, tx, userID, newHash, issuedAt, expiresAt)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE refresh_tokens
			SET revoked_at = ?, replaced_by_token_id = ?
			WHERE id = ?`),
			issuedAt.UTC(), t.ID, currentID); err != nil {
			return fmt.Errorf("revoke rotated token: %w", err)
		}
		next = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// RevokeRefreshToken marks the token revoked; already-revoked rows are left
// untouched.
func (s *Store) RevokeRefreshToken(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.q(`
		UPDATE refresh_tokens
		SET revoked_at = ?
		WHERE id = ? AND revoked_at IS NULL`),
		at.UTC(), id); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}
