// Package service holds the application services between transport and
// storage: account lifecycle, conversations, messaging and sync views.
package service

import (
	"context"
	"time"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/security"
	"github.com/baechuer/messenger-server/internal/store"
)

type AuthService struct {
	store      *store.Store
	hasher     *security.BcryptHasher
	tokens     *security.TokenIssuer
	refreshTTL time.Duration
}

func NewAuthService(st *store.Store, hasher *security.BcryptHasher, tokens *security.TokenIssuer, refreshTTL time.Duration) *AuthService {
	return &AuthService{store: st, hasher: hasher, tokens: tokens, refreshTTL: refreshTTL}
}

// Register creates the account and signs the user straight in.
func (s *AuthService) Register(ctx context.Context, username, displayName, password string) (*domain.User, *domain.TokenPair, error) {
	if displayName == "" {
		displayName = username
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, nil, err
	}
	u := &domain.User{Username: username, DisplayName: displayName, PasswordHash: hash}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, nil, err
	}
	pair, err := s.issueTokenPair(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

// Login verifies credentials. Unknown usernames and wrong passwords are
// indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, username, password string) (*domain.User, *domain.TokenPair, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if domain.Is(err, "user_not_found") {
			return nil, nil, domain.ErrInvalidCredentials()
		}
		return nil, nil, err
	}
	if err := s.hasher.Compare(u.PasswordHash, password); err != nil {
		return nil, nil, domain.ErrInvalidCredentials()
	}
	pair, err := s.issueTokenPair(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

// Refresh rotates the presented refresh token: the old one is revoked and
// linked to its successor, and a new pair is issued.
func (s *AuthService) Refresh(ctx context.Context, rawToken string) (*domain.User, *domain.TokenPair, error) {
	current, err := s.store.GetRefreshTokenByHash(ctx, security.HashRefreshToken(rawToken))
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	if current == nil || current.RevokedAt != nil || !now.Before(current.ExpiresAt) {
		return nil, nil, domain.ErrInvalidRefreshToken()
	}

	u, err := s.store.GetUserByID(ctx, current.UserID)
	if err != nil {
		if domain.Is(err, "user_not_found") {
			return nil, nil, domain.ErrInvalidRefreshToken()
		}
		return nil, nil, err
	}

	access, err := s.tokens.SignAccessToken(u.ID)
	if err != nil {
		return nil, nil, err
	}
	nextRaw, err := security.NewRefreshToken()
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.store.RotateRefreshToken(ctx, current.ID, u.ID,
		security.HashRefreshToken(nextRaw), now, now.Add(s.refreshTTL)); err != nil {
		return nil, nil, err
	}

	return u, s.tokenPair(access, nextRaw), nil
}

// Logout revokes the presented refresh token. Unknown or already-revoked
// tokens are a silent no-op; access tokens stay valid until they expire.
func (s *AuthService) Logout(ctx context.Context, rawToken string) error {
	current, err := s.store.GetRefreshTokenByHash(ctx, security.HashRefreshToken(rawToken))
	if err != nil {
		return err
	}
	if current == nil || current.RevokedAt != nil {
		return nil
	}
	return s.store.RevokeRefreshToken(ctx, current.ID, time.Now().UTC())
}

func (s *AuthService) issueTokenPair(ctx context.Context, userID string) (*domain.TokenPair, error) {
	access, err := s.tokens.SignAccessToken(userID)
	if err != nil {
		return nil, err
	}
	raw, err := security.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if _, err := s.store.InsertRefreshToken(ctx, userID, security.HashRefreshToken(raw), now, now.Add(s.refreshTTL)); err != nil {
		return nil, err
	}
	return s.tokenPair(access, raw), nil
}

func (s *AuthService) tokenPair(access, refresh string) *domain.TokenPair {
	return &domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.tokens.TTL().Seconds()),
	}
}
