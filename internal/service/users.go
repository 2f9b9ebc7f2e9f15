package service

import (
	"context"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/store"
)

type UserService struct {
	store *store.Store
}

func NewUserService(st *store.Store) *UserService {
	return &UserService{store: st}
}

func (s *UserService) Me(ctx context.Context, userID string) (*domain.User, error) {
	return s.store.GetUserByID(ctx, userID)
}

// Search matches other users by username or display name.
func (s *UserService) Search(ctx context.Context, requesterID, query string, limit int) ([]domain.UserPublic, error) {
	users, err := s.store.SearchUsers(ctx, requesterID, query, limit)
	if err != nil {
		return nil, err
	}
	return publicProfiles(users), nil
}

// Batch hydrates the requested ids under conversation-scoped visibility:
// the requester plus anyone sharing a conversation with them. Ids outside
// that scope are dropped, not errored.
func (s *UserService) Batch(ctx context.Context, requesterID string, ids []string) ([]domain.UserPublic, error) {
	visible, err := s.store.GetVisibleUsersByIDs(ctx, requesterID, uniqueStrings(ids))
	if err != nil {
		return nil, err
	}
	return publicProfiles(visible), nil
}

func publicProfiles(users []domain.User) []domain.UserPublic {
	out := make([]domain.UserPublic, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
