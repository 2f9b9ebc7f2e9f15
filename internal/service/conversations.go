package service

import (
	"context"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/store"
)

type ConversationService struct {
	store *store.Store
}

func NewConversationService(st *store.Store) *ConversationService {
	return &ConversationService{store: st}
}

// CreateDirect opens (or returns) the direct conversation between the
// requester and another user.
func (s *ConversationService) CreateDirect(ctx context.Context, requesterID, otherUserID string) (*domain.ConversationSummary, error) {
	if otherUserID == requesterID {
		return nil, domain.ErrInvalidTarget()
	}
	if _, err := s.store.GetUserByID(ctx, otherUserID); err != nil {
		return nil, err
	}

	conv, _, err := s.store.GetOrCreateDirectConversation(ctx, requesterID, otherUserID)
	if err != nil {
		return nil, err
	}

	summary := conv.Summary()
	memberIDs, err := s.store.ConversationMemberIDs(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	summary.MemberIDs = memberIDs
	summaries := []domain.ConversationSummary{summary}
	if err := s.attachMembers(ctx, summaries); err != nil {
		return nil, err
	}
	return &summaries[0], nil
}

// List returns the requester's conversations with hydrated member profiles,
// most recently active first.
func (s *ConversationService) List(ctx context.Context, requesterID string) ([]domain.ConversationSummary, error) {
	summaries, err := s.store.ListUserConversations(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if err := s.attachMembers(ctx, summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// RequireMembership gates conversation access. Non-members get the same
// not-found as a missing conversation, so membership is not probeable.
func (s *ConversationService) RequireMembership(ctx context.Context, conversationID, userID string) error {
	ok, err := s.store.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrConversationNotFound()
	}
	return nil
}

// attachMembers fills Members from MemberIDs in one lookup. Co-members of
// the requester's own conversations are visible by definition.
func (s *ConversationService) attachMembers(ctx context.Context, summaries []domain.ConversationSummary) error {
	ids := []string{}
	for _, c := range summaries {
		ids = append(ids, c.MemberIDs...)
	}
	if len(ids) == 0 {
		return nil
	}
	users, err := s.store.GetUsersByIDs(ctx, uniqueStrings(ids))
	if err != nil {
		return err
	}
	byID := make(map[string]domain.UserPublic, len(users))
	for _, u := range users {
		byID[u.ID] = u.Public()
	}
	for i := range summaries {
		members := make([]domain.UserPublic, 0, len(summaries[i].MemberIDs))
		for _, id := range summaries[i].MemberIDs {
			if p, ok := byID[id]; ok {
				members = append(members, p)
			}
		}
		summaries[i].Members = members
	}
	return nil
}
