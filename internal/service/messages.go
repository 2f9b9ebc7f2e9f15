package service

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/store"
)

type MessageService struct {
	store            *store.Store
	conversations    *ConversationService
	maxContentLength int
}

func NewMessageService(st *store.Store, conversations *ConversationService, maxContentLength int) *MessageService {
	return &MessageService{store: st, conversations: conversations, maxContentLength: maxContentLength}
}

// Send appends a message for a conversation member. The content ceiling is
// configured at runtime, so it is enforced here rather than in the static
// request validation.
func (s *MessageService) Send(ctx context.Context, requesterID, conversationID, clientMessageID, content string) (*domain.Message, bool, error) {
	if err := s.conversations.RequireMembership(ctx, conversationID, requesterID); err != nil {
		return nil, false, err
	}
	if n := utf8.RuneCountInString(content); n < 1 || n > s.maxContentLength {
		return nil, false, domain.ErrValidation(map[string]string{
			"content": fmt.Sprintf("content must be between 1 and %d characters", s.maxContentLength),
		})
	}
	return s.store.SendMessage(ctx, store.SendMessageInput{
		ConversationID:  conversationID,
		SenderID:        requesterID,
		ClientMessageID: clientMessageID,
		Content:         content,
	})
}

// History pages a conversation in seq order, strictly after afterSeq.
func (s *MessageService) History(ctx context.Context, requesterID, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	if err := s.conversations.RequireMembership(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, afterSeq, limit)
}
