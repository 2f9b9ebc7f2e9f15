package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/store"
)

const (
	// Bootstrap caps the recent-message window across all conversations;
	// Changes caps per conversation.
	bootstrapRecentLimit        = 200
	changesPerConversationLimit = 100
)

type SyncService struct {
	store         *store.Store
	conversations *ConversationService
}

func NewSyncService(st *store.Store, conversations *ConversationService) *SyncService {
	return &SyncService{store: st, conversations: conversations}
}

// BootstrapView is the first-load snapshot a client renders from.
type BootstrapView struct {
	Me             domain.UserPublic            `json:"me"`
	Users          []domain.UserPublic          `json:"users"`
	Conversations  []domain.ConversationSummary `json:"conversations"`
	RecentMessages []domain.Message             `json:"recent_messages"`
}

// ChangesView carries everything that moved past the client's seq floors.
type ChangesView struct {
	Users         []domain.UserPublic          `json:"users"`
	Conversations []domain.ConversationSummary `json:"conversations"`
	Messages      []domain.Message             `json:"messages"`
}

// Bootstrap assembles the requester's snapshot: profile, conversations in
// activity order, the newest messages across them, and every referenced user.
func (s *SyncService) Bootstrap(ctx context.Context, requesterID string) (*BootstrapView, error) {
	me, err := s.store.GetUserByID(ctx, requesterID)
	if err != nil {
		return nil, err
	}

	conversations, err := s.conversations.List(ctx, requesterID)
	if err != nil {
		return nil, err
	}

	convIDs := make([]string, 0, len(conversations))
	for _, c := range conversations {
		convIDs = append(convIDs, c.ID)
	}
	recent, err := s.store.ListRecentMessages(ctx, convIDs, bootstrapRecentLimit)
	if err != nil {
		return nil, err
	}

	userIDs := []string{requesterID}
	for _, c := range conversations {
		userIDs = append(userIDs, c.MemberIDs...)
	}
	for _, m := range recent {
		userIDs = append(userIDs, m.SenderID)
	}
	users, err := s.store.GetVisibleUsersByIDs(ctx, requesterID, uniqueStrings(userIDs))
	if err != nil {
		return nil, err
	}

	return &BootstrapView{
		Me:             me.Public(),
		Users:          publicProfiles(users),
		Conversations:  conversations,
		RecentMessages: recent,
	}, nil
}

// Changes returns, per membership, the messages past the client's floor
// (missing floors default to zero), the summaries of the conversations that
// moved, and the referenced users.
func (s *SyncService) Changes(ctx context.Context, requesterID, afterSeqRaw string) (*ChangesView, error) {
	floors, err := ParseAfterSeqByConversation(afterSeqRaw)
	if err != nil {
		return nil, err
	}

	conversations, err := s.conversations.List(ctx, requesterID)
	if err != nil {
		return nil, err
	}

	messages := []domain.Message{}
	changed := []domain.ConversationSummary{}
	for _, c := range conversations {
		page, err := s.store.ListMessages(ctx, c.ID, floors[c.ID], changesPerConversationLimit)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			continue
		}
		messages = append(messages, page...)
		changed = append(changed, c)
	}

	userIDs := []string{}
	for _, c := range changed {
		userIDs = append(userIDs, c.MemberIDs...)
	}
	for _, m := range messages {
		userIDs = append(userIDs, m.SenderID)
	}
	users, err := s.store.GetVisibleUsersByIDs(ctx, requesterID, uniqueStrings(userIDs))
	if err != nil {
		return nil, err
	}

	return &ChangesView{
		Users:         publicProfiles(users),
		Conversations: changed,
		Messages:      messages,
	}, nil
}

// ParseAfterSeqByConversation accepts the floor map either as a JSON object
// ({"conversation_id": seq}) or in the compact form "id:seq,id:seq". An empty
// value means no floors.
func ParseAfterSeqByConversation(raw string) (map[string]int64, error) {
	floors := map[string]int64{}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return floors, nil
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err == nil && !dec.More() {
		obj, ok := parsed.(map[string]any)
		if !ok {
			return nil, domain.ErrInvalidAfterSeq("after_seq_by_conversation must be a JSON object")
		}
		for id, v := range obj {
			num, ok := v.(json.Number)
			if !ok {
				return nil, domain.ErrInvalidAfterSeq("seq values must be integers")
			}
			n, err := strconv.ParseInt(num.String(), 10, 64)
			if err != nil || n < 0 {
				return nil, domain.ErrInvalidAfterSeq("seq values must be non-negative integers")
			}
			floors[id] = n
		}
		return floors, nil
	}

	// Compact form. Any malformed pair rejects the whole value.
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, seqStr, ok := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, domain.ErrInvalidAfterSeq("")
		}
		n, err := strconv.ParseInt(strings.TrimSpace(seqStr), 10, 64)
		if err != nil || n < 0 {
			return nil, domain.ErrInvalidAfterSeq("")
		}
		floors[id] = n
	}
	return floors, nil
}
