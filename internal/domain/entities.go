package domain

import "time"

const ConversationTypeDirect = "direct"

const RoleMember = "member"

// Realtime outbox event types.
const (
	EventMessageCreated      = "message.created"
	EventConversationUpdated = "conversation.updated"
)

// PreviewMaxLength bounds conversation last_message_preview, in code points.
const PreviewMaxLength = 280

type User struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserPublic is the client-visible projection of a user.
type UserPublic struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

func (u User) Public() UserPublic {
	return UserPublic{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
	}
}

type Conversation struct {
	ID                 string
	Type               string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastMessagePreview *string
	LastMessageAt      *time.Time
}

// Summary projects the conversation into its list shape, members not yet
// attached.
func (c Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:                 c.ID,
		Type:               c.Type,
		UpdatedAt:          c.UpdatedAt,
		LastMessagePreview: c.LastMessagePreview,
		LastMessageAt:      c.LastMessageAt,
		MemberIDs:          []string{},
		Members:            []UserPublic{},
	}
}

// ConversationSummary is a conversation as listed for one requester,
// carrying the member ids and, where hydrated, the member profiles.
type ConversationSummary struct {
	ID                 string       `json:"id"`
	Type               string       `json:"type"`
	UpdatedAt          time.Time    `json:"updated_at"`
	LastMessagePreview *string      `json:"last_message_preview"`
	LastMessageAt      *time.Time   `json:"last_message_at"`
	MemberIDs          []string     `json:"member_ids"`
	Members            []UserPublic `json:"members"`
}

type ConversationMember struct {
	ConversationID string
	UserID         string
	JoinedAt       time.Time
	Role           string
}

type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	SenderID        string    `json:"sender_id"`
	ClientMessageID string    `json:"client_message_id"`
	Seq             int64     `json:"seq"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
}

type RefreshToken struct {
	ID                int64
	UserID            string
	TokenHash         string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	RevokedAt         *time.Time
	ReplacedByTokenID *int64
}

// OutboxEvent is one pending or published realtime event. An event is
// pending iff PublishedAt is nil; the dispatcher picks up rows where
// published_at IS NULL AND next_attempt_at <= now.
type OutboxEvent struct {
	ID             int64
	EventID        string
	EventType      string
	ConversationID string
	PayloadJSON    string
	CreatedAt      time.Time
	PublishedAt    *time.Time
	Attempts       int
	NextAttemptAt  time.Time
	LastError      *string
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// TruncatePreview returns at most PreviewMaxLength code points of content.
func TruncatePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewMaxLength {
		return content
	}
	return string(runes[:PreviewMaxLength])
}
