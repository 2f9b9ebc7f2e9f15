package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/logger"
)

// Publisher turns a stored outbox event into an event frame and fans it
// out to the conversation's subscribers.
type Publisher struct {
	manager *Manager
}

func NewPublisher(m *Manager) *Publisher {
	return &Publisher{manager: m}
}

type eventEnvelope struct {
	Seq        *int64          `json:"seq"`
	OccurredAt *string         `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Publish decodes the event envelope and delivers it. A malformed
// envelope is an error so the dispatcher records the failure instead of
// silently dropping the event.
func (p *Publisher) Publish(ctx context.Context, event *domain.OutboxEvent) (int, error) {
	var env eventEnvelope
	if err := json.Unmarshal([]byte(event.PayloadJSON), &env); err != nil {
		return 0, fmt.Errorf("decode event %s envelope: %w", event.EventID, err)
	}
	if env.Seq == nil || env.OccurredAt == nil || len(env.Payload) == 0 {
		return 0, fmt.Errorf("event %s envelope is missing required fields", event.EventID)
	}
	var payload map[string]any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return 0, fmt.Errorf("event %s payload must be an object: %w", event.EventID, err)
	}
	if payload == nil {
		return 0, fmt.Errorf("event %s payload must be an object", event.EventID)
	}

	frame := EventFrame(event.EventType, event.EventID, event.ConversationID, *env.Seq, *env.OccurredAt, payload)
	delivered := p.manager.Fanout(event.ConversationID, frame)
	logger.Logger.Debug().
		Str("component", "realtime_publisher").
		Str("event_id", event.EventID).
		Str("event_type", event.EventType).
		Str("conversation_id", event.ConversationID).
		Int("delivered", delivered).
		Msg("event published")
	return delivered, nil
}
