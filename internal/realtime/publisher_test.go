package realtime_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/realtime"
)

func TestPublisher_DeliversEventFrame(t *testing.T) {
	m := realtime.NewManager(realtime.ManagerConfig{})
	fc := newFakeConn()
	c := m.Register(fc, "user-1")
	require.NoError(t, m.Subscribe(c.ConnectionID, []string{"conv-a"}))

	pub := realtime.NewPublisher(m)
	event := &domain.OutboxEvent{
		EventID:        "ev-1",
		EventType:      domain.EventMessageCreated,
		ConversationID: "conv-a",
		PayloadJSON:    `{"occurred_at":"2025-06-01T12:00:00Z","payload":{"content":"hi","id":"m1"},"seq":3}`,
	}

	delivered, err := pub.Publish(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	frame := marshalFrame(t, awaitFrame(t, fc))
	assert.Equal(t, "message.created", frame["type"])
	assert.Equal(t, "ev-1", frame["event_id"])
	assert.Equal(t, "conv-a", frame["conversation_id"])
	assert.Equal(t, float64(3), frame["seq"])
	assert.Equal(t, "2025-06-01T12:00:00Z", frame["occurred_at"])
	assert.Equal(t, "hi", frame["payload"].(map[string]any)["content"])
}

func TestPublisher_NoSubscribersDeliversZero(t *testing.T) {
	m := realtime.NewManager(realtime.ManagerConfig{})
	pub := realtime.NewPublisher(m)

	delivered, err := pub.Publish(context.Background(), &domain.OutboxEvent{
		EventID:        "ev-1",
		EventType:      domain.EventConversationUpdated,
		ConversationID: "conv-a",
		PayloadJSON:    `{"occurred_at":"2025-06-01T12:00:00Z","payload":{},"seq":1}`,
	})
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestPublisher_RejectsMalformedEnvelope(t *testing.T) {
	m := realtime.NewManager(realtime.ManagerConfig{})
	pub := realtime.NewPublisher(m)

	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `nope`},
		{"missing payload", `{"seq":1,"occurred_at":"2025-06-01T12:00:00Z"}`},
		{"null seq", `{"seq":null,"occurred_at":"2025-06-01T12:00:00Z","payload":{}}`},
		{"fractional seq", `{"seq":1.5,"occurred_at":"2025-06-01T12:00:00Z","payload":{}}`},
		{"array payload", `{"seq":1,"occurred_at":"2025-06-01T12:00:00Z","payload":[1]}`},
		{"null payload", `{"seq":1,"occurred_at":"2025-06-01T12:00:00Z","payload":null}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := pub.Publish(context.Background(), &domain.OutboxEvent{
				EventID:        "ev-bad",
				EventType:      domain.EventMessageCreated,
				ConversationID: "conv-a",
				PayloadJSON:    tc.payload,
			})
			require.Error(t, err)
		})
	}
}
