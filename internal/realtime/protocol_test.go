package realtime_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/messenger-server/internal/realtime"
)

const testMaxCommandBytes = 4096

func TestParseCommand_Subscribe(t *testing.T) {
	cmd, err := realtime.ParseCommand([]byte(`{"op":"subscribe","conversation_ids":["c1","c2"]}`), testMaxCommandBytes)
	require.NoError(t, err)
	sub, ok := cmd.(realtime.SubscribeCommand)
	require.True(t, ok)
	assert.Equal(t, []string{"c1", "c2"}, sub.ConversationIDs)
}

func TestParseCommand_Unsubscribe(t *testing.T) {
	cmd, err := realtime.ParseCommand([]byte(`{"op":"unsubscribe","conversation_ids":["c1"]}`), testMaxCommandBytes)
	require.NoError(t, err)
	unsub, ok := cmd.(realtime.UnsubscribeCommand)
	require.True(t, ok)
	assert.Equal(t, []string{"c1"}, unsub.ConversationIDs)
}

func TestParseCommand_PingWithOptionalTS(t *testing.T) {
	cmd, err := realtime.ParseCommand([]byte(`{"op":"ping","ts":1712}`), testMaxCommandBytes)
	require.NoError(t, err)
	ping, ok := cmd.(realtime.PingCommand)
	require.True(t, ok)
	require.NotNil(t, ping.TS)
	assert.Equal(t, int64(1712), *ping.TS)

	cmd, err = realtime.ParseCommand([]byte(`{"op":"ping"}`), testMaxCommandBytes)
	require.NoError(t, err)
	ping = cmd.(realtime.PingCommand)
	assert.Nil(t, ping.TS)
}

func TestParseCommand_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		message string
	}{
		{"invalid json", `{"op":`, "Invalid JSON payload"},
		{"array payload", `[1,2,3]`, "Command payload must be an object"},
		{"string payload", `"subscribe"`, "Command payload must be an object"},
		{"unknown op", `{"op":"shout"}`, "Unsupported command"},
		{"numeric op", `{"op":42}`, "Unsupported command"},
		{"missing op", `{"conversation_ids":["c1"]}`, "Unsupported command"},
		{"missing ids", `{"op":"subscribe"}`, "conversation_ids is required"},
		{"null ids", `{"op":"subscribe","conversation_ids":null}`, "conversation_ids is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := realtime.ParseCommand([]byte(tc.raw), testMaxCommandBytes)
			var pe *realtime.ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, realtime.CodeInvalidCommand, pe.Code)
			assert.Equal(t, tc.message, pe.Message)
		})
	}
}

func TestParseCommand_UnknownFieldRejected(t *testing.T) {
	_, err := realtime.ParseCommand([]byte(`{"op":"ping","bogus":1}`), testMaxCommandBytes)
	var pe *realtime.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, realtime.CodeInvalidCommand, pe.Code)
	assert.Contains(t, pe.Message, "bogus")
}

func TestParseCommand_WrongFieldType(t *testing.T) {
	_, err := realtime.ParseCommand([]byte(`{"op":"subscribe","conversation_ids":"c1"}`), testMaxCommandBytes)
	var pe *realtime.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, realtime.CodeInvalidCommand, pe.Code)
	assert.Contains(t, pe.Message, "conversation_ids")
}

func TestParseCommand_FrameTooLarge(t *testing.T) {
	raw := `{"op":"subscribe","conversation_ids":["` + strings.Repeat("x", 64) + `"]}`
	_, err := realtime.ParseCommand([]byte(raw), 32)
	var pe *realtime.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Frame is too large", pe.Message)
}

func marshalFrame(t *testing.T, frame any) map[string]any {
	t.Helper()
	b, err := json.Marshal(frame)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestWelcomeFrame(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := marshalFrame(t, realtime.WelcomeFrame("conn-1", "user-1", now, 25))
	assert.Equal(t, "connection.welcome", m["type"])
	assert.Equal(t, "conn-1", m["connection_id"])
	assert.Equal(t, "user-1", m["user_id"])
	assert.Equal(t, "2025-06-01T12:00:00Z", m["server_time"])
	assert.Equal(t, float64(25), m["heartbeat_sec"])
	assert.Equal(t, float64(1), m["protocol_version"])
}

func TestAckFrame_DetailsOmittedWhenNil(t *testing.T) {
	m := marshalFrame(t, realtime.AckFrame("subscribe", map[string]any{"conversation_ids": []string{"c1"}}))
	assert.Equal(t, "ack", m["type"])
	assert.Equal(t, "subscribe", m["op"])
	assert.Equal(t, true, m["ok"])
	assert.Contains(t, m, "details")

	m = marshalFrame(t, realtime.AckFrame("ping", nil))
	assert.NotContains(t, m, "details")
}

func TestErrorFrame(t *testing.T) {
	m := marshalFrame(t, realtime.ErrorFrame(realtime.CodeForbiddenConversation, "Not a member", nil))
	require.Contains(t, m, "error")
	body := m["error"].(map[string]any)
	assert.Equal(t, "FORBIDDEN_CONVERSATION", body["code"])
	assert.Equal(t, "Not a member", body["message"])
	assert.NotContains(t, body, "details")
}

func TestPongFrame_EchoesTS(t *testing.T) {
	ts := int64(99)
	m := marshalFrame(t, realtime.PongFrame(&ts))
	assert.Equal(t, "pong", m["type"])
	assert.Equal(t, float64(99), m["ts"])

	m = marshalFrame(t, realtime.PongFrame(nil))
	assert.NotContains(t, m, "ts")
}

func TestEventFrame(t *testing.T) {
	payload := map[string]any{"id": "m1", "content": "hi"}
	m := marshalFrame(t, realtime.EventFrame("message.created", "ev-1", "c1", 7, "2025-06-01T12:00:00Z", payload))
	assert.Equal(t, "message.created", m["type"])
	assert.Equal(t, "ev-1", m["event_id"])
	assert.Equal(t, "c1", m["conversation_id"])
	assert.Equal(t, float64(7), m["seq"])
	assert.Equal(t, "2025-06-01T12:00:00Z", m["occurred_at"])
	assert.Equal(t, "hi", m["payload"].(map[string]any)["content"])
}
