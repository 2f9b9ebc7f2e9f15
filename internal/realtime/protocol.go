// Package realtime carries live message events from the transactional
// outbox to subscribed WebSocket sessions. The protocol is a small JSON
// command set from clients (subscribe, unsubscribe, ping) and typed
// frames from the server (welcome, ack, error, pong, events).
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const ProtocolVersion = 1

// Error codes carried on error frames.
const (
	CodeInvalidCommand        = "INVALID_COMMAND"
	CodeRateLimited           = "RATE_LIMITED"
	CodeForbiddenConversation = "FORBIDDEN_CONVERSATION"
)

// ProtocolError reports a rejected client command. It is answered with an
// error frame and never terminates the session.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Command is one parsed client command: SubscribeCommand,
// UnsubscribeCommand or PingCommand.
type Command interface{ isCommand() }

type SubscribeCommand struct {
	ConversationIDs []string
}

type UnsubscribeCommand struct {
	ConversationIDs []string
}

type PingCommand struct {
	TS *int64
}

func (SubscribeCommand) isCommand()   {}
func (UnsubscribeCommand) isCommand() {}
func (PingCommand) isCommand()        {}

type subscribeWire struct {
	Op              string   `json:"op"`
	ConversationIDs []string `json:"conversation_ids"`
}

type pingWire struct {
	Op string `json:"op"`
	TS *int64 `json:"ts"`
}

// ParseCommand decodes one client frame. Unknown fields and wrong-typed
// fields are rejected, not ignored.
func ParseCommand(raw []byte, maxBytes int) (Command, error) {
	if len(raw) > maxBytes {
		return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "Frame is too large"}
	}

	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "Invalid JSON payload"}
	}
	obj, ok := probe.(map[string]any)
	if !ok {
		return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "Command payload must be an object"}
	}

	op, _ := obj["op"].(string)
	switch op {
	case "subscribe":
		var wire subscribeWire
		if err := strictDecode(raw, &wire); err != nil {
			return nil, err
		}
		if wire.ConversationIDs == nil {
			return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "conversation_ids is required"}
		}
		return SubscribeCommand{ConversationIDs: wire.ConversationIDs}, nil
	case "unsubscribe":
		var wire subscribeWire
		if err := strictDecode(raw, &wire); err != nil {
			return nil, err
		}
		if wire.ConversationIDs == nil {
			return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "conversation_ids is required"}
		}
		return UnsubscribeCommand{ConversationIDs: wire.ConversationIDs}, nil
	case "ping":
		var wire pingWire
		if err := strictDecode(raw, &wire); err != nil {
			return nil, err
		}
		return PingCommand{TS: wire.TS}, nil
	default:
		return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "Unsupported command"}
	}
}

func strictDecode(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ProtocolError{Code: CodeInvalidCommand, Message: commandFieldError(err)}
	}
	return nil
}

func commandFieldError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("Field %q has the wrong type", typeErr.Field)
	}
	if msg := err.Error(); strings.HasPrefix(msg, "json: unknown field ") {
		return "Unknown field " + strings.TrimPrefix(msg, "json: unknown field ")
	}
	return "Invalid command payload"
}

type welcomeFrame struct {
	Type            string `json:"type"`
	ConnectionID    string `json:"connection_id"`
	UserID          string `json:"user_id"`
	ServerTime      string `json:"server_time"`
	HeartbeatSec    int    `json:"heartbeat_sec"`
	ProtocolVersion int    `json:"protocol_version"`
}

func WelcomeFrame(connectionID, userID string, serverTime time.Time, heartbeatSec int) any {
	return welcomeFrame{
		Type:            "connection.welcome",
		ConnectionID:    connectionID,
		UserID:          userID,
		ServerTime:      serverTime.UTC().Format(time.RFC3339Nano),
		HeartbeatSec:    heartbeatSec,
		ProtocolVersion: ProtocolVersion,
	}
}

type ackFrame struct {
	Type    string `json:"type"`
	Op      string `json:"op"`
	OK      bool   `json:"ok"`
	Details any    `json:"details,omitempty"`
}

func AckFrame(op string, details any) any {
	return ackFrame{Type: "ack", Op: op, OK: true, Details: details}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorFrame struct {
	Type  string    `json:"type"`
	Error errorBody `json:"error"`
}

func ErrorFrame(code, message string, details any) any {
	return errorFrame{Type: "error", Error: errorBody{Code: code, Message: message, Details: details}}
}

type pongFrame struct {
	Type string `json:"type"`
	TS   *int64 `json:"ts,omitempty"`
}

func PongFrame(ts *int64) any {
	return pongFrame{Type: "pong", TS: ts}
}

type eventFrame struct {
	Type           string         `json:"type"`
	EventID        string         `json:"event_id"`
	ConversationID string         `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	OccurredAt     string         `json:"occurred_at"`
	Payload        map[string]any `json:"payload"`
}

func EventFrame(eventType, eventID, conversationID string, seq int64, occurredAt string, payload map[string]any) any {
	return eventFrame{
		Type:           eventType,
		EventID:        eventID,
		ConversationID: conversationID,
		Seq:            seq,
		OccurredAt:     occurredAt,
		Payload:        payload,
	}
}
