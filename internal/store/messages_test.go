package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/messenger-server/internal/domain"
)

func TestSendMessage_AssignsSequentialSeqs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	c := seedConversation(t, s, alice, bob)

	for i := 1; i <= 3; i++ {
		m, created, err := s.SendMessage(ctx, SendMessageInput{
			ConversationID:  c.ID,
			SenderID:        alice.ID,
			ClientMessageID: fmt.Sprintf("seq-check-%d", i),
			Content:         "hello",
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(i), m.Seq)
	}

	var nextSeq int64
	require.NoError(t, s.db.QueryRowContext(ctx,
		s.q(`SELECT next_seq FROM conversation_counters WHERE conversation_id = ?`), c.ID).Scan(&nextSeq))
	assert.Equal(t, int64(4), nextSeq)
}

func TestSendMessage_IdempotentReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	c := seedConversation(t, s, alice, bob)

	in := SendMessageInput{
		ConversationID:  c.ID,
		SenderID:        alice.ID,
		ClientMessageID: "replay-check-1",
		Content:         "first delivery",
	}
	first, created, err := s.SendMessage(ctx, in)
	require.NoError(t, err)
	require.True(t, created)

	// Same write again: same stored message, nothing new recorded.
	in.Content = "retry body is ignored"
	second, created, err := s.SendMessage(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, "first delivery", second.Content)

	var outboxRows int
	require.NoError(t, s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM realtime_outbox_events WHERE conversation_id = ?`), c.ID).Scan(&outboxRows))
	assert.Equal(t, 2, outboxRows)
}

func TestSendMessage_ClientMessageIDBoundToConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	carol := seedUser(t, s, "carol")
	ab := seedConversation(t, s, alice, bob)
	ac := seedConversation(t, s, alice, carol)

	_, _, err := s.SendMessage(ctx, SendMessageInput{
		ConversationID:  ab.ID,
		SenderID:        alice.ID,
		ClientMessageID: "conflict-check-1",
		Content:         "hi bob",
	})
	require.NoError(t, err)

	_, _, err = s.SendMessage(ctx, SendMessageInput{
		ConversationID:  ac.ID,
		SenderID:        alice.ID,
		ClientMessageID: "conflict-check-1",
		Content:         "hi carol",
	})
	assert.True(t, domain.Is(err, "client_message_conflict"))
}

func TestSendMessage_ClientMessageIDScopedToSender(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	c := seedConversation(t, s, alice, bob)

	m1, _, err := s.SendMessage(ctx, SendMessageInput{
		ConversationID: c.ID, SenderID: alice.ID, ClientMessageID: "shared-id-1", Content: "from alice",
	})
	require.NoError(t, err)
	m2, created, err := s.SendMessage(ctx, SendMessageInput{
		ConversationID: c.ID, SenderID: bob.ID, ClientMessageID: "shared-id-1", Content: "from bob",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, m1.ID, m2.ID)
}

func TestSendMessage_UpdatesConversationPreview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	c := seedConversation(t, s, alice, bob)

	long := strings.Repeat("я", 300)
	m, _, err := s.SendMessage(ctx, SendMessageInput{
		ConversationID:  c.ID,
		SenderID:        alice.ID,
		ClientMessageID: "preview-check-1",
		Content:         long,
	})
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessagePreview)
	// Preview truncates by code points, not bytes.
	assert.Equal(t, domain.PreviewMaxLength, len([]rune(*got.LastMessagePreview)))
	require.NotNil(t, got.LastMessageAt)
	assert.Equal(t, m.CreatedAt, got.LastMessageAt.UTC())
	assert.Equal(t, m.CreatedAt, got.UpdatedAt)
}

func TestSendMessage_RecordsOutboxPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	c := seedConversation(t, s, alice, bob)

	m, _, err := s.SendMessage(ctx, SendMessageInput{
		ConversationID:  c.ID,
		SenderID:        alice.ID,
		ClientMessageID: "outbox-check-1",
		Content:         "payload body",
	})
	require.NoError(t, err)

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT event_type, payload_json FROM realtime_outbox_events
		WHERE conversation_id = ? ORDER BY id ASC`), c.ID)
	require.NoError(t, err)
	defer rows.Close()

	type record struct {
		eventType string
		body      string
	}
	var records []record
	for rows.Next() {
		var r record
		require.NoError(t, rows.Scan(&r.eventType, &r.body))
		records = append(records, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, records, 2)
	assert.Equal(t, domain.EventMessageCreated, records[0].eventType)
	assert.Equal(t, domain.EventConversationUpdated, records[1].eventType)

	var createdBody struct {
		Seq        int64          `json:"seq"`
		OccurredAt string         `json:"occurred_at"`
		Payload    map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(records[0].body), &createdBody))
	assert.Equal(t, m.Seq, createdBody.Seq)
	assert.NotEmpty(t, createdBody.OccurredAt)
	assert.Equal(t, m.ID, createdBody.Payload["id"])
	assert.Equal(t, alice.ID, createdBody.Payload["sender_id"])
	assert.Equal(t, "outbox-check-1", createdBody.Payload["client_message_id"])
	assert.Equal(t, "payload body", createdBody.Payload["content"])

	var updatedBody struct {
		Seq     int64          `json:"seq"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(records[1].body), &updatedBody))
	assert.Equal(t, m.Seq, updatedBody.Seq)
	assert.Equal(t, c.ID, updatedBody.Payload["id"])
	assert.Equal(t, "payload body", updatedBody.Payload["last_message_preview"])

	// Stored JSON is canonical: decoding and re-encoding reproduces it.
	for _, r := range records {
		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.body), &doc))
		again, err := json.Marshal(doc)
		require.NoError(t, err)
		assert.Equal(t, r.body, string(again))
	}
}

func TestSendMessage_ConcurrentWritersGapFree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	c := seedConversation(t, s, alice, bob)

	const (
		writers    = 8
		perWriter  = 5
		totalSends = writers * perWriter
	)

	var wg sync.WaitGroup
	wg.Add(writers)
	seqCh := make(chan int64, totalSends)
	errCh := make(chan error, totalSends)

	for w := 0; w < writers; w++ {
		sender := alice.ID
		if w%2 == 1 {
			sender = bob.ID
		}
		go func(w int, sender string) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				m, _, err := s.SendMessage(ctx, SendMessageInput{
					ConversationID:  c.ID,
					SenderID:        sender,
					ClientMessageID: fmt.Sprintf("concurrent-%d-%d", w, i),
					Content:         "race",
				})
				if err != nil {
					errCh <- err
					return
				}
				seqCh <- m.Seq
			}
		}(w, sender)
	}
	wg.Wait()
	close(seqCh)
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	seqs := make([]int64, 0, totalSends)
	for seq := range seqCh {
		seqs = append(seqs, seq)
	}
	require.Len(t, seqs, totalSends)

	// Dense 1..N with no duplicates and no holes.
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestListMessages_AfterSeqPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	c := seedConversation(t, s, alice, bob)

	for i := 1; i <= 5; i++ {
		_, _, err := s.SendMessage(ctx, SendMessageInput{
			ConversationID:  c.ID,
			SenderID:        alice.ID,
			ClientMessageID: fmt.Sprintf("paging-check-%d", i),
			Content:         fmt.Sprintf("msg %d", i),
		})
		require.NoError(t, err)
	}

	page, err := s.ListMessages(ctx, c.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Seq)
	assert.Equal(t, int64(4), page[1].Seq)

	rest, err := s.ListMessages(ctx, c.ID, 4, 50)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(5), rest[0].Seq)
}

func TestListRecentMessages_NewestAcrossConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	carol := seedUser(t, s, "carol")
	ab := seedConversation(t, s, alice, bob)
	ac := seedConversation(t, s, alice, carol)

	for i := 1; i <= 4; i++ {
		_, _, err := s.SendMessage(ctx, SendMessageInput{
			ConversationID:  ab.ID,
			SenderID:        alice.ID,
			ClientMessageID: fmt.Sprintf("recent-ab-%d", i),
			Content:         fmt.Sprintf("ab %d", i),
		})
		require.NoError(t, err)
	}
	_, _, err := s.SendMessage(ctx, SendMessageInput{
		ConversationID:  ac.ID,
		SenderID:        alice.ID,
		ClientMessageID: "recent-ac-1",
		Content:         "ac 1",
	})
	require.NoError(t, err)

	// One global window, newest first, regardless of conversation.
	recent, err := s.ListRecentMessages(ctx, []string{ab.ID, ac.ID}, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "ac 1", recent[0].Content)
	assert.Equal(t, "ab 4", recent[1].Content)
	assert.Equal(t, "ab 3", recent[2].Content)

	// Conversations outside the id set are excluded.
	only, err := s.ListRecentMessages(ctx, []string{ac.ID}, 10)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "ac 1", only[0].Content)
}
