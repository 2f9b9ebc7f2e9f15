package realtime_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/realtime"
	"github.com/baechuer/messenger-server/internal/store"
)

func newDispatcherStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "realtime_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// seedMessage writes one message, leaving a message.created and a
// conversation.updated event in the outbox.
func seedMessage(t *testing.T, st *store.Store, clientMessageID string) string {
	t.Helper()
	ctx := context.Background()

	alice := &domain.User{Username: "alice", DisplayName: "Alice", PasswordHash: "x"}
	if err := st.CreateUser(ctx, alice); err != nil {
		found, lookupErr := st.GetUserByUsername(ctx, "alice")
		require.NoError(t, lookupErr)
		alice = found
	}
	bob := &domain.User{Username: "bob", DisplayName: "Bob", PasswordHash: "x"}
	if err := st.CreateUser(ctx, bob); err != nil {
		found, lookupErr := st.GetUserByUsername(ctx, "bob")
		require.NoError(t, lookupErr)
		bob = found
	}

	conv, _, err := st.GetOrCreateDirectConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	_, created, err := st.SendMessage(ctx, store.SendMessageInput{
		ConversationID:  conv.ID,
		SenderID:        alice.ID,
		ClientMessageID: clientMessageID,
		Content:         "hello",
	})
	require.NoError(t, err)
	require.True(t, created)
	return conv.ID
}

type stubPublisher struct {
	mu       sync.Mutex
	events   []domain.OutboxEvent
	err      error
	failType string
}

func (p *stubPublisher) Publish(ctx context.Context, ev *domain.OutboxEvent) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	if p.failType != "" && p.failType == ev.EventType {
		return 0, errors.New("refused " + ev.EventType)
	}
	p.events = append(p.events, *ev)
	return 1, nil
}

func (p *stubPublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *stubPublisher) published() []domain.OutboxEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.OutboxEvent, len(p.events))
	copy(out, p.events)
	return out
}

func pendingCount(t *testing.T, st *store.Store) int64 {
	t.Helper()
	n, err := st.PendingOutboxCount(context.Background())
	require.NoError(t, err)
	return n
}

func TestProcessOnce_PublishesDueEventsInOrder(t *testing.T) {
	st := newDispatcherStore(t)
	ctx := context.Background()
	seedMessage(t, st, "dispatch-order-1")

	pub := &stubPublisher{}
	d := realtime.NewDispatcher(st, pub, 10*time.Millisecond, 50)

	n, err := d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	events := pub.published()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventMessageCreated, events[0].EventType)
	assert.Equal(t, domain.EventConversationUpdated, events[1].EventType)

	assert.EqualValues(t, 0, pendingCount(t, st))

	n, err = d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessOnce_FailureSchedulesRetry(t *testing.T) {
	st := newDispatcherStore(t)
	ctx := context.Background()
	seedMessage(t, st, "dispatch-retry-1")

	pub := &stubPublisher{}
	pub.setErr(errors.New("subscriber exploded"))
	d := realtime.NewDispatcher(st, pub, 10*time.Millisecond, 50)

	start := time.Now().UTC()
	n, err := d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 2, pendingCount(t, st))

	// Neither event is due again until its backoff elapses.
	n, err = d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	var events []domain.OutboxEvent
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		events, err = st.DueEvents(ctx, tx, time.Now().UTC().Add(time.Minute), 10)
		return err
	}))
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, 1, ev.Attempts)
		require.NotNil(t, ev.LastError)
		assert.Contains(t, *ev.LastError, "subscriber exploded")
		assert.True(t, ev.NextAttemptAt.After(start))
	}

	// Once the subscriber recovers, the retry delivers both events.
	pub.setErr(nil)
	require.Eventually(t, func() bool {
		n, err := d.ProcessOnce(ctx)
		return err == nil && n == 2
	}, 5*time.Second, 100*time.Millisecond)
	assert.EqualValues(t, 0, pendingCount(t, st))
	assert.Len(t, pub.published(), 2)
}

func TestProcessOnce_OneFailureDoesNotAbortBatch(t *testing.T) {
	st := newDispatcherStore(t)
	ctx := context.Background()
	seedMessage(t, st, "dispatch-partial-1")

	pub := &stubPublisher{failType: domain.EventMessageCreated}
	d := realtime.NewDispatcher(st, pub, 10*time.Millisecond, 50)

	n, err := d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventConversationUpdated, events[0].EventType)
	assert.EqualValues(t, 1, pendingCount(t, st))
}

func TestDispatcherRun_StopsOnCancel(t *testing.T) {
	st := newDispatcherStore(t)
	d := realtime.NewDispatcher(st, &stubPublisher{}, 10*time.Millisecond, 50)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}
