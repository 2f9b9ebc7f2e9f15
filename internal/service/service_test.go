package service_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/security"
	"github.com/baechuer/messenger-server/internal/service"
	"github.com/baechuer/messenger-server/internal/store"
)

type testEnv struct {
	store         *store.Store
	auth          *service.AuthService
	users         *service.UserService
	conversations *service.ConversationService
	messages      *service.MessageService
	sync          *service.SyncService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "service_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	hasher := security.NewBcryptHasher(bcrypt.MinCost)
	tokens := security.NewTokenIssuer("service-test-secret", 15*time.Minute)
	conversations := service.NewConversationService(st)

	return &testEnv{
		store:         st,
		auth:          service.NewAuthService(st, hasher, tokens, 48*time.Hour),
		users:         service.NewUserService(st),
		conversations: conversations,
		messages:      service.NewMessageService(st, conversations, 2000),
		sync:          service.NewSyncService(st, conversations),
	}
}

func (e *testEnv) register(t *testing.T, username string) *domain.User {
	t.Helper()
	u, _, err := e.auth.Register(context.Background(), username, "", "correct horse battery")
	require.NoError(t, err)
	return u
}

func (e *testEnv) directConversation(t *testing.T, a, b *domain.User) *domain.ConversationSummary {
	t.Helper()
	c, err := e.conversations.CreateDirect(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	return c
}

func (e *testEnv) send(t *testing.T, sender *domain.User, conversationID, clientMessageID, content string) *domain.Message {
	t.Helper()
	m, created, err := e.messages.Send(context.Background(), sender.ID, conversationID, clientMessageID, content)
	require.NoError(t, err)
	require.True(t, created)
	return m
}
