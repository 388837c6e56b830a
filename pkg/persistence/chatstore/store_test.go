package chatstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/curiochat/curio/pkg/streaming"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	sqlite, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestStoreFirstResponsePath(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.EnsureChat(ctx, "chat-1", "u1", "kid1"))

			id, err := store.ConversationID(ctx, "chat-1")
			require.NoError(t, err)
			require.Equal(t, "", id)

			require.NoError(t, store.AppendQuestion(ctx, "chat-1", "why is the sky blue?"))

			cits := []streaming.Citation{{Title: "Sky", Link: "https://example.org/sky"}}
			require.NoError(t, store.RecordFirstResponse(ctx, "chat-1", "Because of scattering.", cits, "conv-abc", false))

			id, err = store.ConversationID(ctx, "chat-1")
			require.NoError(t, err)
			require.Equal(t, "conv-abc", id)

			msgs, err := store.Messages(ctx, "chat-1")
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			require.Equal(t, RoleUser, msgs[0].Role)
			require.Equal(t, RoleAssistant, msgs[1].Role)
			require.Equal(t, "Because of scattering.", msgs[1].Content)
			require.Equal(t, cits, msgs[1].Citations)
			require.False(t, msgs[1].StoppedByUser)
		})
	}
}

func TestStoreConversationIDSticksOnce(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.EnsureChat(ctx, "chat-1", "u1", "kid1"))
			require.NoError(t, store.RecordFirstResponse(ctx, "chat-1", "one", nil, "conv-1", false))
			require.NoError(t, store.RecordFirstResponse(ctx, "chat-1", "two", nil, "conv-2", false))

			id, err := store.ConversationID(ctx, "chat-1")
			require.NoError(t, err)
			require.Equal(t, "conv-1", id)
		})
	}
}

func TestStoreAppendResponseStoppedFlag(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.EnsureChat(ctx, "chat-1", "u1", "kid1"))
			require.NoError(t, store.AppendResponse(ctx, "chat-1", "partial answ", nil, true))

			msgs, err := store.Messages(ctx, "chat-1")
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			require.True(t, msgs[0].StoppedByUser)
			require.Nil(t, msgs[0].Citations)
		})
	}
}

func TestStoreMessagesIsolatedPerChat(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.EnsureChat(ctx, "chat-a", "u1", "kid1"))
			require.NoError(t, store.EnsureChat(ctx, "chat-b", "u1", "kid1"))
			require.NoError(t, store.AppendResponse(ctx, "chat-a", "A", nil, false))
			require.NoError(t, store.AppendResponse(ctx, "chat-b", "B", nil, false))

			msgs, err := store.Messages(ctx, "chat-a")
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			require.Equal(t, "A", msgs[0].Content)
		})
	}
}

func TestStoreEnsureChatIsIdempotent(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.EnsureChat(ctx, "chat-1", "u1", "kid1"))
			require.NoError(t, store.EnsureChat(ctx, "chat-1", "u1", "kid1"))
			require.Error(t, store.EnsureChat(ctx, "", "u1", "kid1"))
		})
	}
}
