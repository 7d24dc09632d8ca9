// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on copy semantics and injected failures specific to the in-memory implementation

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_CreateConversation_Duplicate(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	conv := &Conversation{ID: "conv-1", TenantSlug: "acme", OwnerID: "user-1"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	err := store.CreateConversation(ctx, &Conversation{ID: "conv-1", TenantSlug: "acme", OwnerID: "user-2"})
	assert.ErrorIs(t, err, ErrStorage)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	conv := &Conversation{TenantSlug: "acme", OwnerID: "user-1"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	got.OwnerID = "mutated"

	again, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", again.OwnerID)

	msg := &Message{ConversationID: conv.ID, Kind: MessageKindText, Content: "hi", Sender: SenderUser}
	require.NoError(t, store.AppendMessage(ctx, "user-1", msg))
	msg.Content = "mutated"

	msgs, err := store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestMockStore_FailAppendFor(t *testing.T) {
	store := NewMockStore()
	store.FailAppendFor = SenderBot
	ctx := context.Background()

	conv := &Conversation{TenantSlug: "acme", OwnerID: "user-1"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	require.NoError(t, store.AppendMessage(ctx, "user-1",
		&Message{ConversationID: conv.ID, Kind: MessageKindText, Content: "hi", Sender: SenderUser}))

	err := store.AppendMessage(ctx, "user-1",
		&Message{ConversationID: conv.ID, Kind: MessageKindText, Content: "hello", Sender: SenderBot})
	assert.ErrorIs(t, err, ErrStorage)

	msgs, err := store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
