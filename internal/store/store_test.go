package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachStore runs fn against every in-process backend so they stay in agreement.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func createConv(t *testing.T, s Store, tenant, owner string) *Conversation {
	t.Helper()
	conv := &Conversation{TenantSlug: tenant, OwnerID: owner}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	require.NotEmpty(t, conv.ID)
	return conv
}

func appendText(t *testing.T, s Store, owner, convID string, sender Sender, content string) *Message {
	t.Helper()
	msg := &Message{
		ConversationID: convID,
		Kind:           MessageKindText,
		Content:        content,
		Sender:         sender,
	}
	require.NoError(t, s.AppendMessage(context.Background(), owner, msg))
	return msg
}

func TestStore_Tenants(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetTenant(ctx, "acme")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.UpsertTenant(ctx, &Tenant{Slug: "acme", WebhookURL: "https://hooks.example/a", Status: TenantStatusActive}))
		require.NoError(t, s.UpsertTenant(ctx, &Tenant{Slug: "beta", Status: TenantStatusTrial}))

		got, err := s.GetTenant(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, "https://hooks.example/a", got.WebhookURL)
		assert.Equal(t, TenantStatusActive, got.Status)

		// Upsert replaces webhook and status
		require.NoError(t, s.UpsertTenant(ctx, &Tenant{Slug: "acme", Status: TenantStatusSuspended}))
		got, err = s.GetTenant(ctx, "acme")
		require.NoError(t, err)
		assert.Empty(t, got.WebhookURL)
		assert.Equal(t, TenantStatusSuspended, got.Status)

		tenants, err := s.ListTenants(ctx)
		require.NoError(t, err)
		require.Len(t, tenants, 2)
		assert.Equal(t, "acme", tenants[0].Slug)
		assert.Equal(t, "beta", tenants[1].Slug)
	})
}

func TestStore_UpsertTenant_InvalidStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		err := s.UpsertTenant(context.Background(), &Tenant{Slug: "acme", Status: "paused"})
		assert.Error(t, err)
	})
}

func TestStore_UpsertTenant_InvalidSlug(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		for _, slug := range []string{"Globex", " acme", "ac me"} {
			err := s.UpsertTenant(context.Background(), &Tenant{Slug: slug, Status: TenantStatusActive})
			assert.Error(t, err, slug)
		}
	})
}

func TestValidSlug(t *testing.T) {
	assert.True(t, ValidSlug("acme"))
	assert.True(t, ValidSlug("acme-eu2"))
	assert.False(t, ValidSlug(""))
	assert.False(t, ValidSlug("Acme"))
	assert.False(t, ValidSlug("acme\t"))
}

func TestStore_CreateAndGetConversation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := createConv(t, s, "acme", "user-1")

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.TenantSlug)
		assert.Equal(t, "user-1", got.OwnerID)
		assert.Nil(t, got.Title)
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

		_, err = s.GetConversation(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_AppendMessage_SeqAndOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := createConv(t, s, "acme", "user-1")

		// Same clock reading for every append: created_at must still increase
		at := time.Now()
		for i := 0; i < 5; i++ {
			msg := &Message{
				ConversationID: conv.ID,
				Kind:           MessageKindText,
				Content:        "m",
				Sender:         SenderUser,
				CreatedAt:      at,
			}
			require.NoError(t, s.AppendMessage(ctx, "user-1", msg))
			assert.Equal(t, int64(i+1), msg.Seq)
		}

		msgs, err := s.ListMessages(ctx, conv.ID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 5)
		for i := 1; i < len(msgs); i++ {
			assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt), "created_at must strictly increase")
			assert.Equal(t, msgs[i-1].Seq+1, msgs[i].Seq)
		}
	})
}

func TestStore_ListMessages_StablePrefix(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := createConv(t, s, "acme", "user-1")

		appendText(t, s, "user-1", conv.ID, SenderUser, "hi")
		appendText(t, s, "user-1", conv.ID, SenderBot, "hello")

		first, err := s.ListMessages(ctx, conv.ID, 0)
		require.NoError(t, err)

		appendText(t, s, "user-1", conv.ID, SenderUser, "again")

		second, err := s.ListMessages(ctx, conv.ID, 0)
		require.NoError(t, err)
		require.Len(t, second, 3)
		for i := range first {
			assert.Equal(t, first[i].ID, second[i].ID)
		}
		assert.Equal(t, "again", second[2].Content)
	})
}

func TestStore_ListMessages_AfterSeq(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := createConv(t, s, "acme", "user-1")

		appendText(t, s, "user-1", conv.ID, SenderUser, "one")
		appendText(t, s, "user-1", conv.ID, SenderBot, "two")
		appendText(t, s, "user-1", conv.ID, SenderUser, "three")

		msgs, err := s.ListMessages(ctx, conv.ID, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "two", msgs[0].Content)
		assert.Equal(t, "three", msgs[1].Content)

		msgs, err = s.ListMessages(ctx, conv.ID, 3)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestStore_AppendMessage_MediaURL(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := createConv(t, s, "acme", "user-1")

		url := "https://cdn.example/cat.png"
		msg := &Message{
			ConversationID: conv.ID,
			Kind:           MessageKindImage,
			Content:        "a cat",
			Sender:         SenderBot,
			MediaURL:       &url,
		}
		require.NoError(t, s.AppendMessage(ctx, "user-1", msg))

		msgs, err := s.ListMessages(ctx, conv.ID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.NotNil(t, msgs[0].MediaURL)
		assert.Equal(t, url, *msgs[0].MediaURL)
		assert.Equal(t, MessageKindImage, msgs[0].Kind)
	})
}

func TestStore_AppendMessage_Ownership(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := createConv(t, s, "acme", "user-1")

		msg := &Message{ConversationID: conv.ID, Kind: MessageKindText, Content: "x", Sender: SenderUser}
		err := s.AppendMessage(ctx, "intruder", msg)
		assert.ErrorIs(t, err, ErrUnauthorized)

		// Nothing was written
		msgs, err := s.ListMessages(ctx, conv.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		err = s.AppendMessage(ctx, "user-1", &Message{ConversationID: "missing", Kind: MessageKindText, Sender: SenderUser})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_AppendMessage_TouchesConversation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := createConv(t, s, "acme", "user-1")
		before, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)

		msg := appendText(t, s, "user-1", conv.ID, SenderUser, "hi")

		after, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))
		assert.False(t, after.UpdatedAt.Before(msg.CreatedAt))
	})
}

func TestStore_TouchConversation_NeverMovesBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := createConv(t, s, "acme", "user-1")

		later := time.Now().Add(time.Hour)
		require.NoError(t, s.TouchConversation(ctx, conv.ID, later))
		require.NoError(t, s.TouchConversation(ctx, conv.ID, later.Add(-30*time.Minute)))

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.Equal(later.UTC().Truncate(time.Microsecond)))

		assert.ErrorIs(t, s.TouchConversation(ctx, "missing", later), ErrNotFound)
	})
}

func TestStore_RenameConversation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := createConv(t, s, "acme", "user-1")

		title := "Trip planning"
		renamed, err := s.RenameConversation(ctx, conv.ID, "user-1", &title, time.Now())
		require.NoError(t, err)
		require.NotNil(t, renamed.Title)
		assert.Equal(t, title, *renamed.Title)

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Title)
		assert.Equal(t, title, *got.Title)

		// Clearing the title
		renamed, err = s.RenameConversation(ctx, conv.ID, "user-1", nil, time.Now())
		require.NoError(t, err)
		assert.Nil(t, renamed.Title)

		_, err = s.RenameConversation(ctx, conv.ID, "intruder", &title, time.Now())
		assert.ErrorIs(t, err, ErrUnauthorized)

		_, err = s.RenameConversation(ctx, "missing", "user-1", &title, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_DeleteConversation_RemovesMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := createConv(t, s, "acme", "user-1")
		appendText(t, s, "user-1", conv.ID, SenderUser, "hi")
		appendText(t, s, "user-1", conv.ID, SenderBot, "hello")

		assert.ErrorIs(t, s.DeleteConversation(ctx, conv.ID, "intruder"), ErrUnauthorized)

		require.NoError(t, s.DeleteConversation(ctx, conv.ID, "user-1"))

		_, err := s.GetConversation(ctx, conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.ListMessages(ctx, conv.ID, 0)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.DeleteConversation(ctx, conv.ID, "user-1"), ErrNotFound)
	})
}

func TestStore_ListConversations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		older := createConv(t, s, "acme", "user-1")
		newer := createConv(t, s, "acme", "user-1")
		other := createConv(t, s, "beta", "user-1")
		createConv(t, s, "acme", "user-2")

		base := time.Now().Add(time.Minute)
		require.NoError(t, s.TouchConversation(ctx, older.ID, base))
		require.NoError(t, s.TouchConversation(ctx, newer.ID, base.Add(time.Second)))
		require.NoError(t, s.TouchConversation(ctx, other.ID, base.Add(2*time.Second)))

		convs, err := s.ListConversations(ctx, ConversationFilter{OwnerID: "user-1", TenantSlug: "acme"})
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, newer.ID, convs[0].ID)
		assert.Equal(t, older.ID, convs[1].ID)

		// No tenant filter spans tenants
		convs, err = s.ListConversations(ctx, ConversationFilter{OwnerID: "user-1"})
		require.NoError(t, err)
		require.Len(t, convs, 3)
		assert.Equal(t, other.ID, convs[0].ID)

		convs, err = s.ListConversations(ctx, ConversationFilter{OwnerID: "user-1", Limit: 1})
		require.NoError(t, err)
		assert.Len(t, convs, 1)
	})
}

func TestStore_ListConversations_Empty(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		convs, err := s.ListConversations(context.Background(), ConversationFilter{OwnerID: "nobody"})
		require.NoError(t, err)
		assert.Empty(t, convs)
	})
}

func TestNextCreatedAt(t *testing.T) {
	last := time.Date(2024, 1, 1, 0, 0, 0, 5000, time.UTC)

	// Clock behind the last message
	got := nextCreatedAt(last.Add(-time.Second), last, true)
	assert.Equal(t, last.Add(time.Microsecond), got)

	// Clock equal after truncation
	got = nextCreatedAt(last.Add(500*time.Nanosecond), last, true)
	assert.Equal(t, last.Add(time.Microsecond), got)

	// Clock ahead
	ahead := last.Add(time.Second)
	assert.Equal(t, ahead, nextCreatedAt(ahead, last, true))

	// First message uses the clock as is
	assert.Equal(t, last, nextCreatedAt(last, time.Time{}, false))
}
