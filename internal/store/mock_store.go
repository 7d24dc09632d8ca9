// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping ordering and ownership rules

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// Set FailAppendFor to make AppendMessage fail with ErrStorage for one sender.
type MockStore struct {
	mu            sync.RWMutex
	tenants       map[string]*Tenant       // keyed by slug
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, ascending

	FailAppendFor Sender
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tenants:       make(map[string]*Tenant),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

// UpsertTenant stores or replaces a tenant.
func (m *MockStore) UpsertTenant(ctx context.Context, tenant *Tenant) error {
	if tenant.Slug == "" {
		return errors.New("tenant slug is required")
	}
	if !ValidSlug(tenant.Slug) {
		return fmt.Errorf("invalid tenant slug %q: must be lower-case without spaces", tenant.Slug)
	}
	if !tenant.Status.Valid() {
		return fmt.Errorf("invalid tenant status %q", tenant.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	t := *tenant
	if existing, ok := m.tenants[t.Slug]; ok {
		t.CreatedAt = existing.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.tenants[t.Slug] = &t
	return nil
}

// GetTenant retrieves a tenant by slug.
func (m *MockStore) GetTenant(ctx context.Context, slug string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[slug]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// ListTenants returns all tenants ordered by slug.
func (m *MockStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		tenantCopy := *t
		result = append(result, &tenantCopy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Slug < result[j].Slug })
	return result, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if _, exists := m.conversations[conv.ID]; exists {
		return fmt.Errorf("inserting conversation: %w: duplicate id %s", ErrStorage, conv.ID)
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.CreatedAt = conv.CreatedAt.UTC().Truncate(time.Microsecond)
	if conv.UpdatedAt.Before(conv.CreatedAt) {
		conv.UpdatedAt = conv.CreatedAt
	}

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListConversations returns the owner's conversations, most recently updated first.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	result := make([]*Conversation, 0)
	for _, c := range m.conversations {
		if c.OwnerID != filter.OwnerID {
			continue
		}
		if filter.TenantSlug != "" && c.TenantSlug != filter.TenantSlug {
			continue
		}
		convCopy := *c
		result = append(result, &convCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ownedLocked returns the conversation after checking ownership. Must be called with mu held.
func (m *MockStore) ownedLocked(id, ownerID string) (*Conversation, error) {
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.OwnerID != ownerID {
		return nil, ErrUnauthorized
	}
	return c, nil
}

// RenameConversation sets the title and bumps updated_at.
func (m *MockStore) RenameConversation(ctx context.Context, id, ownerID string, title *string, at time.Time) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.ownedLocked(id, ownerID)
	if err != nil {
		return nil, err
	}
	c.Title = title
	c.UpdatedAt = laterOf(c.UpdatedAt, at.UTC().Truncate(time.Microsecond))

	result := *c
	return &result, nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MockStore) DeleteConversation(ctx context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.ownedLocked(id, ownerID); err != nil {
		return err
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

// TouchConversation moves updated_at forward.
func (m *MockStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.UpdatedAt = laterOf(c.UpdatedAt, at.UTC().Truncate(time.Microsecond))
	return nil
}

// AppendMessage stores msg as the newest message of its conversation.
func (m *MockStore) AppendMessage(ctx context.Context, ownerID string, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.ownedLocked(msg.ConversationID, ownerID)
	if err != nil {
		return err
	}
	if m.FailAppendFor != "" && msg.Sender == m.FailAppendFor {
		return fmt.Errorf("inserting message: %w: injected failure", ErrStorage)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	existing := m.messages[msg.ConversationID]
	var last time.Time
	if n := len(existing); n > 0 {
		last = existing[n-1].CreatedAt
	}
	now := msg.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	msg.Seq = int64(len(existing)) + 1
	msg.CreatedAt = nextCreatedAt(now, last, len(existing) > 0)

	msgCopy := *msg
	m.messages[msg.ConversationID] = append(existing, &msgCopy)
	c.UpdatedAt = laterOf(c.UpdatedAt, msg.CreatedAt)
	return nil
}

// ListMessages returns messages with seq > afterSeq in ascending order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, afterSeq int64) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}

	result := make([]*Message, 0)
	for _, msg := range m.messages[conversationID] {
		if msg.Seq <= afterSeq {
			continue
		}
		msgCopy := *msg
		result = append(result, &msgCopy)
	}
	return result, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
