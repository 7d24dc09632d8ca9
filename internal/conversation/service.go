// ABOUTME: Conversation service: tenant-scoped conversation CRUD and message appends
// ABOUTME: Every committed message is published to the realtime hub under a per-conversation lock

package conversation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/realtime"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/webhook"
)

// ErrInvalidMessage is returned for messages that fail kind/content validation
var ErrInvalidMessage = errors.New("invalid message")

// ErrDuplicateSubmit is returned when a client_ref is submitted twice
var ErrDuplicateSubmit = errors.New("duplicate submission")

const (
	// lockStripes is the number of mutexes appends are serialized on
	lockStripes = 64

	// persistTimeout bounds bot-side writes that run detached from the request
	persistTimeout = 10 * time.Second

	// submitWindow is how long a client_ref is remembered
	submitWindow = 10 * time.Minute
	submitMax    = 10000

	maxTitleRunes = 60
)

// Relayer forwards a user message to the tenant's webhook
type Relayer interface {
	Relay(ctx context.Context, tenant *store.Tenant, p webhook.Payload) (*webhook.Reply, error)
}

// Publisher receives committed message events
type Publisher interface {
	Publish(ctx context.Context, ev realtime.Event)
}

// Service is the conversation layer. Messages are recorded first and then
// published, so every event a viewer sees refers to a committed row.
type Service struct {
	store     store.Store
	relay     Relayer
	publisher Publisher
	logger    *slog.Logger

	locks   [lockStripes]sync.Mutex
	submits *dedupe.Window
	now     func() time.Time
}

// New creates a Service. relay and publisher may be nil in tests that only
// exercise persistence.
func New(st store.Store, relay Relayer, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		relay:     relay,
		publisher: publisher,
		logger:    logger.With("component", "conversation"),
		submits:   dedupe.NewWindow(submitWindow, submitMax),
		now:       time.Now,
	}
}

// NewMessage is the caller-supplied part of a message
type NewMessage struct {
	Kind     store.MessageKind
	Content  string
	MediaURL string
}

// Validate checks kind/content/media rules.
func (m NewMessage) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	if m.Kind == store.MessageKindText && strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: text message needs content", ErrInvalidMessage)
	}
	if m.Kind.IsMedia() && strings.TrimSpace(m.MediaURL) == "" {
		return fmt.Errorf("%w: %s message needs a media url", ErrInvalidMessage, m.Kind)
	}
	return nil
}

// Create starts a conversation for ownerID in tenant.
func (s *Service) Create(ctx context.Context, tenant *store.Tenant, ownerID string, title *string) (*store.Conversation, error) {
	now := s.now()
	conv := &store.Conversation{
		TenantSlug: tenant.Slug,
		OwnerID:    ownerID,
		Title:      cleanTitle(title),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Info("conversation created", "conversation_id", conv.ID, "tenant", tenant.Slug, "owner", ownerID)
	return conv, nil
}

// Get returns a conversation owned by ownerID. Conversations of other
// tenants are reported as store.ErrNotFound.
func (s *Service) Get(ctx context.Context, tenant *store.Tenant, ownerID, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.TenantSlug != tenant.Slug {
		return nil, store.ErrNotFound
	}
	if conv.OwnerID != ownerID {
		return nil, store.ErrUnauthorized
	}
	return conv, nil
}

// List returns ownerID's conversations, most recently updated first.
// An empty tenantSlug lists across all tenants.
func (s *Service) List(ctx context.Context, ownerID, tenantSlug string, limit int) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, store.ConversationFilter{
		OwnerID:    ownerID,
		TenantSlug: tenantSlug,
		Limit:      limit,
	})
}

// Rename sets or clears the title.
func (s *Service) Rename(ctx context.Context, tenant *store.Tenant, ownerID, id string, title *string) (*store.Conversation, error) {
	if _, err := s.Get(ctx, tenant, ownerID, id); err != nil {
		return nil, err
	}
	return s.store.RenameConversation(ctx, id, ownerID, cleanTitle(title), s.now())
}

// Delete removes the conversation and all of its messages.
func (s *Service) Delete(ctx context.Context, tenant *store.Tenant, ownerID, id string) error {
	if _, err := s.Get(ctx, tenant, ownerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, id, ownerID); err != nil {
		return err
	}
	s.logger.Info("conversation deleted", "conversation_id", id, "tenant", tenant.Slug)
	return nil
}

// ListMessages returns messages with seq > afterSeq in timeline order.
func (s *Service) ListMessages(ctx context.Context, tenant *store.Tenant, ownerID, id string, afterSeq int64) ([]*store.Message, error) {
	if _, err := s.Get(ctx, tenant, ownerID, id); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, id, afterSeq)
}

// Append validates and stores one message, then publishes it.
func (s *Service) Append(ctx context.Context, tenant *store.Tenant, ownerID, conversationID string, in NewMessage, sender store.Sender) (*store.Message, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, tenant, ownerID, conversationID); err != nil {
		return nil, err
	}
	return s.append(ctx, tenant, ownerID, conversationID, in, sender, "")
}

// append stores msg and publishes it while holding the conversation's stripe
// lock, so viewers receive events in commit order.
func (s *Service) append(ctx context.Context, tenant *store.Tenant, ownerID, conversationID string, in NewMessage, sender store.Sender, clientRef string) (*store.Message, error) {
	msg := &store.Message{
		ConversationID: conversationID,
		Kind:           in.Kind,
		Content:        in.Content,
		Sender:         sender,
	}
	if in.MediaURL != "" {
		u := in.MediaURL
		msg.MediaURL = &u
	}

	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.AppendMessage(ctx, ownerID, msg); err != nil {
		return nil, err
	}

	s.logger.Debug("message recorded",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"sender", sender)

	if s.publisher != nil {
		s.publisher.Publish(ctx, realtime.MessageAppended(tenant.Slug, msg, clientRef))
	}
	return msg, nil
}

func (s *Service) lockFor(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return &s.locks[h.Sum32()%lockStripes]
}

func cleanTitle(title *string) *string {
	if title == nil {
		return nil
	}
	t := strings.TrimSpace(*title)
	if t == "" {
		return nil
	}
	return &t
}
