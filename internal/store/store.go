// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines Tenant, Conversation, Message and the sentinel errors shared by all backends

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned when the caller does not own the conversation
var ErrUnauthorized = errors.New("unauthorized")

// ErrStorage marks failures of the persistence backend itself
var ErrStorage = errors.New("storage failure")

// storageError wraps a backend error so callers can match it with errors.Is(err, ErrStorage)
// while keeping the driver error in the chain.
func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// ValidSlug reports whether slug can name a tenant. Host resolution yields
// lower-case labels, so slugs must be lower-case and free of whitespace.
func ValidSlug(slug string) bool {
	return slug != "" && slug == strings.ToLower(slug) && !strings.ContainsFunc(slug, unicode.IsSpace)
}

// TenantStatus is the lifecycle state of a tenant account
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusTrial     TenantStatus = "trial"
	TenantStatusSuspended TenantStatus = "suspended"
	TenantStatusCancelled TenantStatus = "cancelled"
)

// Valid reports whether s is a known tenant status.
func (s TenantStatus) Valid() bool {
	switch s {
	case TenantStatusActive, TenantStatusTrial, TenantStatusSuspended, TenantStatusCancelled:
		return true
	}
	return false
}

// Serving reports whether a tenant in this status may exchange messages.
func (s TenantStatus) Serving() bool {
	return s == TenantStatusActive || s == TenantStatusTrial
}

// Tenant is an isolated customer account. It is provisioned outside the relay
// and only read by request handling.
type Tenant struct {
	Slug       string       `json:"slug"`
	WebhookURL string       `json:"webhook_url"`
	Status     TenantStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Conversation is an ordered thread of messages between one user and one tenant's assistant
type Conversation struct {
	ID         string    `json:"id"`
	TenantSlug string    `json:"tenant"`
	OwnerID    string    `json:"owner_id"`
	Title      *string   `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MessageKind is the payload type of a message
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindVideo MessageKind = "video"
	MessageKindAudio MessageKind = "audio"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindVideo, MessageKindAudio:
		return true
	}
	return false
}

// IsMedia reports whether messages of this kind carry a media URL.
func (k MessageKind) IsMedia() bool {
	return k == MessageKindImage || k == MessageKindVideo || k == MessageKindAudio
}

// Sender identifies which side of the conversation wrote a message
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is an immutable entry in a conversation. Messages of one conversation
// are totally ordered by (CreatedAt, Seq); Seq starts at 1 and has no gaps.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Seq            int64       `json:"seq"`
	Kind           MessageKind `json:"kind"`
	Content        string      `json:"content"`
	Sender         Sender      `json:"sender"`
	MediaURL       *string     `json:"media_url,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ConversationFilter selects conversations for ListConversations.
// An empty TenantSlug lists the owner's conversations across all tenants.
type ConversationFilter struct {
	OwnerID    string
	TenantSlug string
	Limit      int
}

// Store defines the persistence operations used by the relay
type Store interface {
	// Tenants (read-only for request handling; UpsertTenant is used by provisioning)
	UpsertTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, slug string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)
	RenameConversation(ctx context.Context, id, ownerID string, title *string, at time.Time) (*Conversation, error)
	DeleteConversation(ctx context.Context, id, ownerID string) error
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// Messages. AppendMessage assigns Seq and CreatedAt and touches the conversation
	// in the same transaction; nothing is written if the ownership check fails.
	AppendMessage(ctx context.Context, ownerID string, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, afterSeq int64) ([]*Message, error)

	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// nextCreatedAt returns the creation time for a message appended after last.
// Timestamps are kept at microsecond resolution (the coarsest of the backends)
// and bumped by one microsecond when the clock has not advanced.
func nextCreatedAt(now, last time.Time, hasLast bool) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if hasLast && !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}

// laterOf returns the later of two instants; used to keep updated_at non-decreasing.
func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
