// ABOUTME: Real-time event types delivered to conversation viewers
// ABOUTME: Events are JSON-encoded for remote transports and streaming endpoints

package realtime

import (
	"errors"

	"github.com/2389/relay-gateway/internal/store"
)

// EventMessageAppended is emitted after a message has been committed
const EventMessageAppended = "message.appended"

// ErrSlowConsumer closes a subscription whose buffer filled up; the viewer
// must reconnect and re-fetch to catch up.
var ErrSlowConsumer = errors.New("subscriber too slow")

// ErrHubClosed closes subscriptions that were open when the hub shut down
var ErrHubClosed = errors.New("realtime hub closed")

// Event is a change to a conversation
type Event struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	TenantSlug     string         `json:"tenant"`
	Message        *store.Message `json:"message,omitempty"`

	// ClientRef echoes the client's optimistic reference for the user message
	ClientRef string `json:"client_ref,omitempty"`

	// Origin is the hub instance that published the event; used to skip
	// our own events when they come back from a shared transport.
	Origin string `json:"origin,omitempty"`
}

// MessageAppended builds the event for a committed message.
func MessageAppended(tenantSlug string, msg *store.Message, clientRef string) Event {
	return Event{
		Type:           EventMessageAppended,
		ConversationID: msg.ConversationID,
		TenantSlug:     tenantSlug,
		Message:        msg,
		ClientRef:      clientRef,
	}
}
