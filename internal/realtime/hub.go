// ABOUTME: In-memory fan-out hub delivering committed messages to conversation viewers
// ABOUTME: Optionally mirrors events through a Transport so several instances share viewers

package realtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBufferSize is the event buffer for each subscriber.
	DefaultBufferSize = 64
)

// Options configures a Hub
type Options struct {
	// BufferSize is the per-subscriber queue length; a full queue closes the
	// subscription with ErrSlowConsumer.
	BufferSize int

	// Transport mirrors events to other instances. Nil keeps delivery in-process.
	Transport Transport

	// ReconnectMin and ReconnectMax bound the transport re-subscribe backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Logger *slog.Logger
}

// Hub fans out events to the subscribers of each conversation.
// Callers that need per-conversation ordering must not publish events for the
// same conversation concurrently.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscription // conversationID -> subID -> sub
	closed      bool

	bufferSize int
	instanceID string

	transport    Transport
	remoteUp     atomic.Bool
	reconnectMin time.Duration
	reconnectMax time.Duration

	logger *slog.Logger
}

// NewHub creates a hub. Call Run to start the transport supervisor when a
// transport is configured.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
		if opts.ReconnectMax < opts.ReconnectMin {
			opts.ReconnectMax = opts.ReconnectMin
		}
	}
	return &Hub{
		subscribers:  make(map[string]map[string]*Subscription),
		bufferSize:   opts.BufferSize,
		instanceID:   uuid.New().String(),
		transport:    opts.Transport,
		reconnectMin: opts.ReconnectMin,
		reconnectMax: opts.ReconnectMax,
		logger:       opts.Logger.With("component", "realtime"),
	}
}

// Subscribe registers a viewer for conversationID. The subscription is
// closed automatically when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, conversationID string) *Subscription {
	sub := &Subscription{
		id:             uuid.New().String(),
		conversationID: conversationID,
		hub:            h,
		ch:             make(chan Event, h.bufferSize),
		done:           make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		sub.finish(ErrHubClosed)
		h.mu.Unlock()
		return sub
	}
	subs, ok := h.subscribers[conversationID]
	if !ok {
		subs = make(map[string]*Subscription)
		h.subscribers[conversationID] = subs
	}
	subs[sub.id] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", sub.id)

	// Auto-cleanup on context cancellation
	go func() {
		select {
		case <-ctx.Done():
			h.remove(sub, nil)
		case <-sub.done:
		}
	}()

	return sub
}

// Unsubscribe ends sub. Equivalent to sub.Close().
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.remove(sub, nil)
}

// Publish delivers ev to local subscribers and, when the transport is up,
// forwards it to other instances. Local delivery never waits on the transport
// being available.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	ev.Origin = h.instanceID
	h.deliver(ev)

	if h.transport == nil {
		return
	}
	if !h.remoteUp.Load() {
		h.logger.Debug("transport down, delivered locally only",
			"conversation_id", ev.ConversationID)
		return
	}
	if err := h.transport.Publish(ctx, ev); err != nil {
		h.logger.Warn("transport publish failed",
			"conversation_id", ev.ConversationID,
			"error", err)
	}
}

// SubscriberCount returns the number of live subscriptions for a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[conversationID])
}

// RemoteConnected reports whether the transport subscription is established.
func (h *Hub) RemoteConnected() bool {
	return h.remoteUp.Load()
}

// Close shuts down the hub, ending all subscriptions with ErrHubClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for convID, subs := range h.subscribers {
		for subID, sub := range subs {
			sub.finish(ErrHubClosed)
			delete(subs, subID)
		}
		delete(h.subscribers, convID)
	}
	h.mu.Unlock()

	h.logger.Debug("hub closed")
	if h.transport != nil {
		return h.transport.Close()
	}
	return nil
}

// deliver sends ev to every local subscriber of its conversation without blocking.
// Sends happen under the read lock; subscriptions are only closed under the
// write lock, so a send never hits a closed channel.
func (h *Hub) deliver(ev Event) {
	var slow []*Subscription

	h.mu.RLock()
	for _, sub := range h.subscribers[ev.ConversationID] {
		if sub.failed.Load() {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Never skip an event silently: mark the subscriber failed so it
			// sees no later events either, then close it.
			sub.failed.Store(true)
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("closing slow subscriber",
			"conversation_id", ev.ConversationID,
			"sub_id", sub.id)
		h.remove(sub, ErrSlowConsumer)
	}
}

// deliverRemote handles events arriving from the transport.
func (h *Hub) deliverRemote(ev Event) {
	if ev.Origin == h.instanceID {
		return
	}
	h.deliver(ev)
}

func (h *Hub) remove(sub *Subscription, err error) {
	h.mu.Lock()
	if subs, ok := h.subscribers[sub.conversationID]; ok && subs[sub.id] == sub {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.subscribers, sub.conversationID)
		}
		h.logger.Debug("subscriber removed",
			"conversation_id", sub.conversationID,
			"sub_id", sub.id)
	}
	sub.finish(err)
	h.mu.Unlock()
}
