// ABOUTME: Subscription handle returned by Hub.Subscribe
// ABOUTME: Typed event queue with idempotent Close and a terminal error

package realtime

import (
	"sync"
	"sync/atomic"
)

// Subscription receives the events of one conversation in publish order.
// Events() is closed when the subscription ends; Err() then reports why
// (nil for a normal Close).
type Subscription struct {
	id             string
	conversationID string
	hub            *Hub

	ch     chan Event
	done   chan struct{}
	once   sync.Once
	failed atomic.Bool

	mu  sync.Mutex
	err error
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// ConversationID returns the conversation this subscription follows.
func (s *Subscription) ConversationID() string { return s.conversationID }

// Events returns the event queue.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the reason the subscription ended, or nil.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. Safe to call more than once and after a failure.
func (s *Subscription) Close() {
	s.hub.remove(s, nil)
}

// finish closes the queue exactly once. Callers hold the hub write lock so no
// publish can be sending concurrently.
func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
		close(s.done)
	})
}
