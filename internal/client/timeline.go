// ABOUTME: Client-side view of a conversation merging pending sends with confirmed messages
// ABOUTME: Pending entries are confirmed by client_ref; confirmed entries are unique by message id

package client

import (
	"slices"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/realtime"
	"github.com/2389/relay-gateway/internal/store"
)

// EntryState is where an entry is in the send lifecycle.
type EntryState string

const (
	EntryPending   EntryState = "pending"
	EntryConfirmed EntryState = "confirmed"
	EntryFailed    EntryState = "failed"
)

// Entry is one row of a Timeline.
type Entry struct {
	State     EntryState
	ClientRef string
	Message   store.Message
}

// Timeline holds a conversation as the user sees it. Confirmed messages
// are ordered by seq and never appear twice; pending and failed entries
// follow them in the order they were added. A pending entry becomes
// confirmed, in place of a new row, when a message carrying its
// client_ref is applied.
type Timeline struct {
	mu        sync.Mutex
	confirmed []*Entry
	local     []*Entry
	byID      map[string]*Entry
	byRef     map[string]*Entry
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		byID:  make(map[string]*Entry),
		byRef: make(map[string]*Entry),
	}
}

// AddPending records a message the user has sent but the gateway has not
// confirmed yet. Adding a ref twice returns the existing entry.
func (t *Timeline) AddPending(ref string, msg Outgoing) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byRef[ref]; ok {
		return *e
	}
	kind := msg.Kind
	if kind == "" {
		kind = store.MessageKindText
	}
	e := &Entry{
		State:     EntryPending,
		ClientRef: ref,
		Message: store.Message{
			Kind:      kind,
			Content:   msg.Content,
			Sender:    store.SenderUser,
			CreatedAt: time.Now().UTC(),
		},
	}
	if msg.MediaURL != "" {
		u := msg.MediaURL
		e.Message.MediaURL = &u
	}
	t.local = append(t.local, e)
	t.byRef[ref] = e
	return *e
}

// Apply merges a server-confirmed message. clientRef, when set, confirms
// the matching pending entry. It reports whether the timeline changed;
// a message whose id is already present is ignored.
func (t *Timeline) Apply(msg *store.Message, clientRef string) bool {
	if msg == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	settled := t.settle(clientRef)
	if existing, ok := t.byID[msg.ID]; ok {
		// Seen before without its ref (e.g. in a replayed backlog)
		if settled && existing.ClientRef == "" {
			existing.ClientRef = clientRef
		}
		return settled
	}

	e := &Entry{State: EntryConfirmed, Message: *msg}
	if settled {
		e.ClientRef = clientRef
	}

	i, _ := slices.BinarySearchFunc(t.confirmed, msg.Seq, func(x *Entry, seq int64) int {
		switch {
		case x.Message.Seq < seq:
			return -1
		case x.Message.Seq > seq:
			return 1
		}
		return 0
	})
	t.confirmed = slices.Insert(t.confirmed, i, e)
	t.byID[msg.ID] = e
	return true
}

// settle removes the local entry tagged ref, if any.
func (t *Timeline) settle(ref string) bool {
	if ref == "" {
		return false
	}
	local, ok := t.byRef[ref]
	if !ok {
		return false
	}
	t.local = slices.DeleteFunc(t.local, func(x *Entry) bool { return x == local })
	delete(t.byRef, ref)
	return true
}

// ApplyEvent applies a message.appended event; other events are ignored.
func (t *Timeline) ApplyEvent(ev realtime.Event) bool {
	if ev.Type != realtime.EventMessageAppended {
		return false
	}
	return t.Apply(ev.Message, ev.ClientRef)
}

// ApplyResult applies both messages of a completed submission.
func (t *Timeline) ApplyResult(ref string, res *SubmitResult) {
	if res == nil {
		return
	}
	t.Apply(res.Message, ref)
	t.Apply(res.Reply, "")
}

// Fail marks a pending entry as not delivered.
func (t *Timeline) Fail(ref string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byRef[ref]; ok && e.State == EntryPending {
		e.State = EntryFailed
	}
}

// Entries returns a snapshot: confirmed messages in seq order, then
// pending and failed entries.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.confirmed)+len(t.local))
	for _, e := range t.confirmed {
		out = append(out, *e)
	}
	for _, e := range t.local {
		out = append(out, *e)
	}
	return out
}

// LastSeq returns the highest confirmed seq, for resuming a watch.
func (t *Timeline) LastSeq() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.confirmed) == 0 {
		return 0
	}
	return t.confirmed[len(t.confirmed)-1].Message.Seq
}
