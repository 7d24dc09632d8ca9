// ABOUTME: Tests for Timeline reconciliation of pending and confirmed messages
// ABOUTME: Covers duplicate delivery, out-of-order arrival and failed sends

package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/realtime"
	"github.com/2389/relay-gateway/internal/store"
)

func msg(seq int64, sender store.Sender, content string) *store.Message {
	return &store.Message{
		ID:             fmt.Sprintf("m%d", seq),
		ConversationID: "c1",
		Seq:            seq,
		Kind:           store.MessageKindText,
		Content:        content,
		Sender:         sender,
		CreatedAt:      time.Unix(1700000000, seq*1000).UTC(),
	}
}

func seqs(entries []Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Message.Seq
	}
	return out
}

func TestTimeline_DuplicateEventIsIdempotent(t *testing.T) {
	tl := NewTimeline()
	ev := realtime.MessageAppended("acme", msg(1, store.SenderUser, "hi"), "")

	assert.True(t, tl.ApplyEvent(ev))
	assert.False(t, tl.ApplyEvent(ev), "redelivery after reconnect")

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "hi", entries[0].Message.Content)
}

func TestTimeline_PendingConfirmedByEvent(t *testing.T) {
	tl := NewTimeline()

	pending := tl.AddPending("r1", Outgoing{Content: "hello"})
	assert.Equal(t, EntryPending, pending.State)
	assert.Equal(t, store.MessageKindText, pending.Message.Kind)
	assert.Equal(t, store.SenderUser, pending.Message.Sender)
	require.Len(t, tl.Entries(), 1)

	assert.True(t, tl.ApplyEvent(realtime.MessageAppended("acme", msg(1, store.SenderUser, "hello"), "r1")))

	entries := tl.Entries()
	require.Len(t, entries, 1, "pending entry replaced, not duplicated")
	assert.Equal(t, EntryConfirmed, entries[0].State)
	assert.Equal(t, "r1", entries[0].ClientRef)
	assert.Equal(t, "m1", entries[0].Message.ID)
}

func TestTimeline_PendingConfirmedAfterUntaggedReplay(t *testing.T) {
	tl := NewTimeline()
	tl.AddPending("r1", Outgoing{Content: "hello"})

	// A reconnect backlog carries no client_ref
	assert.True(t, tl.Apply(msg(1, store.SenderUser, "hello"), ""))
	require.Len(t, tl.Entries(), 2)

	// The submit response settles the pending entry against the same id
	tl.ApplyResult("r1", &SubmitResult{
		Message: msg(1, store.SenderUser, "hello"),
		Reply:   msg(2, store.SenderBot, "hey"),
	})

	entries := tl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, []int64{1, 2}, seqs(entries))
	assert.Equal(t, "r1", entries[0].ClientRef)
	assert.Equal(t, EntryConfirmed, entries[1].State)
}

func TestTimeline_OutOfOrderArrival(t *testing.T) {
	tl := NewTimeline()
	tl.Apply(msg(3, store.SenderUser, "c"), "")
	tl.Apply(msg(1, store.SenderUser, "a"), "")
	tl.Apply(msg(2, store.SenderBot, "b"), "")

	assert.Equal(t, []int64{1, 2, 3}, seqs(tl.Entries()))
	assert.Equal(t, int64(3), tl.LastSeq())
}

func TestTimeline_PendingStaysAfterConfirmed(t *testing.T) {
	tl := NewTimeline()
	tl.Apply(msg(1, store.SenderUser, "a"), "")
	tl.AddPending("r2", Outgoing{Content: "b"})
	tl.Apply(msg(2, store.SenderBot, "reply to a"), "")

	entries := tl.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, EntryConfirmed, entries[0].State)
	assert.Equal(t, EntryConfirmed, entries[1].State)
	assert.Equal(t, EntryPending, entries[2].State)
	assert.Equal(t, int64(2), tl.LastSeq())
}

func TestTimeline_FailAndLateConfirm(t *testing.T) {
	tl := NewTimeline()
	tl.AddPending("r1", Outgoing{Content: "a"})
	tl.Fail("r1")

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, EntryFailed, entries[0].State)

	// The gateway committed it after all
	tl.Apply(msg(1, store.SenderUser, "a"), "r1")
	entries = tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, EntryConfirmed, entries[0].State)
}

func TestTimeline_AddPendingTwice(t *testing.T) {
	tl := NewTimeline()
	tl.AddPending("r1", Outgoing{Content: "a"})
	tl.AddPending("r1", Outgoing{Content: "a"})
	assert.Len(t, tl.Entries(), 1)
}

func TestTimeline_MediaPending(t *testing.T) {
	tl := NewTimeline()
	e := tl.AddPending("r1", Outgoing{Kind: store.MessageKindImage, MediaURL: "https://cdn/x.png"})
	require.NotNil(t, e.Message.MediaURL)
	assert.Equal(t, "https://cdn/x.png", *e.Message.MediaURL)
	assert.Equal(t, store.MessageKindImage, e.Message.Kind)
}

func TestTimeline_IgnoresNil(t *testing.T) {
	tl := NewTimeline()
	assert.False(t, tl.Apply(nil, ""))
	assert.False(t, tl.ApplyEvent(realtime.Event{Type: "typing"}))
	tl.ApplyResult("r", nil)
	tl.ApplyResult("r", &SubmitResult{Message: msg(1, store.SenderUser, "a")})
	assert.Len(t, tl.Entries(), 1)
	assert.Equal(t, int64(0), NewTimeline().LastSeq())
}
