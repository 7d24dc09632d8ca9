package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport fails the first failFirst Listen calls, then stays connected
// and delivers whatever is pushed on remote.
type fakeTransport struct {
	mu        sync.Mutex
	failFirst int
	listens   int
	published []Event

	remote chan Event
	drop   chan struct{}
}

func newFakeTransport(failFirst int) *fakeTransport {
	return &fakeTransport{
		failFirst: failFirst,
		remote:    make(chan Event, 16),
		drop:      make(chan struct{}, 1),
	}
}

func (f *fakeTransport) Listen(ctx context.Context, ready func(), deliver func(Event)) error {
	f.mu.Lock()
	f.listens++
	n := f.listens
	f.mu.Unlock()

	if n <= f.failFirst {
		return errors.New("broker unreachable")
	}
	ready()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.drop:
			return errors.New("connection reset")
		case ev := <-f.remote:
			deliver(ev)
		}
	}
}

func (f *fakeTransport) Publish(ctx context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) listenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listens
}

func (f *fakeTransport) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func startHub(t *testing.T, tr Transport) *Hub {
	t.Helper()
	h := NewHub(Options{
		Transport:    tr,
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.Close()
	})
	return h
}

func TestRun_RetriesUntilSubscribed(t *testing.T) {
	tr := newFakeTransport(3)
	h := startHub(t, tr)

	require.Eventually(t, h.RemoteConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, tr.listenCount())
}

func TestRun_ResubscribesAfterDrop(t *testing.T) {
	tr := newFakeTransport(0)
	h := startHub(t, tr)
	require.Eventually(t, h.RemoteConnected, time.Second, 5*time.Millisecond)

	tr.drop <- struct{}{}

	require.Eventually(t, func() bool { return tr.listenCount() >= 2 && h.RemoteConnected() },
		2*time.Second, 5*time.Millisecond)
}

func TestHub_RemoteEventsDelivered(t *testing.T) {
	tr := newFakeTransport(0)
	h := startHub(t, tr)
	require.Eventually(t, h.RemoteConnected, time.Second, 5*time.Millisecond)

	sub := h.Subscribe(t.Context(), "conv-1")

	remote := makeEvent("msg-remote", "conv-1")
	remote.Origin = "other-instance"
	tr.remote <- remote

	assert.Equal(t, "msg-remote", receive(t, sub).Message.ID)
}

func TestHub_OwnEventsFromTransportIgnored(t *testing.T) {
	tr := newFakeTransport(0)
	h := startHub(t, tr)
	require.Eventually(t, h.RemoteConnected, time.Second, 5*time.Millisecond)

	sub := h.Subscribe(t.Context(), "conv-1")
	h.Publish(context.Background(), makeEvent("msg-1", "conv-1"))
	assert.Equal(t, "msg-1", receive(t, sub).Message.ID)
	require.Equal(t, 1, tr.publishedCount())

	// The broker echoes our own event back
	tr.mu.Lock()
	echo := tr.published[0]
	tr.mu.Unlock()
	tr.remote <- echo

	select {
	case ev := <-sub.Events():
		t.Fatalf("own event delivered twice: %v", ev.Message.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishWhileTransportDownIsLocal(t *testing.T) {
	tr := newFakeTransport(1000)
	h := NewHub(Options{Transport: tr})
	defer h.Close()

	sub := h.Subscribe(t.Context(), "conv-1")
	h.Publish(context.Background(), makeEvent("msg-1", "conv-1"))

	assert.Equal(t, "msg-1", receive(t, sub).Message.ID)
	assert.Equal(t, 0, tr.publishedCount())
}

func TestRun_NoTransportWaitsForContext(t *testing.T) {
	h := NewHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestJitteredDelay(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitteredDelay(100*time.Millisecond, time.Second)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Equal(t, time.Second, jitteredDelay(10*time.Second, time.Second))
}
