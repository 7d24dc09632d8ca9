// ABOUTME: Reconnecting SSE watcher for a conversation's message.appended events
// ABOUTME: Resumes with after_seq so messages committed during an outage are re-fetched

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/realtime"
)

const (
	watchBufferSize   = 64
	watchReconnectMin = 250 * time.Millisecond
	watchReconnectMax = 10 * time.Second
)

// sseEvent is a parsed Server-Sent Event.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// parseSSE reads events from r and calls fn for each complete one.
// Comment lines (heartbeats) are skipped.
func parseSSE(r io.Reader, fn func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current sseEvent
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if len(dataLines) > 0 {
				current.Data = strings.Join(dataLines, "\n")
				if current.Event == "" {
					current.Event = "message"
				}
				if err := fn(current); err != nil {
					return err
				}
			}
			current = sseEvent{}
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			current.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			current.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading SSE stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

// Watcher follows one conversation over SSE and reconnects until closed.
// Events may repeat across reconnects; apply them to a Timeline, which
// drops duplicates by message id.
type Watcher struct {
	client         *Client
	conversationID string

	events chan realtime.Event
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	lastSeq  int64
	err      error
	connects int
}

// Watch starts following conversationID from after afterSeq. The watcher
// stops when ctx is cancelled, Close is called, or the gateway answers with
// a permanent error (not found, forbidden, unauthorized).
func (c *Client) Watch(ctx context.Context, conversationID string, afterSeq int64) *Watcher {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		client:         c,
		conversationID: conversationID,
		events:         make(chan realtime.Event, watchBufferSize),
		cancel:         cancel,
		done:           make(chan struct{}),
		lastSeq:        afterSeq,
	}
	go w.run(ctx)
	return w
}

// Events returns the event queue. It is closed when the watcher stops.
func (w *Watcher) Events() <-chan realtime.Event { return w.events }

// Done is closed when the watcher stops.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// LastSeq returns the highest message seq delivered so far.
func (w *Watcher) LastSeq() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Connects returns how many streams have been opened.
func (w *Watcher) Connects() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connects
}

// Err returns the error that stopped the watcher, if any.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close stops the watcher and waits for it to exit.
func (w *Watcher) Close() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	backoff := watchReconnectMin
	for {
		delivered, err := w.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if isPermanent(err) {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			w.client.logger.Warn("watch stopped", "conversation_id", w.conversationID, "error", err)
			return
		}
		if delivered {
			backoff = watchReconnectMin
		}
		w.client.logger.Debug("watch reconnecting",
			"conversation_id", w.conversationID,
			"after_seq", w.LastSeq(),
			"backoff", backoff,
			"error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, watchReconnectMax)
	}
}

// stream opens one SSE connection and forwards its events until it ends.
// It reports whether any event was delivered.
func (w *Watcher) stream(ctx context.Context) (bool, error) {
	path := "/api/conversations/" + url.PathEscape(w.conversationID) + "/events"
	req, err := w.client.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	afterSeq := w.LastSeq()
	if afterSeq > 0 {
		q := req.URL.Query()
		q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := w.client.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("opening event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, errorFromResponse(resp)
	}

	w.mu.Lock()
	w.connects++
	w.mu.Unlock()

	delivered := false
	err = parseSSE(resp.Body, func(ev sseEvent) error {
		switch ev.Event {
		case "error":
			var data struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal([]byte(ev.Data), &data)
			return fmt.Errorf("stream closed by gateway: %s", data.Error)

		case realtime.EventMessageAppended:
			var e realtime.Event
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				w.client.logger.Warn("skipping malformed event", "error", err)
				return nil
			}
			select {
			case w.events <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
			delivered = true
			if e.Message != nil {
				w.mu.Lock()
				w.lastSeq = max(w.lastSeq, e.Message.Seq)
				w.mu.Unlock()
			}
		}
		return nil
	})
	return delivered, err
}

// isPermanent reports whether reconnecting cannot help.
func isPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnauthorized)
}
