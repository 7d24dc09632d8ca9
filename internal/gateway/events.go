// ABOUTME: Server-Sent Events stream of message.appended events for one conversation
// ABOUTME: Replays the backlog after after_seq, then forwards live events in seq order without duplicates

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/realtime"
	"github.com/2389/relay-gateway/internal/store"
)

// sseHeartbeat keeps idle streams open through proxies
const sseHeartbeat = 15 * time.Second

// eventStream is a subscription primed with the conversation's backlog.
// The subscription is opened before the backlog is read, so a message
// committed in between shows up in one or both; lastSeq drops the repeat.
// Events relayed from other instances can arrive after later local ones,
// so live events are re-sequenced against the store before they are sent.
type eventStream struct {
	tenant   string
	backlog  []*store.Message
	sub      *realtime.Subscription
	lastSeq  int64
	backfill func(ctx context.Context, afterSeq int64) ([]*store.Message, error)
}

// openStream checks access to the conversation and subscribes to it.
func (g *Gateway) openStream(ctx context.Context, r *http.Request) (*eventStream, error) {
	afterSeq, err := parseAfterSeq(r)
	if err != nil {
		return nil, err
	}

	t := tenantFromContext(r.Context())
	userID := auth.UserID(r.Context())
	id := r.PathValue("id")

	if _, err := g.conversations.Get(ctx, t, userID, id); err != nil {
		return nil, err
	}

	sub := g.hub.Subscribe(ctx, id)
	backlog, err := g.conversations.ListMessages(ctx, t, userID, id, afterSeq)
	if err != nil {
		sub.Close()
		return nil, err
	}

	lastSeq := afterSeq
	for _, m := range backlog {
		lastSeq = max(lastSeq, m.Seq)
	}
	return &eventStream{
		tenant:  t.Slug,
		backlog: backlog,
		sub:     sub,
		lastSeq: lastSeq,
		backfill: func(ctx context.Context, after int64) ([]*store.Message, error) {
			return g.conversations.ListMessages(ctx, t, userID, id, after)
		},
	}, nil
}

// next returns the events to send for ev, in seq order. Messages at or below
// the last sent seq are dropped. When ev skips ahead, the messages in between
// are read from the store and sent first.
func (s *eventStream) next(ctx context.Context, ev realtime.Event) ([]realtime.Event, error) {
	if ev.Message == nil {
		return []realtime.Event{ev}, nil
	}
	seq := ev.Message.Seq
	if seq <= s.lastSeq {
		return nil, nil
	}

	var out []realtime.Event
	if seq > s.lastSeq+1 {
		missing, err := s.backfill(ctx, s.lastSeq)
		if err != nil {
			return nil, fmt.Errorf("backfilling after seq %d: %w", s.lastSeq, err)
		}
		for _, m := range missing {
			if m.Seq >= seq {
				break
			}
			out = append(out, realtime.MessageAppended(s.tenant, m, ""))
		}
	}
	s.lastSeq = seq
	return append(out, ev), nil
}

// closeReason describes why the subscription ended, for the client.
func closeReason(err error) string {
	switch {
	case errors.Is(err, realtime.ErrSlowConsumer):
		return "subscriber too slow, reconnect and fetch with after_seq"
	case errors.Is(err, realtime.ErrHubClosed):
		return "server shutting down"
	case err != nil:
		return err.Error()
	default:
		return "stream closed"
	}
}

// formatSSEEvent formats an SSE event with the standard format:
// id: <id>\nevent: <eventType>\ndata: <data>\n\n
func formatSSEEvent(id, eventType string, data []byte) string {
	if id != "" {
		return fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", id, eventType, data)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
// Message events carry the message seq as the SSE id.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev realtime.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return nil
	}
	var id string
	if ev.Message != nil {
		id = strconv.FormatInt(ev.Message.Seq, 10)
	}
	if _, err := fmt.Fprint(w, formatSSEEvent(id, ev.Type, data)); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleEvents handles GET /api/conversations/{id}/events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	stream, err := g.openStream(ctx, r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	defer stream.sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, m := range stream.backlog {
		if err := g.writeSSEEvent(w, flusher, realtime.MessageAppended(stream.tenant, m, "")); err != nil {
			return
		}
	}

	g.logger.Debug("event stream opened",
		"conversation_id", stream.sub.ConversationID(),
		"sub_id", stream.sub.ID(),
		"backlog", len(stream.backlog))

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, ok := <-stream.sub.Events():
			if !ok {
				data, _ := json.Marshal(map[string]string{"error": closeReason(stream.sub.Err())})
				_, _ = fmt.Fprint(w, formatSSEEvent("", "error", data))
				flusher.Flush()
				return
			}
			batch, err := stream.next(ctx, ev)
			if err != nil {
				g.logger.Warn("event stream backfill failed",
					"conversation_id", stream.sub.ConversationID(),
					"error", err)
				data, _ := json.Marshal(map[string]string{"error": "backfill failed, reconnect and fetch with after_seq"})
				_, _ = fmt.Fprint(w, formatSSEEvent("", "error", data))
				flusher.Flush()
				return
			}
			for _, out := range batch {
				if err := g.writeSSEEvent(w, flusher, out); err != nil {
					return
				}
			}
		}
	}
}
