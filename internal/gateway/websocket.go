// ABOUTME: WebSocket stream of the same conversation events served over SSE
// ABOUTME: A single writer goroutine owns the socket; the read loop only watches for close

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/realtime"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 4096
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Callers are authenticated by token, not by cookie, so any origin may connect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is the JSON sent on the socket. Event frames embed the realtime
// event; the final frame before a server-side close has type "error".
type wsFrame struct {
	realtime.Event
	Error string `json:"error,omitempty"`
}

// wsConn serializes writes to a websocket.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) writePing() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) close(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	_ = c.ws.Close()
}

// readLoop discards client frames and returns when the peer goes away.
func (c *wsConn) readLoop(closed chan<- struct{}) {
	defer close(closed)
	c.ws.SetReadLimit(wsReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// handleWebSocket handles GET /api/conversations/{id}/ws.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stream, err := g.openStream(ctx, r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	defer stream.sub.Close()

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{ws: ws}

	peerClosed := make(chan struct{})
	go conn.readLoop(peerClosed)

	for _, m := range stream.backlog {
		if err := conn.writeJSON(wsFrame{Event: realtime.MessageAppended(stream.tenant, m, "")}); err != nil {
			_ = ws.Close()
			return
		}
	}

	g.logger.Debug("websocket stream opened",
		"conversation_id", stream.sub.ConversationID(),
		"sub_id", stream.sub.ID(),
		"backlog", len(stream.backlog))

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.close(websocket.CloseGoingAway, "request done")
			return

		case <-peerClosed:
			_ = ws.Close()
			return

		case <-ticker.C:
			if err := conn.writePing(); err != nil {
				_ = ws.Close()
				return
			}

		case ev, ok := <-stream.sub.Events():
			if !ok {
				reason := closeReason(stream.sub.Err())
				_ = conn.writeJSON(wsFrame{Event: realtime.Event{Type: "error"}, Error: reason})
				conn.close(websocket.CloseTryAgainLater, reason)
				return
			}
			batch, err := stream.next(ctx, ev)
			if err != nil {
				g.logger.Warn("websocket backfill failed",
					"conversation_id", stream.sub.ConversationID(),
					"error", err)
				reason := "backfill failed, reconnect and fetch with after_seq"
				_ = conn.writeJSON(wsFrame{Event: realtime.Event{Type: "error"}, Error: reason})
				conn.close(websocket.CloseTryAgainLater, reason)
				return
			}
			for _, out := range batch {
				if err := conn.writeJSON(wsFrame{Event: out}); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}
}
