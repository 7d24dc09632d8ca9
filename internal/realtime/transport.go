// ABOUTME: Transport abstraction for sharing events between gateway instances
// ABOUTME: Run supervises the transport subscription and re-subscribes with backoff

package realtime

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrTransportDown is returned by Publish while the transport has no connection
var ErrTransportDown = errors.New("realtime transport down")

// Transport carries events between instances.
type Transport interface {
	// Publish sends ev to every instance listening on the transport.
	Publish(ctx context.Context, ev Event) error

	// Listen connects, calls ready once the subscription is in place and then
	// passes every received event to deliver. It returns when ctx is done
	// (nil) or the connection drops (the cause).
	Listen(ctx context.Context, ready func(), deliver func(Event)) error

	// Close releases the transport's connections.
	Close() error
}

// Pinger is implemented by transports that can check their broker.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the transport's broker. It returns nil when the hub has no
// transport or the transport cannot be pinged.
func (h *Hub) Ping(ctx context.Context) error {
	p, ok := h.transport.(Pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// Run supervises the transport until ctx is cancelled. When the subscription
// drops it is re-established with jittered exponential backoff; events
// published elsewhere in the meantime are not replayed. Without a transport
// Run just waits for ctx.
func (h *Hub) Run(ctx context.Context) error {
	if h.transport == nil {
		<-ctx.Done()
		return nil
	}

	backoff := h.reconnectMin
	for {
		err := h.transport.Listen(ctx, func() {
			h.remoteUp.Store(true)
			backoff = h.reconnectMin
			h.logger.Info("transport subscribed")
		}, h.deliverRemote)
		h.remoteUp.Store(false)

		if ctx.Err() != nil {
			return nil
		}

		wait := jitteredDelay(backoff, h.reconnectMax)
		h.logger.Warn("transport dropped, re-subscribing",
			"error", err,
			"retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if backoff*2 < h.reconnectMax {
			backoff *= 2
		} else {
			backoff = h.reconnectMax
		}
	}
}

// jitteredDelay spreads reconnects by +/-25% and caps the result.
func jitteredDelay(base, limit time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * 0.25
	wait := time.Duration(float64(base) * (1 + delta))
	if wait <= 0 {
		wait = base
	}
	if wait > limit {
		wait = limit
	}
	return wait
}
