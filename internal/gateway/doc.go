// Package gateway is the HTTP front of the relay.
//
// # Overview
//
// New wires the configured store (SQLite or Postgres), seeds tenants, builds
// the realtime hub with its optional AMQP or Redis transport and registers
// the API routes. Run serves HTTP on a TCP address or a Tailscale node and
// supervises the transport until the context is cancelled.
//
// # Request pipeline
//
// Every /api route passes through:
//
//  1. auth.HTTPAuthMiddleware (bearer JWT, or X-User-ID in development mode)
//  2. tenant resolution (X-Tenant header, ?tenant=, then Host subdomain)
//  3. tenant lookup; unknown tenants get 404, suspended or cancelled ones 403
//
// # Streams
//
// GET /api/conversations/{id}/events (SSE) and /ws (WebSocket) subscribe to
// the hub first, then replay messages after ?after_seq (or Last-Event-ID),
// then forward live message.appended events. Message ids already sent are
// skipped. When the subscription ends the stream sends a final "error" event
// and closes; clients reconnect with the last seq they saw.
//
// # Errors
//
// Handlers return JSON bodies of the form {"error": "..."}. Storage failures
// are logged and reported as "internal error".
package gateway
