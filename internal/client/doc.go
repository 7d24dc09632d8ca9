// Package client is a Go SDK for the relay-gateway HTTP API.
//
// # Overview
//
// Client wraps the conversation, message and media endpoints. Identity is
// a bearer token, or an X-User-ID header for gateways running without a
// JWT secret. The tenant is sent as X-Tenant.
//
//	c := client.New(client.Options{BaseURL: "http://localhost:8080", Token: tok, Tenant: "acme"})
//	res, err := c.Submit(ctx, "", client.Outgoing{Content: "hello", ClientRef: ref})
//
// # Watching
//
// Watch follows a conversation over SSE. When the stream drops it
// reconnects with after_seq set to the last seq it delivered, so the
// gateway replays anything committed during the outage. Replays can repeat
// events; apply them to a Timeline.
//
// # Timeline
//
// Timeline merges what the user has sent with what the gateway confirmed.
// AddPending shows a message immediately under a client_ref. The
// message.appended event (or the submit response) carrying the same ref
// replaces the pending row. Confirmed rows are keyed by message id, so a
// redelivered event never adds a second row.
package client
