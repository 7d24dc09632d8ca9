// Package conversation is the message pipeline between the HTTP API and the
// store, webhook and realtime packages.
//
// # Service
//
// Service scopes every conversation operation to the request's tenant and
// user. A conversation of another tenant is reported as store.ErrNotFound;
// one owned by another user as store.ErrUnauthorized.
//
//	svc := conversation.New(store, relay, hub, logger)
//	res, err := svc.Submit(ctx, tenant, conversation.SubmitRequest{...})
//
// # Submit
//
// A turn runs in this order:
//
//  1. Resolve the conversation, creating it on first interaction
//  2. Append the user message (request context)
//  3. Relay it to the tenant webhook (request context, webhook timeout)
//  4. Append the bot reply or a bot-side error message (detached context)
//
// Each append publishes a message.appended event while holding a striped
// per-conversation lock, so viewers see events in commit order.
//
// A failed user append is returned to the caller. A failed bot append is
// logged and the result carries a nil Reply.
//
// # Idempotency
//
// A submission with a client_ref is accepted once per user within a
// ten-minute window; repeats return ErrDuplicateSubmit. A submission that
// fails before the user message is stored releases its client_ref.
package conversation
