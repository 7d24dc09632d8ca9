// Package realtime pushes committed conversation messages to live viewers.
//
// # Hub
//
// Hub keeps the subscribers of each conversation in memory:
//
//	sub := hub.Subscribe(ctx, conversationID)
//	defer sub.Close()
//	for ev := range sub.Events() {
//	    // ev.Type == realtime.EventMessageAppended
//	}
//	if err := sub.Err(); errors.Is(err, realtime.ErrSlowConsumer) {
//	    // reconnect and re-fetch with after_seq
//	}
//
// Publish never blocks. A subscriber whose buffer is full is closed with
// ErrSlowConsumer rather than silently missing an event. Per-subscriber order
// matches publish order as long as publishes for one conversation are not
// concurrent; the conversation service guarantees that with a per-conversation
// lock.
//
// # Transports
//
// With several gateway instances, a Transport mirrors events between them:
//
//   - AMQPTransport: RabbitMQ topic exchange, routing key conversation.<id>
//   - RedisTransport: Redis PUBLISH / PSUBSCRIBE on relay:conversation:<id>
//
// Hub.Run supervises the transport subscription and re-subscribes with
// jittered exponential backoff. While the transport is down, events are only
// delivered to local subscribers; nothing is replayed after reconnecting.
// Events that return from the transport with this hub's own origin are
// ignored, since local subscribers already have them.
package realtime
