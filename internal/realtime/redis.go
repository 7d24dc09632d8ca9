// ABOUTME: Redis pub/sub transport that mirrors events on per-conversation channels
// ABOUTME: Pattern-subscribes to every conversation channel under a common prefix

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisChannelPrefix prefixes the conversation ID in channel names
const redisChannelPrefix = "relay:conversation:"

// RedisTransport publishes events with PUBLISH and receives them with PSUBSCRIBE
type RedisTransport struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisTransport parses url (redis://...) and creates the client.
// The connection is established lazily.
func NewRedisTransport(url string, logger *slog.Logger) (*RedisTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	return &RedisTransport{
		client: redis.NewClient(opt),
		logger: logger.With("component", "realtime.redis"),
	}, nil
}

// Listen subscribes to all conversation channels until ctx is done or the
// subscription ends.
func (t *RedisTransport) Listen(ctx context.Context, ready func(), deliver func(Event)) error {
	ps := t.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer ps.Close()

	// Wait for the subscription confirmation so ready() means we are listening.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe: %w", err)
	}

	t.logger.Info("redis transport connected")
	ready()

	ch := ps.Channel(redis.WithChannelHealthCheckInterval(15 * time.Second))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				t.logger.Warn("dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			deliver(ev)
		}
	}
}

// Publish sends ev on the conversation's channel.
func (t *RedisTransport) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := t.client.Publish(ctx, redisChannelPrefix+ev.ConversationID, body).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

// Ping checks that the server is reachable.
func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the client and any open subscription.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}
