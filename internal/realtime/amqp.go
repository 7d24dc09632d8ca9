// ABOUTME: RabbitMQ transport that mirrors events through a topic exchange
// ABOUTME: Each instance consumes from its own exclusive, auto-deleted queue

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpRoutingPrefix prefixes the conversation ID in routing keys
const amqpRoutingPrefix = "conversation."

// AMQPTransport publishes events to a topic exchange routed by conversation
type AMQPTransport struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	pub  *amqp.Channel
}

// NewAMQPTransport creates a transport for the broker at url. No connection is
// made until Listen is called.
func NewAMQPTransport(url, exchange string, logger *slog.Logger) *AMQPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPTransport{
		url:      url,
		exchange: exchange,
		logger:   logger.With("component", "realtime.amqp"),
	}
}

// Listen dials the broker, declares the topology and consumes until ctx is
// done or the connection closes.
func (t *AMQPTransport) Listen(ctx context.Context, ready func(), deliver func(Event)) error {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("dialing amqp: %w", err)
	}
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
			t.pub = nil
		}
		t.mu.Unlock()
		_ = conn.Close()
	}()

	consumeCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consume channel: %w", err)
	}
	if err := consumeCh.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", t.exchange, err)
	}

	// Server-named, exclusive and auto-deleted: the queue lives as long as this connection.
	q, err := consumeCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}
	if err := consumeCh.QueueBind(q.Name, amqpRoutingPrefix+"#", t.exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue: %w", err)
	}
	msgs, err := consumeCh.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening publish channel: %w", err)
	}

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	t.mu.Lock()
	t.conn = conn
	t.pub = pubCh
	t.mu.Unlock()

	t.logger.Info("amqp transport connected", "exchange", t.exchange, "queue", q.Name)
	ready()

	for {
		select {
		case <-ctx.Done():
			return nil

		case amqpErr, ok := <-closeCh:
			if !ok || amqpErr == nil {
				return errors.New("amqp connection closed")
			}
			return fmt.Errorf("amqp connection closed: %w", amqpErr)

		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			var ev Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				t.logger.Warn("dropping malformed event", "message_id", d.MessageId, "error", err)
				continue
			}
			deliver(ev)
		}
	}
}

// Publish sends ev to the exchange with routing key conversation.<id>.
func (t *AMQPTransport) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pub == nil {
		return ErrTransportDown
	}

	msgID := ""
	if ev.Message != nil {
		msgID = ev.Message.ID
	}
	return t.pub.PublishWithContext(ctx, t.exchange, amqpRoutingPrefix+ev.ConversationID, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			MessageId:    msgID,
			Type:         ev.Type,
			Timestamp:    time.Now(),
			Body:         body,
		})
}

// Ping reports ErrTransportDown unless Listen holds an open connection.
func (t *AMQPTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.conn.IsClosed() {
		return ErrTransportDown
	}
	return nil
}

// Close closes the current connection, which ends any running Listen.
func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.pub = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
