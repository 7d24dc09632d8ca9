// ABOUTME: Dispatches user messages to a tenant's AI webhook and normalizes the reply
// ABOUTME: One POST per message, bounded by a timeout, no automatic retry

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/store"
)

// ErrNotConfigured is returned when the tenant has no webhook URL; no call is made
var ErrNotConfigured = errors.New("webhook not configured")

// ErrRelayFailure covers network errors, timeouts and non-2xx responses
var ErrRelayFailure = errors.New("webhook relay failed")

// ErrEmptyReply is returned when the webhook answered but no reply text or media was recognized
var ErrEmptyReply = errors.New("webhook reply empty")

// maxReplyBytes bounds how much of a webhook response is read
const maxReplyBytes = 16 << 20

// ActionSendMessage is the action name sent with every outbound payload
const ActionSendMessage = "sendMessage"

// Payload is the user message being relayed
type Payload struct {
	ConversationID string
	UserID         string
	Kind           store.MessageKind
	Content        string
	MediaURL       string
}

// outboundRequest is the JSON body POSTed to the webhook
type outboundRequest struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	ChatInput string `json:"chatInput"`
	Tenant    string `json:"tenant"`
	Type      string `json:"type"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	UserID    string `json:"userId"`
}

// Reply is a webhook response reduced to what the relay stores
type Reply struct {
	Text      string
	MediaURL  string
	MediaKind store.MessageKind // empty when MediaURL is empty
}

// HasMedia reports whether the reply carries a media URL.
func (r *Reply) HasMedia() bool {
	return r.MediaURL != ""
}

// Options configures a Relay
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
	Logger    *slog.Logger
}

// Relay posts messages to tenant webhooks
type Relay struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger
}

// NewRelay creates a Relay. A zero timeout means 30 seconds.
func NewRelay(opts Options) *Relay {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "relay-gateway"
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		client:    opts.Client,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		logger:    opts.Logger.With("component", "webhook"),
	}
}

// Relay sends p to the tenant's webhook and returns the normalized reply.
// The call is bounded by both ctx and the relay timeout.
func (r *Relay) Relay(ctx context.Context, tenant *store.Tenant, p Payload) (*Reply, error) {
	if tenant == nil || tenant.WebhookURL == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(outboundRequest{
		Action:    ActionSendMessage,
		SessionID: p.ConversationID,
		ChatInput: p.Content,
		Tenant:    tenant.Slug,
		Type:      string(p.Kind),
		MediaURL:  p.MediaURL,
		UserID:    p.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tenant.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", ErrRelayFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")
	req.Header.Set("User-Agent", r.userAgent)

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("webhook request failed",
			"tenant", tenant.Slug,
			"conversation_id", p.ConversationID,
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrRelayFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrRelayFailure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn("webhook returned error status",
			"tenant", tenant.Slug,
			"conversation_id", p.ConversationID,
			"status", resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d: %s", ErrRelayFailure, resp.StatusCode, truncate(string(data), 200))
	}

	reply, err := Normalize(resp.Header.Get("Content-Type"), data)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("webhook replied",
		"tenant", tenant.Slug,
		"conversation_id", p.ConversationID,
		"duration", time.Since(start),
		"has_text", reply.Text != "",
		"has_media", reply.HasMedia())
	return reply, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
