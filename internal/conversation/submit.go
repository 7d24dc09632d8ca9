// ABOUTME: Submit pipeline: record the user message, relay it, record the bot reply
// ABOUTME: The bot side always ends in a stored message, even when the webhook fails

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/webhook"
)

// Bot-side messages stored when the webhook produced no usable reply
const (
	NotConfiguredReply = "This assistant is not configured yet."
	UnreachableReply   = "The assistant could not be reached. Please try again."
	EmptyReply         = "The assistant did not return a reply."
)

// SubmitRequest is one user turn
type SubmitRequest struct {
	// ConversationID is empty on the first interaction; a conversation is
	// created and titled from the message.
	ConversationID string

	OwnerID   string
	Message   NewMessage
	ClientRef string
}

// SubmitResult is the outcome of a turn
type SubmitResult struct {
	Conversation *store.Conversation
	Message      *store.Message

	// Reply is the stored bot message. It is nil only if storing it failed.
	Reply *store.Message

	// RelayErr is set when Reply is a bot-side error message.
	RelayErr error
}

// Submit records the user message, forwards it to the tenant's webhook and
// records the reply. Errors are returned only for validation, lookup and a
// failed user-message write; relay failures become a stored bot message.
func (s *Service) Submit(ctx context.Context, tenant *store.Tenant, req SubmitRequest) (*SubmitResult, error) {
	if err := req.Message.Validate(); err != nil {
		return nil, err
	}

	var submitKey string
	if req.ClientRef != "" {
		submitKey = req.OwnerID + "\x00" + req.ClientRef
		if s.submits.Observe(submitKey) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSubmit, req.ClientRef)
		}
	}

	result, err := s.submit(ctx, tenant, req)
	if err != nil && submitKey != "" {
		// The turn never started; let the client retry with the same ref
		s.submits.Forget(submitKey)
	}
	return result, err
}

func (s *Service) submit(ctx context.Context, tenant *store.Tenant, req SubmitRequest) (*SubmitResult, error) {
	var (
		conv *store.Conversation
		err  error
	)
	if req.ConversationID == "" {
		conv, err = s.Create(ctx, tenant, req.OwnerID, titleFrom(req.Message))
	} else {
		conv, err = s.Get(ctx, tenant, req.OwnerID, req.ConversationID)
	}
	if err != nil {
		return nil, err
	}

	// 1. Record the user message first
	msg, err := s.append(ctx, tenant, req.OwnerID, conv.ID, req.Message, store.SenderUser, req.ClientRef)
	if err != nil {
		if req.ConversationID == "" {
			s.discardCreated(ctx, conv, req.OwnerID)
		}
		return nil, fmt.Errorf("recording message: %w", err)
	}
	result := &SubmitResult{Conversation: conv, Message: msg}

	// 2. Relay under the caller's context
	reply, relayErr := s.callRelay(ctx, tenant, req.OwnerID, msg)

	// 3. Record the reply on a detached context so a cancelled caller still
	// leaves a terminal bot message behind
	out := botMessage(reply, relayErr)
	if relayErr != nil {
		result.RelayErr = relayErr
		s.logger.Warn("relay failed, storing bot-side error",
			"conversation_id", conv.ID,
			"tenant", tenant.Slug,
			"error", relayErr)
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	botMsg, err := s.append(saveCtx, tenant, req.OwnerID, conv.ID, out, store.SenderBot, "")
	if err != nil {
		s.logger.Error("failed to record bot reply",
			"conversation_id", conv.ID,
			"tenant", tenant.Slug,
			"error", err)
		return result, nil
	}
	result.Reply = botMsg

	s.logger.Info("turn completed",
		"conversation_id", conv.ID,
		"tenant", tenant.Slug,
		"user_seq", msg.Seq,
		"bot_seq", botMsg.Seq,
		"relay_ok", relayErr == nil)
	return result, nil
}

func (s *Service) callRelay(ctx context.Context, tenant *store.Tenant, ownerID string, msg *store.Message) (*webhook.Reply, error) {
	if s.relay == nil {
		return nil, webhook.ErrNotConfigured
	}
	p := webhook.Payload{
		ConversationID: msg.ConversationID,
		UserID:         ownerID,
		Kind:           msg.Kind,
		Content:        msg.Content,
	}
	if msg.MediaURL != nil {
		p.MediaURL = *msg.MediaURL
	}
	return s.relay.Relay(ctx, tenant, p)
}

// botMessage turns a relay outcome into the message stored for the bot.
func botMessage(reply *webhook.Reply, err error) NewMessage {
	switch {
	case err == nil && reply != nil && reply.HasMedia():
		return NewMessage{Kind: reply.MediaKind, Content: reply.Text, MediaURL: reply.MediaURL}
	case err == nil && reply != nil && reply.Text != "":
		return NewMessage{Kind: store.MessageKindText, Content: reply.Text}
	case errors.Is(err, webhook.ErrNotConfigured):
		return NewMessage{Kind: store.MessageKindText, Content: NotConfiguredReply}
	case err == nil, errors.Is(err, webhook.ErrEmptyReply):
		return NewMessage{Kind: store.MessageKindText, Content: EmptyReply}
	default:
		return NewMessage{Kind: store.MessageKindText, Content: UnreachableReply}
	}
}

// titleFrom derives a title for an auto-created conversation.
func titleFrom(m NewMessage) *string {
	if m.Kind != store.MessageKindText {
		return nil
	}
	t := strings.Join(strings.Fields(m.Content), " ")
	if utf8.RuneCountInString(t) > maxTitleRunes {
		r := []rune(t)
		t = strings.TrimSpace(string(r[:maxTitleRunes])) + "…"
	}
	if t == "" {
		return nil
	}
	return &t
}

// discardCreated removes a conversation created for a first message that
// could not be recorded.
func (s *Service) discardCreated(ctx context.Context, conv *store.Conversation, ownerID string) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.DeleteConversation(delCtx, conv.ID, ownerID); err != nil {
		s.logger.Error("failed to discard empty conversation",
			"conversation_id", conv.ID,
			"error", err)
	}
}
