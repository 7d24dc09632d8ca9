// ABOUTME: HTTP API handlers for conversations and messages
// ABOUTME: Decodes and validates JSON bodies and maps domain errors to status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/conversation"
	"github.com/2389/relay-gateway/internal/media"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/tenant"
)

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

// CreateConversationRequest is the JSON body for POST /api/conversations.
type CreateConversationRequest struct {
	Title *string `json:"title,omitempty" validate:"omitempty,max=200"`
}

// RenameConversationRequest is the JSON body for PATCH /api/conversations/{id}.
// A null title clears it.
type RenameConversationRequest struct {
	Title *string `json:"title" validate:"omitempty,max=200"`
}

// SubmitMessageRequest is the JSON body for posting a message.
type SubmitMessageRequest struct {
	Kind      string `json:"kind" validate:"required,oneof=text image video audio"`
	Content   string `json:"content" validate:"max=32000"`
	MediaURL  string `json:"media_url,omitempty" validate:"omitempty,url"`
	ClientRef string `json:"client_ref,omitempty" validate:"omitempty,max=128"`
}

// SubmitMessageResponse is returned after a turn completes.
type SubmitMessageResponse struct {
	Conversation *store.Conversation `json:"conversation"`
	Message      *store.Message      `json:"message"`
	Reply        *store.Message      `json:"reply"`
	RelayError   string              `json:"relay_error,omitempty"`
}

// ConversationListResponse is the JSON response for GET /api/conversations.
type ConversationListResponse struct {
	Conversations []*store.Conversation `json:"conversations"`
}

// MessageListResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessageListResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []*store.Message `json:"messages"`
}

// errBadRequest marks request parsing failures
var errBadRequest = errors.New("bad request")

// statusFor maps an error to its HTTP status code.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, conversation.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes), errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, media.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, conversation.ErrDuplicateSubmit):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound), errors.Is(err, tenant.ErrUnknownTenant):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUnauthorized), errors.Is(err, tenant.ErrTenantInactive):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err as a JSON error with the mapped status. Internal
// errors are logged and hidden from the client.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		msg = "internal error"
	}
	g.sendJSONError(w, status, msg)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// decodeBody decodes a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytes *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF) && allowEmpty:
		case errors.As(err, &maxBytes):
			return err
		default:
			return fmt.Errorf("%w: invalid JSON body", errBadRequest)
		}
	}
	if err := g.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", errBadRequest, validationMessage(err))
	}
	return nil
}

// validationMessage renders validator errors as "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, strings.ToLower(fe.Field())+": "+rule)
	}
	return strings.Join(parts, ", ")
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := g.decodeBody(w, r, &req, true); err != nil {
		g.sendError(w, r, err)
		return
	}

	conv, err := g.conversations.Create(r.Context(), tenantFromContext(r.Context()), auth.UserID(r.Context()), req.Title)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, conv)
}

// handleListConversations handles GET /api/conversations.
// ?all_tenants=1 lists the user's conversations across every tenant.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	slug := tenantFromContext(r.Context()).Slug
	if all, _ := strconv.ParseBool(q.Get("all_tenants")); all {
		slug = ""
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	convs, err := g.conversations.List(r.Context(), auth.UserID(r.Context()), slug, limit)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	g.writeJSON(w, http.StatusOK, ConversationListResponse{Conversations: convs})
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversations.Get(r.Context(), tenantFromContext(r.Context()), auth.UserID(r.Context()), r.PathValue("id"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

// handleRenameConversation handles PATCH /api/conversations/{id}.
func (g *Gateway) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var req RenameConversationRequest
	if err := g.decodeBody(w, r, &req, false); err != nil {
		g.sendError(w, r, err)
		return
	}

	conv, err := g.conversations.Rename(r.Context(), tenantFromContext(r.Context()), auth.UserID(r.Context()), r.PathValue("id"), req.Title)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := g.conversations.Delete(r.Context(), tenantFromContext(r.Context()), auth.UserID(r.Context()), r.PathValue("id"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseAfterSeq reads the after_seq cursor, falling back to Last-Event-ID
// so reconnecting EventSource clients resume where they left off.
func parseAfterSeq(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after_seq")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: after_seq must be a non-negative integer", errBadRequest)
	}
	return n, nil
}

// handleListMessages handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	afterSeq, err := parseAfterSeq(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	id := r.PathValue("id")
	msgs, err := g.conversations.ListMessages(r.Context(), tenantFromContext(r.Context()), auth.UserID(r.Context()), id, afterSeq)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	g.writeJSON(w, http.StatusOK, MessageListResponse{ConversationID: id, Messages: msgs})
}

// handleSubmitMessage handles POST /api/conversations/{id}/messages and
// POST /api/messages. Without an id the conversation is created first.
// The response is sent once the bot reply has been stored.
func (g *Gateway) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req SubmitMessageRequest
	if err := g.decodeBody(w, r, &req, false); err != nil {
		g.sendError(w, r, err)
		return
	}

	res, err := g.conversations.Submit(r.Context(), tenantFromContext(r.Context()), conversation.SubmitRequest{
		ConversationID: r.PathValue("id"),
		OwnerID:        auth.UserID(r.Context()),
		Message: conversation.NewMessage{
			Kind:     store.MessageKind(req.Kind),
			Content:  req.Content,
			MediaURL: req.MediaURL,
		},
		ClientRef: req.ClientRef,
	})
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	resp := SubmitMessageResponse{
		Conversation: res.Conversation,
		Message:      res.Message,
		Reply:        res.Reply,
	}
	if res.RelayErr != nil {
		resp.RelayError = res.RelayErr.Error()
	}
	g.writeJSON(w, http.StatusCreated, resp)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store and the realtime broker answer a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if err := g.hub.Ping(r.Context()); err != nil {
		g.logger.Warn("realtime readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("realtime transport unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (realtime remote: %t)", g.hub.RemoteConnected())
}
