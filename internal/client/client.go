// ABOUTME: HTTP client for the relay-gateway API
// ABOUTME: Wraps conversation, message and media endpoints with typed requests and errors

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/2389/relay-gateway/internal/store"
)

// Errors matched by APIError.Is for the corresponding status codes
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.Status)
	}
	return fmt.Sprintf("gateway error (%d): %s", e.Status, e.Message)
}

// Is lets callers use errors.Is(err, client.ErrNotFound) and friends.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrConflict:
		return e.Status == http.StatusConflict
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	}
	return false
}

// Options configures a Client.
type Options struct {
	// BaseURL is the gateway root, e.g. http://localhost:8080
	BaseURL string
	// Token is sent as a bearer token when set
	Token string
	// User is sent as X-User-ID when Token is empty (development mode gateways)
	User string
	// Tenant is sent as X-Tenant; empty lets the gateway resolve it from the host
	Tenant     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one gateway as one user within one tenant.
type Client struct {
	baseURL string
	token   string
	user    string
	tenant  string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client. A nil HTTPClient uses http.DefaultClient.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		token:   opts.Token,
		user:    opts.User,
		tenant:  opts.Tenant,
		http:    hc,
		logger:  logger.With("component", "client"),
	}
}

// Outgoing is a message to submit.
type Outgoing struct {
	Kind     store.MessageKind `json:"kind"`
	Content  string            `json:"content"`
	MediaURL string            `json:"media_url,omitempty"`
	// ClientRef tags the submission so the echoed event can confirm a
	// pending timeline entry; resubmitting the same ref is rejected.
	ClientRef string `json:"client_ref,omitempty"`
}

// SubmitResult is the gateway's answer to a submitted message.
type SubmitResult struct {
	Conversation *store.Conversation `json:"conversation"`
	Message      *store.Message      `json:"message"`
	Reply        *store.Message      `json:"reply"`
	RelayError   string              `json:"relay_error,omitempty"`
}

// Upload describes stored media.
type Upload struct {
	URL      string            `json:"url"`
	Name     string            `json:"name"`
	MIMEType string            `json:"mime_type"`
	Kind     store.MessageKind `json:"kind"`
	Size     int               `json:"size"`
}

// Health checks GET /health/ready.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health/ready", nil, nil)
}

// CreateConversation creates an empty conversation.
func (c *Client) CreateConversation(ctx context.Context, title string) (*store.Conversation, error) {
	body := map[string]any{}
	if title != "" {
		body["title"] = title
	}
	var conv store.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations lists the caller's conversations, newest activity
// first. allTenants lifts the tenant scope.
func (c *Client) ListConversations(ctx context.Context, allTenants bool) ([]*store.Conversation, error) {
	path := "/api/conversations"
	if allTenants {
		path += "?all_tenants=1"
	}
	var resp struct {
		Conversations []*store.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// GetConversation fetches one conversation.
func (c *Client) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	var conv store.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// RenameConversation sets the title; an empty title clears it.
func (c *Client) RenameConversation(ctx context.Context, id, title string) (*store.Conversation, error) {
	body := map[string]any{"title": nil}
	if title != "" {
		body["title"] = title
	}
	var conv store.Conversation
	if err := c.do(ctx, http.MethodPatch, "/api/conversations/"+url.PathEscape(id), body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation deletes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, nil)
}

// ListMessages returns messages with seq > afterSeq in order.
func (c *Client) ListMessages(ctx context.Context, id string, afterSeq int64) ([]*store.Message, error) {
	path := "/api/conversations/" + url.PathEscape(id) + "/messages"
	if afterSeq > 0 {
		path += "?after_seq=" + strconv.FormatInt(afterSeq, 10)
	}
	var resp struct {
		Messages []*store.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Submit posts a message and waits for the turn to complete. An empty
// conversationID starts a new conversation.
func (c *Client) Submit(ctx context.Context, conversationID string, msg Outgoing) (*SubmitResult, error) {
	path := "/api/messages"
	if conversationID != "" {
		path = "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	}
	if msg.Kind == "" {
		msg.Kind = store.MessageKindText
	}
	var res SubmitResult
	if err := c.do(ctx, http.MethodPost, path, msg, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UploadMedia uploads raw file content and returns where it is served.
func (c *Client) UploadMedia(ctx context.Context, data io.Reader, name string) (*Upload, error) {
	path := "/api/media"
	if name != "" {
		path += "?name=" + url.QueryEscape(name)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, data)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var up Upload
	if err := c.send(req, &up); err != nil {
		return nil, err
	}
	return &up, nil
}

// newRequest builds a request carrying the client's identity headers.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant", c.tenant)
	}
	return req, nil
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorFromResponse extracts the error message from a non-2xx response.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}

	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
