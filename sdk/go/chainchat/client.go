// Package chainchat provides a small REST client for the ChainChat API.
package chainchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ChainChat REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// ChatRequest is the payload for sending a message into a conversation.
// ConversationID and ChannelSessionID are both optional; when neither is set
// the server opens a new conversation.
type ChatRequest struct {
	UserID           string `json:"user_id"`
	ConversationID   string `json:"conversation_id,omitempty"`
	Text             string `json:"text"`
	ChannelSessionID string `json:"channel_session_id,omitempty"`
}

// ExecutedAction describes one tool action the server ran during the turn.
type ExecutedAction struct {
	Name       string          `json:"name"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Chained    bool            `json:"chained,omitempty"`
}

// ChatResponse is the full turn result returned by the chat endpoint.
type ChatResponse struct {
	ConversationID  string           `json:"conversation_id"`
	Reply           string           `json:"reply"`
	Source          string           `json:"source"`
	StructuredData  map[string]any   `json:"structured_data,omitempty"`
	ExecutedActions []ExecutedAction `json:"executed_actions"`
	Memory          map[string]any   `json:"memory"`
	Degraded        bool             `json:"degraded,omitempty"`
}

// Conversation is a summary row from the conversation listing endpoint.
type Conversation struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
	MessageCount   int    `json:"message_count"`
	LastActivityAt int64  `json:"last_activity_at"`
	CreatedAt      int64  `json:"created_at"`
}

// Message is one conversation message.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	TokenCount     int    `json:"token_count"`
	CreatedAt      int64  `json:"created_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainchat api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainchat api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainChat API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey stores the bearer key attached to subsequent requests. Leave it
// unset when the server runs with authentication disabled.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// APIKey returns the currently stored key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// SendMessage drives one conversation turn.
func (c *Client) SendMessage(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.post(ctx, "/api/v1/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListConversations returns the most recent conversations of a user.
func (c *Client) ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	endpoint := "/api/v1/conversations?user_id=" + url.QueryEscape(userID)
	if limit > 0 {
		endpoint += "&limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ListMessages returns recent messages of a conversation in chronological order.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	endpoint := "/api/v1/conversations/messages?conversation_id=" + url.QueryEscape(conversationID)
	if limit > 0 {
		endpoint += "&limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
