// Package backend talks to the chat backend's REST API: conversation records,
// streamed chat completions and title generation.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sportsphere/sportchat/internal/metrics"
	"github.com/sportsphere/sportchat/internal/models"
)

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New returns a client for the backend at baseURL. The default HTTP client has no
// timeout: streams are bounded by the caller's context instead.
func New(baseURL, model string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// flexibleID accepts both JSON strings and numbers, since backends differ on whether
// chat ids are serialized as integers.
type flexibleID string

func (id *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chat id: %w", err)
	}
	*id = flexibleID(n.String())
	return nil
}

type chatSummary struct {
	ID        flexibleID `json:"id"`
	Title     string     `json:"title"`
	CreatedAt string     `json:"created_at"`
}

// ListChats returns the persisted conversation listing. Messages are not included;
// the returned conversations have Loaded == false.
func (c *Client) ListChats(ctx context.Context) (_ []models.Conversation, err error) {
	defer c.observe("list_chats", time.Now(), &err)

	var summaries []chatSummary
	if err := c.doJSON(ctx, "listing chats", http.MethodGet, "/api/chats", nil, &summaries); err != nil {
		return nil, err
	}

	results := make([]models.Conversation, 0, len(summaries))
	for _, s := range summaries {
		created := parseTime(s.CreatedAt)
		results = append(results, models.Conversation{
			ID:        string(s.ID),
			Title:     s.Title,
			CreatedAt: created,
			UpdatedAt: created,
		})
	}
	return results, nil
}

// GetMessages fetches the transcript of one conversation.
func (c *Client) GetMessages(ctx context.Context, id string) (_ []models.Message, err error) {
	defer c.observe("get_messages", time.Now(), &err)

	var msgs []models.Message
	if err := c.doJSON(ctx, "getting messages", http.MethodGet, "/api/chats/"+url.PathEscape(id), nil, &msgs); err != nil {
		return nil, err
	}

	results := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		results = append(results, m)
	}
	return results, nil
}

func (c *Client) RenameChat(ctx context.Context, id, title string) (err error) {
	defer c.observe("rename_chat", time.Now(), &err)

	body := map[string]string{"title": title}
	return c.doJSON(ctx, "renaming chat", http.MethodPut, "/api/chats/"+url.PathEscape(id), body, nil)
}

func (c *Client) DeleteChat(ctx context.Context, id string) (err error) {
	defer c.observe("delete_chat", time.Now(), &err)

	return c.doJSON(ctx, "deleting chat", http.MethodDelete, "/api/chats/"+url.PathEscape(id), nil, nil)
}

// GenerateTitle asks the backend for a title for a conversation's first message. The
// backend owns its prompt, so existing titles are not forwarded.
func (c *Client) GenerateTitle(ctx context.Context, firstMessage string, _ []string) (_ string, err error) {
	defer c.observe("generate_title", time.Now(), &err)

	var resp struct {
		Title string `json:"title"`
	}
	body := map[string]string{"message": firstMessage}
	if err := c.doJSON(ctx, "generating title", http.MethodPost, "/api/generate_title", body, &resp); err != nil {
		return "", err
	}
	title := strings.TrimSpace(resp.Title)
	if title == "" {
		return "", errors.New("generating title: empty title")
	}
	return title, nil
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []models.Message `json:"messages"`
	ChatID   string           `json:"chat_id"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error"`
}

// Send streams a chat completion for history. Each text delta is passed to onChunk in
// arrival order before Send returns; the full text is returned on success. When ctx is
// cancelled by the caller, Send returns ErrCancelled.
func (c *Client) Send(ctx context.Context, history []models.Message, conversationID string, onChunk func(string)) (_ string, err error) {
	defer c.observe("chat", time.Now(), &err)

	payload, err := json.Marshal(chatRequest{Model: c.model, Messages: history, ChatID: conversationID})
	if err != nil {
		return "", fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classify(ctx, "chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Op: "chat", Code: resp.StatusCode, Status: resp.Status}
	}

	var full strings.Builder
	dec := NewDecoder(resp.Body)
	for {
		if ctx.Err() != nil {
			return full.String(), classify(ctx, "chat", ctx.Err())
		}
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), classify(ctx, "chat", err)
		}
		if ev.Data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream record", zap.String("data", ev.Data), zap.Error(err))
			continue
		}
		if chunk.Error != "" {
			return full.String(), fmt.Errorf("chat: backend error: %s", chunk.Error)
		}
		if chunk.Message.Content == "" {
			continue
		}
		full.WriteString(chunk.Message.Content)
		if onChunk != nil {
			onChunk(chunk.Message.Content)
		}
	}
	return full.String(), nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshaling request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Code: resp.StatusCode, Status: resp.Status}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

func (c *Client) observe(op string, start time.Time, errp *error) {
	err := *errp
	if errors.Is(err, ErrCancelled) {
		err = nil
	}
	c.metrics.RecordBackendRequest(op, time.Since(start), err)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
