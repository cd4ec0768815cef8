// Package ollama calls a model server's chat endpoint directly, without streaming.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sportsphere/sportchat/internal/backend"
	"github.com/sportsphere/sportchat/internal/metrics"
	"github.com/sportsphere/sportchat/internal/models"
	"github.com/sportsphere/sportchat/internal/title"
)

type Client struct {
	baseURL    string
	model      string
	titleModel string
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

// WithTitleModel sets the model used for title generation. It defaults to the chat model.
func WithTitleModel(model string) Option {
	return func(c *Client) { c.titleModel = model }
}

func New(baseURL, model string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		titleModel: model,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []models.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  *chatOptions     `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Message models.Message `json:"message"`
}

// Chat sends messages and blocks until the complete reply arrives.
func (c *Client) Chat(ctx context.Context, messages []models.Message) (_ models.Message, err error) {
	defer c.observe("ollama_chat", time.Now(), &err)
	return c.chat(ctx, chatRequest{Model: c.model, Messages: messages})
}

// Send adapts Chat to the streaming contract: onChunk is called exactly once with the
// whole reply.
func (c *Client) Send(ctx context.Context, history []models.Message, _ string, onChunk func(string)) (string, error) {
	msg, err := c.Chat(ctx, history)
	if err != nil {
		return "", err
	}
	if onChunk != nil && msg.Content != "" {
		onChunk(msg.Content)
	}
	return msg.Content, nil
}

// GenerateTitle asks the model for a short title, listing existing titles so it can
// avoid duplicates. The answer is cleaned; unusable answers become a truncation of
// firstMessage.
func (c *Client) GenerateTitle(ctx context.Context, firstMessage string, existing []string) (_ string, err error) {
	defer c.observe("ollama_title", time.Now(), &err)

	msg, err := c.chat(ctx, chatRequest{
		Model: c.titleModel,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: title.Prompt(existing)},
			{Role: models.RoleUser, Content: firstMessage},
		},
		Options: &chatOptions{Temperature: 0.3},
	})
	if err != nil {
		return "", err
	}
	return title.Clean(msg.Content, firstMessage), nil
}

func (c *Client) chat(ctx context.Context, body chatRequest) (models.Message, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return models.Message{}, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Message{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Message{}, &backend.StatusError{Op: "ollama chat", Code: resp.StatusCode, Status: resp.Status}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return models.Message{}, classify(ctx, err)
		}
		return models.Message{}, fmt.Errorf("decoding chat response: %w", err)
	}
	if out.Message.Role == "" {
		out.Message.Role = models.RoleAssistant
	}
	return out.Message, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return backend.ErrCancelled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("ollama chat: request timed out: %w", err)
	}
	return fmt.Errorf("ollama chat: %w", err)
}

func (c *Client) observe(op string, start time.Time, errp *error) {
	err := *errp
	if errors.Is(err, backend.ErrCancelled) {
		err = nil
	}
	c.metrics.RecordBackendRequest(op, time.Since(start), err)
}
