// Package openaicompat adapts any service that speaks the OpenAI chat
// completions API (OpenAI itself, Groq, Together AI, OpenRouter, vLLM,
// Ollama's OpenAI surface, and most self-hosted gateways).
package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/tiergate/tiergate/internal/upstream"
)

// Client is a stateless adapter over one provider endpoint.
type Client struct {
	name string
	api  openaiSDK.Client
}

// New builds an adapter for one attempt.
//
//   - name    — provider identifier used in errors.
//   - apiKey  — sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.groq.com/openai/v1".
func New(name, apiKey, baseURL string) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: upstream.Timeout}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{name: name, api: openaiSDK.NewClient(opts...)}
}

func (c *Client) Name() string { return c.name }

// Send runs one chat completion with the whole prompt as a single user turn.
func (c *Client) Send(ctx context.Context, content, modelID string) (*upstream.Result, error) {
	params := openaiSDK.ChatCompletionNewParams{
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.UserMessage(content),
		},
		Model: modelID,
	}

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, c.wrap(err)
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return &upstream.Result{
		Text:      text,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) wrap(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &upstream.Error{
			Provider:   c.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return &upstream.Error{Provider: c.name, Message: err.Error()}
}
