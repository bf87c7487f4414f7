// Package anthropicmsg adapts the Anthropic Messages API.
package anthropicmsg

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tiergate/tiergate/internal/upstream"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"

	// The Messages API requires max_tokens on every call.
	defaultMaxTokens = 4096
)

// Client is a stateless adapter over one Anthropic-shaped endpoint.
type Client struct {
	name string
	api  anthropic.Client
}

// New builds an adapter for one attempt.
func New(name, apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		name: name,
		api: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL),
			option.WithHTTPClient(&http.Client{Timeout: upstream.Timeout}),
		),
	}
}

func (c *Client) Name() string { return c.name }

// Send runs one Messages call with the prompt as a single user turn.
func (c *Client) Send(ctx context.Context, content, modelID string) (*upstream.Result, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{{
			Role: anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{
				{OfText: &anthropic.TextBlockParam{Text: content}},
			},
		}},
	}

	start := time.Now()
	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return nil, c.wrap(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if v, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(v.Text)
		}
	}
	return &upstream.Result{
		Text:      sb.String(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) wrap(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &upstream.Error{
			Provider:   c.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return &upstream.Error{Provider: c.name, Message: err.Error()}
}
