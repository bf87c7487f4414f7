// Package googlegen adapts Google-shaped generateContent APIs (Gemini,
// Gemma on AI Studio) through the official genai SDK.
package googlegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/tiergate/tiergate/internal/upstream"
)

const (
	defaultBaseURL         = "https://generativelanguage.googleapis.com/v1beta"
	defaultTemperature     = 0.7
	defaultMaxOutputTokens = 2048
)

// The gateway relays whatever the caller sent; content policy stays with the
// caller, so every built-in filter is turned off.
var defaultSafetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
}

// Client is a stateless adapter over one Google-shaped endpoint.
type Client struct {
	name string
	api  *genai.Client
}

// New builds an adapter for one attempt. An empty baseURL targets the public
// Gemini API; otherwise the endpoint's trailing path segment is treated as
// the API version when it looks like one ("v1beta", "v2", ...).
func New(ctx context.Context, name, apiKey, baseURL string) (*Client, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	base, ver := splitBaseURLAndVersion(baseURL)

	api, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: upstream.Timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("googlegen: client: %w", err)
	}
	return &Client{name: name, api: api}, nil
}

func (c *Client) Name() string { return c.name }

// Send runs one generateContent call with the prompt as a single user turn.
func (c *Client) Send(ctx context.Context, content, modelID string) (*upstream.Result, error) {
	contents := []*genai.Content{genai.NewContentFromText(content, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](defaultTemperature),
		MaxOutputTokens: defaultMaxOutputTokens,
		SafetySettings:  defaultSafetySettings,
	}

	start := time.Now()
	resp, err := c.api.Models.GenerateContent(ctx, modelID, contents, cfg)
	if err != nil {
		return nil, c.wrap(err)
	}

	text := ""
	if resp != nil {
		text = resp.Text()
	}
	return &upstream.Result{
		Text:      text,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) wrap(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &upstream.Error{
			Provider:   c.name,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return &upstream.Error{Provider: c.name, Message: err.Error()}
}

// splitBaseURLAndVersion separates "https://host/v1beta" into the base URL
// the SDK expects and the API version segment.
func splitBaseURLAndVersion(raw string) (string, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ensureSlash(u.String()), ""
	}

	parts := strings.Split(path, "/")
	version := ""
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		version = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}
	return ensureSlash(u.String()), version
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func ensureSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
