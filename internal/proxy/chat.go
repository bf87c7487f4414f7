package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/tiergate/tiergate/internal/audit"
	"github.com/tiergate/tiergate/internal/ratelimit"
	"github.com/tiergate/tiergate/internal/router"
	"github.com/tiergate/tiergate/pkg/apierr"
)

// chatCall is one inbound chat request after vendor-specific parsing.
type chatCall struct {
	route    string
	dialect  apierr.Dialect
	apiKey   string
	model    string
	messages []router.Message
	stream   bool
}

// dispatch runs the shared front-door sequence: authenticate, rate-check,
// route. respond shapes the completion in the vendor's convention; it is
// only called on success.
func (s *Server) dispatch(ctx *fasthttp.RequestCtx, call chatCall, respond func(*fasthttp.RequestCtx, *router.Completion)) {
	start := time.Now()

	id, err := s.auth.Validate(ctx, call.apiKey)
	if err != nil {
		writeRouterError(ctx, call.dialect, err)
		return
	}

	dec := s.limiter.Allow(call.apiKey, ratelimit.Limits{
		RPS: id.Limits.RPS,
		RPM: id.Limits.RPM,
		RPD: id.Limits.RPD,
	})
	if !dec.OK {
		if s.prom != nil {
			s.prom.RecordRateLimited(dec.Window)
		}
		apierr.WriteRateLimit(ctx, call.dialect,
			fmt.Sprintf("rate limit exceeded (%s)", dec.Window),
			dec.RetryAfterSeconds())
		return
	}

	comp, err := s.rt.HandleFor(ctx, id, call.messages, call.model)
	if err != nil {
		writeRouterError(ctx, call.dialect, err)
		s.auditChat(ctx, call, nil, ctx.Response.StatusCode(), start)
		return
	}

	respond(ctx, comp)
	s.auditChat(ctx, call, comp, fasthttp.StatusOK, start)
}

func (s *Server) auditChat(ctx *fasthttp.RequestCtx, call chatCall, comp *router.Completion, status int, start time.Time) {
	if s.audit == nil {
		return
	}
	reqID, _ := ctx.UserValue("request_id").(string)
	parsed, _ := uuid.Parse(reqID)

	e := audit.Event{
		ID:        parsed,
		Route:     call.route,
		Model:     call.model,
		LatencyMs: time.Since(start).Milliseconds(),
		Status:    uint16(status),
		KeyHash:   audit.HashKey(call.apiKey),
		CreatedAt: time.Now(),
	}
	if comp != nil {
		e.Provider = comp.ProviderID
		e.InputTokens = uint32(comp.InputTokens)
		e.OutputTokens = uint32(comp.OutputTokens)
	}
	s.audit.Log(e)
}

// ── Key extraction ─────────────────────────────────────────────────────────

// bearerToken parses "Authorization: Bearer <key>".
func bearerToken(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// openAIKey accepts either the Bearer scheme or the Azure-style api-key
// header.
func openAIKey(ctx *fasthttp.RequestCtx) string {
	if key := bearerToken(ctx); key != "" {
		return key
	}
	return strings.TrimSpace(string(ctx.Request.Header.Peek("api-key")))
}

func headerKey(ctx *fasthttp.RequestCtx, name string) string {
	return strings.TrimSpace(string(ctx.Request.Header.Peek(name)))
}

// ── OpenAI-shaped routes ───────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundChatRequest struct {
		Model    string           `json:"model"`
		Messages []inboundMessage `json:"messages"`
		Stream   bool             `json:"stream"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}
	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

func parseOpenAIBody(ctx *fasthttp.RequestCtx, d apierr.Dialect) (*inboundChatRequest, bool) {
	var req inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteDialect(ctx, d, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	if len(req.Messages) == 0 {
		apierr.WriteDialect(ctx, d, fasthttp.StatusBadRequest,
			"field 'messages' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	return &req, true
}

func toRouterMessages(in []inboundMessage) []router.Message {
	out := make([]router.Message, len(in))
	for i, m := range in {
		out[i] = router.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func openAICompletion(comp *router.Completion) outboundResponse {
	return outboundResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   comp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: comp.Text},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     comp.InputTokens,
			CompletionTokens: comp.OutputTokens,
			TotalTokens:      comp.InputTokens + comp.OutputTokens,
		},
	}
}

func respondOpenAI(ctx *fasthttp.RequestCtx, comp *router.Completion) {
	writeJSON(ctx, openAICompletion(comp))
}

func (s *Server) handleOpenAIChat(ctx *fasthttp.RequestCtx) {
	req, ok := parseOpenAIBody(ctx, apierr.DialectOpenAI)
	if !ok {
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	call := chatCall{
		route:    "openai",
		dialect:  apierr.DialectOpenAI,
		apiKey:   openAIKey(ctx),
		model:    req.Model,
		messages: toRouterMessages(req.Messages),
		stream:   req.Stream,
	}

	respond := respondOpenAI
	if req.Stream {
		respond = respondOpenAIStream
	}
	s.dispatch(ctx, call, respond)
}

func (s *Server) handleAzureChat(ctx *fasthttp.RequestCtx) {
	if len(ctx.QueryArgs().Peek("api-version")) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"query parameter 'api-version' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	model, _ := ctx.UserValue("id").(string)
	req, ok := parseOpenAIBody(ctx, apierr.DialectOpenAI)
	if !ok {
		return
	}

	s.dispatch(ctx, chatCall{
		route:    "azure",
		dialect:  apierr.DialectOpenAI,
		apiKey:   openAIKey(ctx),
		model:    model,
		messages: toRouterMessages(req.Messages),
	}, respondOpenAI)
}

func (s *Server) handleGroqChat(ctx *fasthttp.RequestCtx) {
	req, ok := parseOpenAIBody(ctx, apierr.DialectOpenAI)
	if !ok {
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	s.dispatch(ctx, chatCall{
		route:    "groq",
		dialect:  apierr.DialectOpenAI,
		apiKey:   bearerToken(ctx),
		model:    req.Model,
		messages: toRouterMessages(req.Messages),
	}, respondOpenAI)
}

func (s *Server) handleOpenRouterChat(ctx *fasthttp.RequestCtx) {
	req, ok := parseOpenAIBody(ctx, apierr.DialectOpenAI)
	if !ok {
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// OpenRouter model ids carry a vendor prefix ("openai/gpt-4o"); internal
	// routing uses the bare id.
	model := req.Model
	if i := strings.Index(model, "/"); i >= 0 {
		model = model[i+1:]
	}

	s.dispatch(ctx, chatCall{
		route:    "openrouter",
		dialect:  apierr.DialectOpenAI,
		apiKey:   bearerToken(ctx),
		model:    model,
		messages: toRouterMessages(req.Messages),
	}, respondOpenAI)
}

// ── Anthropic-shaped route ─────────────────────────────────────────────────

// anthropicContent accepts both the string form and the content-block array
// form of a message body.
type anthropicContent struct {
	text string
}

func (c *anthropicContent) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		c.text = s
		return nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return err
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "" || b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	c.text = strings.Join(parts, "\n")
	return nil
}

func (s *Server) handleAnthropicChat(ctx *fasthttp.RequestCtx) {
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string           `json:"role"`
			Content anthropicContent `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteDialect(ctx, apierr.DialectAnthropic, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		apierr.WriteDialect(ctx, apierr.DialectAnthropic, fasthttp.StatusBadRequest,
			"fields 'model' and 'messages' are required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	msgs := make([]router.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = router.Message{Role: m.Role, Content: m.Content.text}
	}

	s.dispatch(ctx, chatCall{
		route:    "anthropic",
		dialect:  apierr.DialectAnthropic,
		apiKey:   headerKey(ctx, "x-api-key"),
		model:    req.Model,
		messages: msgs,
	}, func(ctx *fasthttp.RequestCtx, comp *router.Completion) {
		writeJSON(ctx, map[string]any{
			"id":            "msg_" + uuid.NewString(),
			"type":          "message",
			"role":          "assistant",
			"model":         comp.Model,
			"content":       []map[string]string{{"type": "text", "text": comp.Text}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage": map[string]int{
				"input_tokens":  comp.InputTokens,
				"output_tokens": comp.OutputTokens,
			},
		})
	})
}

// ── Gemini-shaped route ────────────────────────────────────────────────────

func (s *Server) handleGeminiChat(ctx *fasthttp.RequestCtx) {
	model, _ := ctx.UserValue("modelId").(string)

	var req struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteDialect(ctx, apierr.DialectGemini, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Contents) == 0 {
		apierr.WriteDialect(ctx, apierr.DialectGemini, fasthttp.StatusBadRequest,
			"field 'contents' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	msgs := make([]router.Message, 0, len(req.Contents))
	for _, c := range req.Contents {
		var parts []string
		for _, p := range c.Parts {
			parts = append(parts, p.Text)
		}
		role := c.Role
		if role == "" {
			role = "user"
		}
		msgs = append(msgs, router.Message{Role: role, Content: strings.Join(parts, "\n")})
	}

	s.dispatch(ctx, chatCall{
		route:    "gemini",
		dialect:  apierr.DialectGemini,
		apiKey:   headerKey(ctx, "x-goog-api-key"),
		model:    model,
		messages: msgs,
	}, func(ctx *fasthttp.RequestCtx, comp *router.Completion) {
		writeJSON(ctx, map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"role":  "model",
						"parts": []map[string]string{{"text": comp.Text}},
					},
					"finishReason": "STOP",
					"index":        0,
				},
			},
			"usageMetadata": map[string]int{
				"promptTokenCount":     comp.InputTokens,
				"candidatesTokenCount": comp.OutputTokens,
				"totalTokenCount":      comp.InputTokens + comp.OutputTokens,
			},
			"modelVersion": comp.Model,
		})
	})
}

// ── Ollama-shaped route ────────────────────────────────────────────────────

func (s *Server) handleOllamaChat(ctx *fasthttp.RequestCtx) {
	req, ok := parseOpenAIBody(ctx, apierr.DialectOllama)
	if !ok {
		return
	}
	if req.Model == "" {
		apierr.WriteDialect(ctx, apierr.DialectOllama, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	s.dispatch(ctx, chatCall{
		route:    "ollama",
		dialect:  apierr.DialectOllama,
		apiKey:   bearerToken(ctx),
		model:    req.Model,
		messages: toRouterMessages(req.Messages),
	}, func(ctx *fasthttp.RequestCtx, comp *router.Completion) {
		writeJSON(ctx, map[string]any{
			"model":      comp.Model,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"message": map[string]string{
				"role":    "assistant",
				"content": comp.Text,
			},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": comp.InputTokens,
			"eval_count":        comp.OutputTokens,
			"total_duration":    comp.LatencyMs * int64(time.Millisecond),
		})
	})
}

// ── Streaming ──────────────────────────────────────────────────────────────

// respondOpenAIStream re-frames the completed text as OpenAI SSE chunks:
// one word per delta, a final chunk carrying finish_reason "stop", then the
// [DONE] terminator. Upstream calls are not multiplexed; this is framing
// only.
func respondOpenAIStream(ctx *fasthttp.RequestCtx, comp *router.Completion) {
	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	model := comp.Model
	words := strings.Fields(comp.Text)

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		writeChunk := func(delta map[string]string, finish any) {
			chunk := map[string]any{
				"id":      id,
				"object":  "chat.completion.chunk",
				"created": created,
				"model":   model,
				"choices": []map[string]any{
					{"index": 0, "delta": delta, "finish_reason": finish},
				},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		for i, word := range words {
			text := word
			if i < len(words)-1 {
				text += " "
			}
			writeChunk(map[string]string{"content": text}, nil)
		}
		writeChunk(map[string]string{}, "stop")

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
