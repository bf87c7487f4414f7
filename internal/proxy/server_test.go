package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/tiergate/tiergate/internal/auth"
	"github.com/tiergate/tiergate/internal/catalog"
	"github.com/tiergate/tiergate/internal/config"
	"github.com/tiergate/tiergate/internal/metrics"
	"github.com/tiergate/tiergate/internal/ratelimit"
	"github.com/tiergate/tiergate/internal/router"
	"github.com/tiergate/tiergate/internal/state"
	"github.com/tiergate/tiergate/internal/upstream"
)

// --- helpers ----------------------------------------------------------------

type sendFn func(content, modelID string) (*upstream.Result, error)

type stubClient struct {
	name string
	fn   sendFn
}

func (c *stubClient) Name() string { return c.name }
func (c *stubClient) Send(_ context.Context, content, modelID string) (*upstream.Result, error) {
	return c.fn(content, modelID)
}

func stubFactory(behaviors map[string]sendFn) upstream.Factory {
	return func(_ context.Context, _, name, _, _ string) (upstream.Client, error) {
		fn, ok := behaviors[name]
		if !ok {
			fn = func(string, string) (*upstream.Result, error) {
				return nil, &upstream.Error{Provider: name, Message: "no canned outcome"}
			}
		}
		return &stubClient{name: name, fn: fn}, nil
	}
}

func okUpstream(text string) sendFn {
	return func(string, string) (*upstream.Result, error) {
		return &upstream.Result{Text: text, LatencyMs: 42}, nil
	}
}

func failUpstream(provider string) sendFn {
	return func(string, string) (*upstream.Result, error) {
		return nil, &upstream.Error{Provider: provider, StatusCode: 500, Message: "boom"}
	}
}

type testEnv struct {
	client *http.Client
	store  *state.Store
	ln     *fasthttputil.InmemoryListener
}

// serveTestGateway builds the whole front (store, auth, router, limiter,
// route table) over an in-memory listener and seeds two keys: "user-key"
// (enterprise) and "admin-key" (admin role).
func serveTestGateway(t *testing.T, behaviors map[string]sendFn) *testEnv {
	t.Helper()

	fb, err := state.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := state.NewStore(fb, nil, log)
	authSvc := auth.NewService(st, config.DefaultTiers(), log)

	ctx := context.Background()
	users := st.LoadUsers(ctx)
	users["user-key"] = &state.UserRecord{UserID: "alice", Role: state.RoleUser, Tier: "enterprise"}
	users["free-key"] = &state.UserRecord{UserID: "bob", Role: state.RoleUser, Tier: "free"}
	users["admin-key"] = &state.UserRecord{UserID: "root", Role: state.RoleAdmin, Tier: "enterprise"}
	if err := st.SaveUsers(ctx, users); err != nil {
		t.Fatalf("SaveUsers: %v", err)
	}

	rt := router.New(st, authSvc, stubFactory(behaviors), log, router.Options{})

	cfg := &config.Config{
		Port:     8080,
		LogLevel: "info",
		Routes: config.RouteToggles{
			OpenAI: true, Azure: true, Anthropic: true, Gemini: true,
			Groq: true, OpenRouter: true, Ollama: true,
		},
		CORSOrigins: []string{"*"},
		Tiers:       config.DefaultTiers(),
	}

	srv := New(Options{
		Config:  cfg,
		Logger:  log,
		Auth:    authSvc,
		Router:  rt,
		Limiter: ratelimit.NewLimiter(),
		Store:   st,
		Metrics: metrics.New(),
		RefreshCatalog: func(ctx context.Context) (bool, error) {
			return catalog.Refresh(ctx, st, log)
		},
	})

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, srv.Handler())
	}()
	t.Cleanup(func() { _ = ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return &testEnv{client: client, store: st, ln: ln}
}

func seedChatProvider(t *testing.T, st *state.Store, id string, models ...string) {
	t.Helper()
	p := &state.ProviderRecord{
		ID:          id,
		EndpointURL: "http://" + id + ".test/v1/chat/completions",
		Models:      map[string]*state.ModelStats{},
	}
	for _, m := range models {
		p.Models[m] = &state.ModelStats{ID: m, TokenGenerationSpeed: 50}
	}
	provs := st.LoadProviders(context.Background())
	provs = append(provs, p)
	if err := st.SaveProviders(context.Background(), provs); err != nil {
		t.Fatalf("SaveProviders: %v", err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, path, apiKey string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, "http://test"+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func chatBody(model string) map[string]any {
	return map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": "hello"},
		},
	}
}

// --- OpenAI surface ---------------------------------------------------------

func TestChatCompletionsHappyPath(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": okUpstream("hi from p1")})
	seedChatProvider(t, env.store, "p1", "gpt-4o")

	resp := doJSON(t, env.client, "POST", "/v1/chat/completions", "user-key", chatBody("gpt-4o"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}

	var out struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	decodeBody(t, resp, &out)

	if !strings.HasPrefix(out.ID, "chatcmpl-") || out.Object != "chat.completion" {
		t.Fatalf("envelope = %+v", out)
	}
	if out.Model != "gpt-4o" || len(out.Choices) != 1 {
		t.Fatalf("envelope = %+v", out)
	}
	if out.Choices[0].Message.Content != "hi from p1" || out.Choices[0].FinishReason != "stop" {
		t.Fatalf("choice = %+v", out.Choices[0])
	}
	if out.Usage.TotalTokens != out.Usage.PromptTokens+out.Usage.CompletionTokens {
		t.Fatalf("usage = %+v", out.Usage)
	}
}

func TestChatCompletionsUnauthorized(t *testing.T) {
	env := serveTestGateway(t, nil)

	resp := doJSON(t, env.client, "POST", "/v1/chat/completions", "", chatBody("gpt-4o"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &out)
	if out.Error.Code != "invalid_api_key" {
		t.Fatalf("error = %+v", out.Error)
	}
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": okUpstream("x")})
	seedChatProvider(t, env.store, "p1", "gpt-4o")

	resp := doJSON(t, env.client, "POST", "/v1/chat/completions", "user-key", chatBody("no-such-model"))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &out)
	if out.Error.Code != "model_not_found" {
		t.Fatalf("error = %+v", out.Error)
	}
}

func TestRateLimitRetryAfter(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": okUpstream("x")})
	seedChatProvider(t, env.store, "p1", "gpt-4o")

	// free tier allows 1 request per second; the second immediate call must
	// be rejected with a Retry-After hint.
	first := doJSON(t, env.client, "POST", "/v1/chat/completions", "free-key", chatBody("gpt-4o"))
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}

	second := doJSON(t, env.client, "POST", "/v1/chat/completions", "free-key", chatBody("gpt-4o"))
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	var out struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, second, &out)
	if out.Error.Code != "rate_limit_exceeded" || out.Error.Type != "rate_limit_error" {
		t.Fatalf("error = %+v", out.Error)
	}
}

func TestSingleUpstreamFailureIs502(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": failUpstream("p1")})
	seedChatProvider(t, env.store, "p1", "gpt-4o")

	resp := doJSON(t, env.client, "POST", "/v1/chat/completions", "user-key", chatBody("gpt-4o"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestAllUpstreamsFailedIs503(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{
		"p1": failUpstream("p1"),
		"p2": failUpstream("p2"),
	})
	seedChatProvider(t, env.store, "p1", "gpt-4o")
	seedChatProvider(t, env.store, "p2", "gpt-4o")

	resp := doJSON(t, env.client, "POST", "/v1/chat/completions", "user-key", chatBody("gpt-4o"))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &out)
	if out.Error.Code != "all_providers_failed" {
		t.Fatalf("error = %+v", out.Error)
	}
}

func TestStreamingSSE(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": okUpstream("one two three")})
	seedChatProvider(t, env.store, "p1", "gpt-4o")

	body := chatBody("gpt-4o")
	body["stream"] = true
	resp := doJSON(t, env.client, "POST", "/v1/chat/completions", "user-key", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	text := string(raw)
	if !strings.Contains(text, `"content":"one "`) {
		t.Fatalf("stream missing first delta: %s", text)
	}
	if !strings.Contains(text, `"finish_reason":"stop"`) || !strings.Contains(text, "data: [DONE]") {
		t.Fatalf("stream missing terminator: %s", text)
	}
}

// --- Vendor-shaped surfaces -------------------------------------------------

func TestAzureRequiresAPIVersion(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": okUpstream("x")})
	seedChatProvider(t, env.store, "p1", "gpt-4o")

	resp := doJSON(t, env.client, "POST", "/openai/deployments/gpt-4o/chat/completions", "user-key", chatBody("ignored"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status without api-version = %d, want 400", resp.StatusCode)
	}

	ok := doJSON(t, env.client, "POST",
		"/openai/deployments/gpt-4o/chat/completions?api-version=2024-02-01", "user-key", chatBody("ignored"))
	defer ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("status with api-version = %d, want 200", ok.StatusCode)
	}
}

func TestAnthropicRoute(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": okUpstream("claude says hi")})
	seedChatProvider(t, env.store, "p1", "claude-3-haiku")

	req, _ := http.NewRequest("POST", "http://test/anthropic/v3/messages",
		bytes.NewReader([]byte(`{"model":"claude-3-haiku","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)))
	req.Header.Set("x-api-key", "user-key")
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	decodeBody(t, resp, &out)
	if out.Type != "message" || out.Role != "assistant" || out.StopReason != "end_turn" {
		t.Fatalf("envelope = %+v", out)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "claude says hi" {
		t.Fatalf("content = %+v", out.Content)
	}

	// Errors on this surface use the Anthropic envelope.
	bad, _ := http.NewRequest("POST", "http://test/anthropic/v3/messages",
		bytes.NewReader([]byte(`{"model":"claude-3-haiku","messages":[{"role":"user","content":"hi"}]}`)))
	bad.Header.Set("Content-Type", "application/json")
	badResp, err := env.client.Do(bad)
	if err != nil {
		t.Fatal(err)
	}
	if badResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", badResp.StatusCode)
	}
	var envp struct {
		Type  string `json:"type"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	decodeBody(t, badResp, &envp)
	if envp.Type != "error" || envp.Error.Type != "authentication_error" {
		t.Fatalf("anthropic error envelope = %+v", envp)
	}
}

func TestGeminiRoute(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": okUpstream("gemini says hi")})
	seedChatProvider(t, env.store, "p1", "gemini-2.0-flash")

	req, _ := http.NewRequest("POST", "http://test/gemini/v2/models/gemini-2.0-flash/generateContent",
		bytes.NewReader([]byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)))
	req.Header.Set("x-goog-api-key", "user-key")
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	decodeBody(t, resp, &out)
	if len(out.Candidates) != 1 || out.Candidates[0].FinishReason != "STOP" {
		t.Fatalf("candidates = %+v", out.Candidates)
	}
	if out.Candidates[0].Content.Parts[0].Text != "gemini says hi" {
		t.Fatalf("parts = %+v", out.Candidates[0].Content.Parts)
	}
}

func TestOllamaRoute(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": okUpstream("llama says hi")})
	seedChatProvider(t, env.store, "p1", "llama-3.1-8b")

	resp := doJSON(t, env.client, "POST", "/ollama/v5/api/chat", "user-key", chatBody("llama-3.1-8b"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Done    bool `json:"done"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	decodeBody(t, resp, &out)
	if !out.Done || out.Message.Content != "llama says hi" {
		t.Fatalf("envelope = %+v", out)
	}
}

func TestOpenRouterStripsVendorPrefix(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": okUpstream("x")})
	seedChatProvider(t, env.store, "p1", "gpt-4o")

	resp := doJSON(t, env.client, "POST", "/openrouter/v6/chat/completions", "user-key", chatBody("openai/gpt-4o"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: vendor prefix not stripped", resp.StatusCode)
	}
}

// --- Catalog and admin ------------------------------------------------------

func TestListModelsVerbatim(t *testing.T) {
	env := serveTestGateway(t, nil)
	ctx := context.Background()

	cat := state.NewModelCatalog()
	cat.Data = append(cat.Data, state.CatalogEntry{
		ID: "gpt-4o", Object: "model", OwnedBy: "openai", Created: 1710000000, Providers: 2,
	})
	if err := env.store.SaveCatalog(ctx, cat); err != nil {
		t.Fatalf("SaveCatalog: %v", err)
	}

	resp := doJSON(t, env.client, "GET", "/api/v1/models", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out state.ModelCatalog
	decodeBody(t, resp, &out)
	if out.Object != "list" || len(out.Data) != 1 || out.Data[0].Providers != 2 {
		t.Fatalf("catalog = %+v", out)
	}
}

func TestAdminGenerateKey(t *testing.T) {
	env := serveTestGateway(t, nil)

	// Non-admin callers are rejected.
	forbidden := doJSON(t, env.client, "POST", "/api/admin/users/generate-key", "user-key",
		map[string]string{"userId": "carol", "tier": "pro"})
	forbidden.Body.Close()
	if forbidden.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", forbidden.StatusCode)
	}

	resp := doJSON(t, env.client, "POST", "/api/admin/users/generate-key", "admin-key",
		map[string]string{"userId": "carol", "tier": "pro"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		APIKey string `json:"apiKey"`
		Tier   string `json:"tier"`
		Role   string `json:"role"`
	}
	decodeBody(t, resp, &out)
	if len(out.APIKey) != 64 || out.Tier != "pro" || out.Role != state.RoleUser {
		t.Fatalf("minted = %+v", out)
	}

	// Same user id again conflicts.
	dup := doJSON(t, env.client, "POST", "/api/admin/users/generate-key", "admin-key",
		map[string]string{"userId": "carol", "tier": "free"})
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", dup.StatusCode)
	}
	var dupOut struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, dup, &dupOut)
	if dupOut.Error.Code != "duplicate_user" {
		t.Fatalf("duplicate error = %+v", dupOut.Error)
	}
}

func TestAdminAddProvider(t *testing.T) {
	env := serveTestGateway(t, nil)

	// Fake upstream /models listing with a throughput hint.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o","throughput":80},{"id":"gpt-4-turbo"}]}`))
	}))
	defer ts.Close()

	resp := doJSON(t, env.client, "POST", "/api/admin/providers", "admin-key", map[string]string{
		"id":              "new-prov",
		"endpointUrl":     ts.URL + "/chat/completions",
		"providerBaseUrl": ts.URL,
	})
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		ID     string `json:"id"`
		Models int    `json:"models"`
	}
	decodeBody(t, resp, &out)
	if out.ID != "new-prov" || out.Models != 2 {
		t.Fatalf("response = %+v", out)
	}

	provs := env.store.LoadProviders(context.Background())
	if len(provs) != 1 || provs[0].ID != "new-prov" {
		t.Fatalf("providers = %+v", provs)
	}
	m := provs[0].Model("gpt-4o")
	if m == nil || m.TokenGenerationSpeed != 80 {
		t.Fatalf("seeded stats = %+v", m)
	}
	if d := provs[0].Model("gpt-4-turbo"); d == nil || d.TokenGenerationSpeed != state.DefaultTokenSpeed {
		t.Fatalf("default-speed stats = %+v", d)
	}
}

func TestHealthz(t *testing.T) {
	env := serveTestGateway(t, nil)

	resp := doJSON(t, env.client, "GET", "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &out)
	if out.Status != "ok" {
		t.Fatalf("body = %+v", out)
	}
}

// --- WebSocket surface ------------------------------------------------------

func wsDial(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) {
			return env.ln.Dial()
		},
	}
	conn, _, err := d.Dial("ws://test/ws", nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocketChat(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": okUpstream("hello over ws")})
	seedChatProvider(t, env.store, "p1", "gpt-4o")
	conn := wsDial(t, env)

	// Auth handshake.
	if err := conn.WriteJSON(map[string]string{"type": "auth", "apiKey": "user-key"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var authOK struct {
		Type string `json:"type"`
		Tier string `json:"tier"`
		Role string `json:"role"`
	}
	if err := conn.ReadJSON(&authOK); err != nil {
		t.Fatalf("read auth.ok: %v", err)
	}
	if authOK.Type != "auth.ok" || authOK.Tier != "enterprise" {
		t.Fatalf("auth.ok = %+v", authOK)
	}

	// Ping round trip.
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != "pong" {
		t.Fatalf("pong = %+v", pong)
	}

	// Non-streaming chat.
	if err := conn.WriteJSON(map[string]any{
		"type":      "chat",
		"requestId": "req-1",
		"model":     "gpt-4o",
		"messages":  []map[string]string{{"role": "user", "content": "hi"}},
	}); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	var start struct {
		Type      string `json:"type"`
		RequestID string `json:"requestId"`
	}
	if err := conn.ReadJSON(&start); err != nil {
		t.Fatalf("read chat.start: %v", err)
	}
	if start.Type != "chat.start" || start.RequestID != "req-1" {
		t.Fatalf("chat.start = %+v", start)
	}

	var complete struct {
		Type      string `json:"type"`
		RequestID string `json:"requestId"`
		Response  struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"response"`
	}
	if err := conn.ReadJSON(&complete); err != nil {
		t.Fatalf("read chat.complete: %v", err)
	}
	if complete.Type != "chat.complete" || complete.RequestID != "req-1" {
		t.Fatalf("chat.complete = %+v", complete)
	}
	if complete.Response.Choices[0].Message.Content != "hello over ws" {
		t.Fatalf("ws completion = %+v", complete.Response)
	}
}

func TestWebSocketStreamingChat(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": okUpstream("alpha beta")})
	seedChatProvider(t, env.store, "p1", "gpt-4o")
	conn := wsDial(t, env)

	if err := conn.WriteJSON(map[string]string{"type": "auth", "apiKey": "user-key"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var skip map[string]any
	if err := conn.ReadJSON(&skip); err != nil {
		t.Fatalf("read auth.ok: %v", err)
	}

	if err := conn.WriteJSON(map[string]any{
		"type":      "chat",
		"requestId": "req-2",
		"model":     "gpt-4o",
		"stream":    true,
		"messages":  []map[string]string{{"role": "user", "content": "hi"}},
	}); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	var start map[string]any
	if err := conn.ReadJSON(&start); err != nil {
		t.Fatalf("read chat.start: %v", err)
	}
	if start["type"] != "chat.start" {
		t.Fatalf("chat.start = %+v", start)
	}

	// Deltas for each word, then the stop frame.
	var gotText strings.Builder
	for {
		var delta struct {
			Type    string `json:"type"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := conn.ReadJSON(&delta); err != nil {
			t.Fatalf("read chat.delta: %v", err)
		}
		if delta.Type != "chat.delta" {
			t.Fatalf("frame = %+v", delta)
		}
		if delta.Choices[0].FinishReason != nil {
			if *delta.Choices[0].FinishReason != "stop" {
				t.Fatalf("finish_reason = %q", *delta.Choices[0].FinishReason)
			}
			break
		}
		gotText.WriteString(delta.Choices[0].Delta.Content)
	}
	if gotText.String() != "alpha beta" {
		t.Fatalf("streamed text = %q", gotText.String())
	}
}

func TestWebSocketQuotaCheckedPerChatFrame(t *testing.T) {
	env := serveTestGateway(t, map[string]sendFn{"p1": okUpstream("x")})
	seedChatProvider(t, env.store, "p1", "gpt-4o")
	conn := wsDial(t, env)

	if err := conn.WriteJSON(map[string]string{"type": "auth", "apiKey": "free-key"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var authOK map[string]any
	if err := conn.ReadJSON(&authOK); err != nil {
		t.Fatalf("read auth.ok: %v", err)
	}
	if authOK["type"] != "auth.ok" {
		t.Fatalf("auth.ok = %+v", authOK)
	}

	// Burn the tier's token budget while the session stays open. The next
	// chat frame must be refused, not served from the handshake snapshot.
	ctx := context.Background()
	users := env.store.LoadUsers(ctx)
	users["free-key"].TokenUsage = 200_000
	if err := env.store.SaveUsers(ctx, users); err != nil {
		t.Fatalf("SaveUsers: %v", err)
	}

	if err := conn.WriteJSON(map[string]any{
		"type":      "chat",
		"requestId": "req-q",
		"model":     "gpt-4o",
		"messages":  []map[string]string{{"role": "user", "content": "hi"}},
	}); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	var out struct {
		Type      string `json:"type"`
		Code      string `json:"code"`
		RequestID string `json:"requestId"`
	}
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if out.Type != "error" || out.Code != "quota_exceeded" || out.RequestID != "req-q" {
		t.Fatalf("frame = %+v, want a quota_exceeded error", out)
	}
}

func TestWebSocketAuthFirst(t *testing.T) {
	env := serveTestGateway(t, nil)
	conn := wsDial(t, env)

	// A chat frame before auth must be refused.
	if err := conn.WriteJSON(map[string]any{
		"type": "chat", "model": "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}); err != nil {
		t.Fatalf("write chat: %v", err)
	}
	var out struct {
		Type string `json:"type"`
		Code string `json:"code"`
	}
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if out.Type != "error" || out.Code != "unauthenticated" {
		t.Fatalf("frame = %+v", out)
	}
}
