// Package proxy is the gateway's HTTP and WebSocket front.
//
// It terminates the OpenAI-compatible surface plus several vendor-shaped
// route groups, authenticates callers by API key, applies the per-key rate
// limits, and hands the request to the router. Each vendor group renders
// both successes and failures in that vendor's wire convention; internally
// everything funnels through the same dispatch path.
package proxy

import (
	"context"
	"log/slog"
	"time"

	routertable "github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/tiergate/tiergate/internal/audit"
	"github.com/tiergate/tiergate/internal/auth"
	"github.com/tiergate/tiergate/internal/config"
	"github.com/tiergate/tiergate/internal/metrics"
	"github.com/tiergate/tiergate/internal/ratelimit"
	"github.com/tiergate/tiergate/internal/router"
	"github.com/tiergate/tiergate/internal/state"
)

// Server owns the route table and the shared front-door dependencies.
// All optional fields (prom, audit) are nil-safe.
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	auth    *auth.Service
	rt      *router.Router
	limiter *ratelimit.Limiter
	store   *state.Store
	prom    *metrics.Registry
	audit   *audit.Logger

	// refreshCatalog runs the provider-count sync synchronously; wired from
	// the catalog package by the app.
	refreshCatalog func(context.Context) (bool, error)

	srv *fasthttp.Server
}

// Options bundles the Server's constructor arguments.
type Options struct {
	Config         *config.Config
	Logger         *slog.Logger
	Auth           *auth.Service
	Router         *router.Router
	Limiter        *ratelimit.Limiter
	Store          *state.Store
	Metrics        *metrics.Registry
	Audit          *audit.Logger
	RefreshCatalog func(context.Context) (bool, error)
}

// New builds the server. The listener is started by Serve.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:            opts.Config,
		log:            log,
		auth:           opts.Auth,
		rt:             opts.Router,
		limiter:        opts.Limiter,
		store:          opts.Store,
		prom:           opts.Metrics,
		audit:          opts.Audit,
		refreshCatalog: opts.RefreshCatalog,
	}
}

// Handler builds the full route table wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := routertable.New()

	toggles := s.cfg.Routes

	if toggles.OpenAI {
		r.POST("/v1/chat/completions", s.handleOpenAIChat)
	}
	if toggles.Azure {
		r.POST("/openai/deployments/{id}/chat/completions", s.handleAzureChat)
	}
	if toggles.Anthropic {
		r.POST("/anthropic/v3/messages", s.handleAnthropicChat)
	}
	if toggles.Gemini {
		r.POST("/gemini/v2/models/{modelId}/generateContent", s.handleGeminiChat)
	}
	if toggles.Groq {
		r.POST("/groq/v4/chat/completions", s.handleGroqChat)
	}
	if toggles.OpenRouter {
		r.POST("/openrouter/v6/chat/completions", s.handleOpenRouterChat)
	}
	if toggles.Ollama {
		r.POST("/ollama/v5/api/chat", s.handleOllamaChat)
	}

	r.GET("/api/v1/models", s.handleListModels)

	r.POST("/api/admin/providers", s.handleAdminAddProvider)
	r.POST("/api/admin/users/generate-key", s.handleAdminGenerateKey)
	r.POST("/api/admin/models/refresh-provider-counts", s.handleAdminRefreshCounts)

	r.GET("/ws", s.handleWS)

	r.GET("/healthz", s.handleHealthz)
	if s.prom != nil {
		r.GET("/metrics", s.prom.Handler())
	}

	return applyMiddleware(r.Handler,
		s.recovery,
		requestID,
		s.accessLog,
		corsHandler(s.cfg.CORSOrigins),
	)
}

// Serve blocks on the listener until Shutdown is called.
func (s *Server) Serve(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handleHealthz(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"status":"ok"}`)
}
