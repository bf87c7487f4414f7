// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initState    — state store backends (redis preferred or filesystem)
//  2. initAuth     — key validation, bootstrap admin seeding
//  3. initServices — metrics registry, rate limiter, audit trail
//  4. initGateway  — router, catalog sync, HTTP/WS front
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiergate/tiergate/internal/audit"
	"github.com/tiergate/tiergate/internal/auth"
	"github.com/tiergate/tiergate/internal/config"
	"github.com/tiergate/tiergate/internal/metrics"
	"github.com/tiergate/tiergate/internal/proxy"
	"github.com/tiergate/tiergate/internal/ratelimit"
	"github.com/tiergate/tiergate/internal/router"
	"github.com/tiergate/tiergate/internal/state"
)

// sweepInterval paces the rate limiter's idle-key eviction.
const sweepInterval = time.Minute

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// redisBackend is kept for Close; nil when redis is not configured.
	redisBackend *state.RedisBackend

	store   *state.Store
	authSvc *auth.Service
	limiter *ratelimit.Limiter
	prom    *metrics.Registry
	auditor *audit.Logger
	rt      *router.Router
	srv     *proxy.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"state", a.initState},
		{"auth", a.initAuth},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("data_source", a.cfg.DataSource.Preference),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Serve(addr)
	})

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				a.limiter.Sweep()
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.auditor != nil {
			if err := a.auditor.Close(); err != nil {
				a.log.Error("audit close error", slog.String("error", err.Error()))
			}
		}
		if a.redisBackend != nil {
			if err := a.redisBackend.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
