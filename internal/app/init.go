package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tiergate/tiergate/internal/audit"
	"github.com/tiergate/tiergate/internal/auth"
	"github.com/tiergate/tiergate/internal/catalog"
	"github.com/tiergate/tiergate/internal/metrics"
	"github.com/tiergate/tiergate/internal/proxy"
	"github.com/tiergate/tiergate/internal/ratelimit"
	"github.com/tiergate/tiergate/internal/router"
	"github.com/tiergate/tiergate/internal/state"
	"github.com/tiergate/tiergate/internal/upstream"
	"github.com/tiergate/tiergate/internal/upstream/anthropicmsg"
	"github.com/tiergate/tiergate/internal/upstream/googlegen"
	"github.com/tiergate/tiergate/internal/upstream/openaicompat"
)

// initState builds the document store. The filesystem backend always exists;
// when DATA_SOURCE_PREFERENCE=redis it becomes the fallback behind a redis
// preferred backend. A redis that fails its opening ping still starts the
// gateway — the store serves from the fallback until redis recovers.
func (a *App) initState(ctx context.Context) error {
	fileBackend, err := state.NewFileBackend(a.cfg.DataSource.Dir)
	if err != nil {
		return fmt.Errorf("filesystem backend: %w", err)
	}

	if a.cfg.DataSource.Preference != "redis" {
		a.store = state.NewStore(fileBackend, nil, a.log)
		a.log.Info("state store ready", slog.String("preferred", "filesystem"))
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	redisBackend, ok, err := state.NewRedisBackend(ctx, state.RedisOptions{
		URL:      a.cfg.Redis.URL,
		Username: a.cfg.Redis.Username,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		TLS:      a.cfg.Redis.TLS,
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if !ok {
		a.log.Warn("redis unreachable at startup, serving from filesystem fallback")
	}

	a.redisBackend = redisBackend
	a.store = state.NewStore(redisBackend, fileBackend, a.log)
	a.log.Info("state store ready",
		slog.String("preferred", "redis"),
		slog.String("fallback", "filesystem"),
		slog.Bool("redis_connected", ok))
	return nil
}

// initAuth builds the key validation service and seeds the bootstrap admin
// when one is configured.
func (a *App) initAuth(ctx context.Context) error {
	a.authSvc = auth.NewService(a.store, a.cfg.Tiers, a.log)

	if err := a.authSvc.EnsureAdmin(ctx, a.cfg.Admin); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	return nil
}

// initServices creates the metrics registry, the in-process rate limiter, and
// the audit trail. A ClickHouse sink that cannot be reached downgrades the
// audit trail to slog-only rather than failing startup.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.limiter = ratelimit.NewLimiter()

	var sink audit.Sink
	if a.cfg.ClickHouse.Enabled() {
		chSink, err := audit.NewClickHouseSink(ctx, audit.ClickHouseOptions{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
		})
		if err != nil {
			a.log.Warn("clickhouse sink unavailable, audit trail is log-only",
				slog.String("error", err.Error()))
		} else {
			sink = chSink
			a.log.Info("clickhouse audit sink connected",
				slog.String("addr", a.cfg.ClickHouse.Addr))
		}
	}

	auditor, err := audit.New(a.baseCtx, a.log, sink)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	a.auditor = auditor
	return nil
}

// initGateway wires the router over the store and adapter factory, runs the
// initial catalog sync, and assembles the HTTP front.
func (a *App) initGateway(ctx context.Context) error {
	a.rt = router.New(a.store, a.authSvc, defaultFactory, a.log,
		router.Options{Metrics: a.prom})

	provs := a.store.LoadProviders(ctx)
	a.log.Info("providers loaded", slog.Int("providers", len(provs)))

	if changed, err := catalog.Refresh(ctx, a.store, a.log); err != nil {
		a.log.Warn("initial catalog sync failed", slog.String("error", err.Error()))
	} else if changed {
		a.log.Info("catalog synced at startup")
	}

	// Keep per-model provider counts in step with the providers document.
	// The store runs hooks on background goroutines, off the save path.
	refresh := func(ctx context.Context) (bool, error) {
		return catalog.Refresh(ctx, a.store, a.log)
	}
	a.store.OnSave(state.DocProviders, func() {
		if _, err := refresh(a.baseCtx); err != nil {
			a.log.Warn("catalog sync failed", slog.String("error", err.Error()))
		}
	})

	a.srv = proxy.New(proxy.Options{
		Config:         a.cfg,
		Logger:         a.log,
		Auth:           a.authSvc,
		Router:         a.rt,
		Limiter:        a.limiter,
		Store:          a.store,
		Metrics:        a.prom,
		Audit:          a.auditor,
		RefreshCatalog: refresh,
	})
	return nil
}

// defaultFactory builds the adapter matching a provider record's kind. The
// zero kind falls through to the generic OpenAI-compatible adapter. Provider
// records store the full chat-completions URL; adapters want the API base.
func defaultFactory(ctx context.Context, kind, name, endpointURL, apiKey string) (upstream.Client, error) {
	base := strings.TrimSuffix(strings.TrimRight(endpointURL, "/"), "/chat/completions")
	switch kind {
	case state.KindGoogle:
		return googlegen.New(ctx, name, apiKey, base)
	case state.KindAnthropic:
		return anthropicmsg.New(name, apiKey, base), nil
	default:
		return openaicompat.New(name, apiKey, base), nil
	}
}
