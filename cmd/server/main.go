// Command server starts the AI request router HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/pillarhq/ai-router/internal/adapter/httpserver"
	"github.com/pillarhq/ai-router/internal/adapter/observability"
	"github.com/pillarhq/ai-router/internal/adapter/provider"
	"github.com/pillarhq/ai-router/internal/adapter/provider/anthropic"
	"github.com/pillarhq/ai-router/internal/adapter/provider/openai"
	"github.com/pillarhq/ai-router/internal/adapter/registry/memory"
	pgregistry "github.com/pillarhq/ai-router/internal/adapter/registry/postgres"
	"github.com/pillarhq/ai-router/internal/app"
	"github.com/pillarhq/ai-router/internal/config"
	"github.com/pillarhq/ai-router/internal/domain"
	"github.com/pillarhq/ai-router/internal/service/dispatch"
	"github.com/pillarhq/ai-router/internal/service/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	providers, accounts, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		slog.Error("providers config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Vendor adapters
	adapters := buildAdapters(providers, cfg.DispatchTimeout)

	// Account registry: PostgreSQL when configured, in-memory otherwise.
	var (
		registry domain.AccountRegistry
		dbCheck  func(context.Context) error
	)
	if cfg.DBURL != "" {
		pool, err := pgregistry.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		reg := pgregistry.NewRegistry(pool)
		if err := reg.Seed(ctx, accounts); err != nil {
			slog.Error("account seed failed", slog.Any("error", err))
			os.Exit(1)
		}
		registry = reg
		dbCheck = pool.Ping
		slog.Info("account registry: postgres")
	} else {
		registry = memory.New(accounts)
		slog.Info("account registry: memory", slog.Int("accounts", len(accounts)))
	}

	// Shared rate limiter: coordinates budgets across replicas when Redis
	// is configured.
	var (
		shared     *ratelimit.SharedLimiter
		redisCheck func(context.Context) error
	)
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url parse failed", slog.Any("error", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(ropts)
		defer func() { _ = rdb.Close() }()
		buckets := make(map[string]ratelimit.BucketConfig, len(accounts))
		for _, acc := range accounts {
			buckets[acc.ID] = ratelimit.BucketFromPerMinute(acc.Ceiling.RequestsPerMinute)
		}
		shared = ratelimit.NewSharedLimiter(rdb, buckets)
		redisCheck = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		slog.Info("shared rate limiter enabled")
	}

	router := dispatch.NewRouter(cfg, registry, adapters, shared)
	router.Start(ctx)
	defer router.Close()

	srv := httpserver.NewServer(cfg, router, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// buildAdapters maps each configured provider to a vendor adapter. Anthropic
// gets the Messages API adapter; everything else speaks the OpenAI-compatible
// chat completions surface.
func buildAdapters(providers []domain.Provider, timeout time.Duration) map[string]domain.ProviderAdapter {
	out := make([]domain.ProviderAdapter, 0, len(providers))
	for _, p := range providers {
		switch p.ID {
		case "anthropic":
			out = append(out, anthropic.New(p.ID, p.Config, timeout))
		default:
			out = append(out, openai.New(p.ID, p.Config, timeout))
		}
	}
	return provider.Map(out...)
}
