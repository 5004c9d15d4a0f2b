// Command weather-proxy serves cached weather lookups and a generic caching
// HTTP proxy backed by Redis.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/weather-proxy/internal/config"
	"github.com/Sternrassler/weather-proxy/internal/server"
	"github.com/Sternrassler/weather-proxy/pkg/cache"
	"github.com/Sternrassler/weather-proxy/pkg/logging"
	"github.com/Sternrassler/weather-proxy/pkg/metrics"
	"github.com/Sternrassler/weather-proxy/pkg/pipeline"
	"github.com/Sternrassler/weather-proxy/pkg/shutdown"
	"github.com/Sternrassler/weather-proxy/pkg/upstream"
)

func main() {
	cfg := config.Load()

	logging.Setup(logging.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Output:  os.Stderr,
		Service: server.ServiceName,
		Version: server.Version,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// app holds the wired components of one process.
type app struct {
	store       *cache.Store
	fetcher     *upstream.Fetcher
	server      *server.Server
	httpServer  *http.Server
	coordinator *shutdown.Coordinator
}

// newRedisClient returns nil when caching is disabled.
func newRedisClient(cfg config.Config) redis.UniversalClient {
	if !cfg.RedisEnabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.CacheOpTimeout,
		ReadTimeout:  cfg.CacheOpTimeout,
		WriteTimeout: cfg.CacheOpTimeout,
	})
}

func newApp(cfg config.Config, redisClient redis.UniversalClient) *app {
	registry := metrics.NewRegistry()

	store := cache.NewStore(redisClient, registry, cache.StoreConfig{
		OperationTimeout: cfg.CacheOpTimeout,
	})

	fetcher := upstream.New(upstream.Config{
		Retry: upstream.RetryConfig{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		Timeout:   cfg.UpstreamTimeout,
		UserAgent: server.ServiceName + "/" + server.Version,
	}, registry)

	p := pipeline.New(store, fetcher, registry, pipeline.Config{
		WeatherTTL:        cfg.WeatherCacheTTL,
		ProxyTTL:          cfg.ProxyCacheTTL,
		CacheWriteTimeout: pipeline.DefaultConfig().CacheWriteTimeout,
		Weather: upstream.WeatherConfig{
			GeocodingURL: cfg.GeocodingURL,
			ForecastURL:  cfg.ForecastURL,
		},
	})

	coordinator := shutdown.New(shutdown.Config{
		Grace:           cfg.ShutdownGrace,
		Timeout:         cfg.ShutdownTimeout,
		ResourceTimeout: cfg.ResourceCloseTimeout,
	})

	srv := server.New(p, registry, store, coordinator)
	httpServer := srv.HTTPServer(cfg.Addr())

	// Closed in this order once in-flight requests have drained.
	coordinator.Register("http-server", httpServer.Shutdown)
	coordinator.Register("upstream", func(context.Context) error { return fetcher.Close() })
	coordinator.Register("cache", func(context.Context) error { return store.Close() })

	return &app{
		store:       store,
		fetcher:     fetcher,
		server:      srv,
		httpServer:  httpServer,
		coordinator: coordinator,
	}
}

// run serves until ctx is canceled or the listener fails, then shuts down.
func run(ctx context.Context, cfg config.Config) error {
	a := newApp(cfg, newRedisClient(cfg))

	if !a.store.Configured() {
		log.Info().Msg("Redis caching disabled")
	} else if err := a.store.Probe(ctx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr()).Msg("Redis unreachable at startup, serving without cache")
	} else {
		log.Info().Str("addr", cfg.RedisAddr()).Msg("Connected to Redis")
	}
	go a.store.Monitor(ctx, cfg.CacheMonitorInterval)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", a.httpServer.Addr).
			Str("version", server.Version).
			Msg("Starting weather proxy")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("Listener failed")
	}

	report := a.coordinator.Shutdown(context.Background())
	event := log.Info()
	if report.Forced || len(report.Failed) > 0 {
		event = log.Warn()
	}
	event.
		Bool("drained", report.Drained).
		Int("abandoned", report.Abandoned).
		Int("failed_resources", len(report.Failed)).
		Bool("forced", report.Forced).
		Dur("duration", report.Duration).
		Msg("Shutdown complete")

	return serveErr
}
