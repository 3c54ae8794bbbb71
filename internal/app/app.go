// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/podthemes/podingest/internal/blob"
	"github.com/podthemes/podingest/internal/config"
	"github.com/podthemes/podingest/internal/feedparse"
	"github.com/podthemes/podingest/internal/fetch"
	"github.com/podthemes/podingest/internal/ingest"
	"github.com/podthemes/podingest/internal/logging"
	"github.com/podthemes/podingest/internal/metrics"
	"github.com/podthemes/podingest/internal/ratelimit"
	"github.com/podthemes/podingest/internal/resolver"
	"github.com/podthemes/podingest/internal/robots"
	"github.com/podthemes/podingest/internal/store/memory"
	"github.com/podthemes/podingest/internal/store/postgres"
	"github.com/podthemes/podingest/internal/worker"
)

// App holds the shared services one crawl or refresh invocation needs.
// It is built once at startup and torn down with Close.
type App struct {
	Config config.Config
	Logger *zap.Logger
	Store  ingest.Store
	Pool   *worker.Pool

	pgStore       *postgres.Store
	metricsServer *http.Server
}

// New builds every service from cfg, failing fast when a critical one
// cannot be initialized. A configured metrics address starts a debug
// listener serving /metrics and /healthz in the background.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	metrics.Init()

	a := &App{Config: cfg, Logger: logger}

	// An empty DSN selects the in-memory store, useful for dry runs.
	if cfg.DB.DSN != "" {
		pg, err := postgres.New(ctx, postgres.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("initialize store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		a.pgStore = pg
		a.Store = pg
		logger.Info("connected to postgres")
	} else {
		a.Store = memory.New()
		logger.Warn("db.dsn is empty, using in-memory store")
	}

	var blobs ingest.BlobStore
	if cfg.Cache.Dir != "" {
		fs, err := blob.NewFSStore(cfg.Cache.Dir)
		if err != nil {
			a.closePartial()
			return nil, fmt.Errorf("initialize blob cache: %w", err)
		}
		blobs = fs
	} else {
		blobs = blob.NewMemoryStore()
	}

	limiter := ratelimit.New(ratelimit.Config{QPS: cfg.RateLimit.QPS, Burst: cfg.RateLimit.Burst})
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout()}
	guard := robots.NewGuard(robots.Config{
		UserAgent: cfg.Crawler.UserAgent,
		TTL:       cfg.RobotsTTL(),
		Timeout:   cfg.HTTPTimeout(),
	}, httpClient, a.Store, ingest.SystemClock{}, logger)

	fetcher := fetch.New(
		fetch.Config{UserAgent: cfg.Crawler.UserAgent, Timeout: cfg.HTTPTimeout()},
		httpClient,
		limiter,
		guard,
		a.Store,
		blobs,
		ingest.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries, cfg.BackoffInitial(), cfg.BackoffMax()),
		ingest.SystemClock{},
		logger,
	)

	providers := []resolver.Provider{resolver.DirectURLProvider{}}
	if cfg.Lookup.ITunesEnabled {
		providers = append(providers, resolver.NewITunesProvider(fetcher, cfg.Lookup.ITunesBaseURL))
	}

	a.Pool = worker.NewPool(
		worker.Config{Workers: cfg.Crawler.Workers, FeedDeadline: cfg.FeedDeadline()},
		resolver.New(logger, providers...),
		fetcher,
		feedparse.New(),
		a.Store,
		ingest.SystemClock{},
		logger,
	)

	if cfg.Metrics.Addr != "" {
		a.startMetricsServer(cfg.Metrics.Addr)
	}
	return a, nil
}

// Run executes one crawl or refresh over the configured feeds.
func (a *App) Run(ctx context.Context, mode worker.Mode) ingest.RunSummary {
	return a.Pool.Run(ctx, a.Config.Feeds, mode)
}

func (a *App) startMetricsServer(addr string) {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	a.metricsServer = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.Logger.Info("metrics server listening", zap.String("addr", addr))
}

func (a *App) closePartial() {
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

// Close releases the connection pool, stops the metrics listener, and
// flushes buffered log entries.
func (a *App) Close(ctx context.Context) {
	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.metricsServer.Shutdown(shutdownCtx)
	}
	a.closePartial()
	_ = a.Logger.Sync()
}
