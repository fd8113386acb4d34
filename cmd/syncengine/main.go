package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/offlinehq/syncengine/internal/bus"
	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/config"
	"github.com/offlinehq/syncengine/internal/downloader"
	"github.com/offlinehq/syncengine/internal/engine"
	"github.com/offlinehq/syncengine/internal/http/rest"
	"github.com/offlinehq/syncengine/internal/lifecycle"
	"github.com/offlinehq/syncengine/internal/logctx"
	"github.com/offlinehq/syncengine/internal/notifier"
	"github.com/offlinehq/syncengine/internal/storage/sqlite"
	"github.com/offlinehq/syncengine/internal/strategy"
	"github.com/offlinehq/syncengine/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("sync engine starting...", "log_level", cfg.LogLevel, "cache_version", cfg.CacheVersion)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	origin, err := url.Parse(cfg.OriginBaseURL)
	if err != nil {
		return fmt.Errorf("invalid origin base URL: %w", err)
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Stores
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open record database: %w", err)
	}
	defer database.Close()

	buckets, err := cache.Open(cfg.BucketPath, cfg.CacheVersion)
	if err != nil {
		return fmt.Errorf("failed to open cache buckets: %w", err)
	}
	defer buckets.Close()

	videos := sqlite.NewInstrumentedVideoRepository(database, tel)
	modules := sqlite.NewModuleCacheRepository(database)
	content := sqlite.NewContentRepository(database)

	// =========================================================================
	// Start Engine
	events := bus.New(cfg.EventBufferSize)
	defer events.Close()

	fetcher := strategy.NewHTTPFetcher(cfg.FetchTimeout)

	offlinePage, err := url.Parse(cfg.OfflinePage)
	if err != nil {
		return fmt.Errorf("invalid offline page: %w", err)
	}

	offlinePageKey := cache.Key(http.MethodGet, origin.ResolveReference(offlinePage).String())
	fallback := strategy.NewFallback(buckets, offlinePageKey, tel)
	router := strategy.NewRouter(strategy.DefaultRules(), origin.Host, buckets, fetcher, fallback, tel)

	downloads := downloader.NewManager(buckets, videos, modules, fetcher, events, tel, cfg.MaxParallel)
	lc := lifecycle.NewManager(origin, cfg.ShellAssets, buckets, fetcher, events, tel, cfg.MaxParallel)

	eng := engine.New(router, downloads, lc, events, videos, modules, content, buckets, cfg.DBPath, cfg.QuotaBytes)

	// =========================================================================
	// Start Notification
	setupNotifications(ctx, events, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, eng, origin, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Install & Activate
	if err := lc.Install(ctx); err != nil {
		logger.Error("install failed", "err", err)
	}

	if err := lc.Activate(ctx); err != nil {
		return fmt.Errorf("activation failed: %w", err)
	}

	logger.Info("waiting for requests...",
		"origin", cfg.OriginBaseURL,
		"cache_version", cfg.CacheVersion,
		"quota", cfg.QuotaBytes,
	)

	// =========================================================================
	// Start Main Loop
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// setupNotifications forwards terminal download events to the webhook.
func setupNotifications(ctx context.Context, events *bus.Bus, cfg *config.Config) {
	if cfg.WebhookURL == "" {
		return
	}

	logger := logctx.LoggerFromContext(ctx)
	notif := &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}

	id, ch := events.Subscribe()

	go func() {
		defer events.Unsubscribe(id)

		for {
			select {
			case <-ctx.Done():
				return
			case event, open := <-ch:
				if !open {
					return
				}

				switch e := event.(type) {
				case bus.VideoDownloaded:
					content := "✅ Download finished for asset: " + e.VideoID
					if !e.Success {
						content = "❌ Download failed for asset: " + e.VideoID + " (" + e.Error + ")"
					}

					if notifyErr := notif.Notify(content); notifyErr != nil {
						logger.Error("failed to send notification", "asset_id", e.VideoID, "err", notifyErr)
					}
				default:
				}
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, eng *engine.Engine, origin *url.URL, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	proxy := rest.NewContentProxy(eng, origin)
	handler := rest.NewEngineHandler(eng, proxy)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
