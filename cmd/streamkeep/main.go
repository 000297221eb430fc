package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/streamkeep/streamkeep/internal/config"
	"github.com/streamkeep/streamkeep/internal/hlsdl"
	"github.com/streamkeep/streamkeep/internal/http/rest"
	"github.com/streamkeep/streamkeep/internal/logctx"
	"github.com/streamkeep/streamkeep/internal/manager"
	"github.com/streamkeep/streamkeep/internal/notifier"
	"github.com/streamkeep/streamkeep/internal/storage/sqlite"
	"github.com/streamkeep/streamkeep/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("streamkeep starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tel.Shutdown(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.StatePath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewInstrumentedAssetStore(database, tel)

	// =========================================================================
	// Start Download Engine
	engine, err := hlsdl.New(hlsdl.Config{
		Dir:         cfg.DownloadDir,
		MaxParallel: cfg.SegmentParallelism,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build download engine: %w", err)
	}

	// =========================================================================
	// Start Persistence Manager
	broadcaster := notifier.NewBroadcaster()

	if cfg.WebhookURL != "" {
		webhook := &notifier.WebhookObserver{WebhookURL: cfg.WebhookURL, Logger: logger}
		broadcaster.Subscribe(webhook.AssetsChanged)
	}

	mgr := manager.New(
		manager.Config{MaxConcurrent: cfg.MaxConcurrent},
		store,
		engine,
		broadcaster,
		tel,
		logger,
	)

	// Reconcile persisted records with the engine's surviving task list
	// before any callback or caller can observe state. The engine refuses
	// starts while no delegate is attached, so the queue gets one explicit
	// kick afterwards to start whatever reconciliation left queued.
	mgr.RestoreOnStartup(ctx)
	engine.SetDelegate(mgr)
	mgr.CheckQueue(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, mgr, broadcaster, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for download requests...",
		"download_dir", cfg.DownloadDir,
		"max_concurrent", cfg.MaxConcurrent,
		"segment_parallelism", cfg.SegmentParallelism,
	)

	// =========================================================================
	// Start Main Loop
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	mgr *manager.Manager,
	broadcaster *notifier.Broadcaster,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	assetsHandler := rest.NewAssetsHandler(mgr, broadcaster, cfg.DefaultBitrate)
	middleware := telemetry.NewHTTPMiddleware(tel)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(middleware.Middleware)
	r.Mount("/hls", assetsHandler.Routes())
	r.Handle("/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "streamkeep"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
