// Command server is the FlareWatch alert server binary. It loads a YAML
// configuration file, opens the alert-history store, and serves the HTTP API
// and the WebSocket push endpoint from a single listener, shutting down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flarewatch/server/internal/auth"
	"github.com/flarewatch/server/internal/broadcast"
	"github.com/flarewatch/server/internal/config"
	"github.com/flarewatch/server/internal/delivery"
	"github.com/flarewatch/server/internal/push"
	"github.com/flarewatch/server/internal/queue"
	"github.com/flarewatch/server/internal/registry"
	"github.com/flarewatch/server/internal/rest"
	"github.com/flarewatch/server/internal/storage"
	"github.com/flarewatch/server/internal/webhook"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration file (optional; defaults apply)")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("flarewatch server starting",
		slog.String("addr", cfg.ListenAddr),
		slog.String("storage", cfg.Storage.Driver),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Alert-history store ───────────────────────────────────────────────────
	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("storage connected", slog.String("driver", cfg.Storage.Driver))

	// ── Core components ───────────────────────────────────────────────────────
	reg := registry.NewRegistry(logger, cfg.Push.SendBuffer, cfg.Alerts.DefaultThresholds)
	offline := queue.NewQueue(logger, cfg.Queue.Capacity, cfg.Queue.MessageTTL)
	tracker := delivery.NewTracker(logger, cfg.Delivery.RecordTTL)

	var validator auth.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		validator = auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		logger.Info("push authentication enabled")
	} else {
		logger.Warn("auth.jwt_secret not configured; push connections stay anonymous (dev mode)")
	}

	dispatcher := webhook.NewDispatcher(logger, store,
		webhook.WithTimeout(cfg.Webhooks.Timeout),
		webhook.WithMaxConcurrency(cfg.Webhooks.MaxConcurrency),
	)

	engine := broadcast.NewEngine(logger, reg, offline, tracker,
		store, dispatcher, store,
		cfg.Alerts.DefaultThresholds, cfg.Alerts.RealertInterval,
	)

	pushHandler := push.NewHandler(logger, reg, offline, validator, 10*time.Second)

	restSrv := rest.NewServer(engine, reg, offline, tracker, store)
	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     rest.NewRouter(restSrv, pushHandler, cfg.IngestToken),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// ── Background loops ──────────────────────────────────────────────────────
	keeper := registry.NewKeeper(reg, cfg.Push.HeartbeatInterval, cfg.Push.IdleTimeout, logger, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		keeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		engine.RunCleanup(ctx, cfg.Delivery.CleanupInterval)
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	cancel()
	wg.Wait()

	// Closing the registry drains every connection's writer goroutine.
	reg.Close()

	logger.Info("flarewatch server exited cleanly")
}

// loadConfig loads the YAML file at path, or returns a fully defaulted
// configuration when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

// openStore opens the repository named by the storage configuration.
func openStore(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return storage.NewPostgres(ctx, cfg.Storage.DSN)
	default:
		return storage.NewSQLite(cfg.Storage.DSN)
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
