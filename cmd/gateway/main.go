package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/marigold-events/wedding-gateway/internal/auth"
	"github.com/marigold-events/wedding-gateway/internal/channel"
	"github.com/marigold-events/wedding-gateway/internal/config"
	"github.com/marigold-events/wedding-gateway/internal/domain"
	"github.com/marigold-events/wedding-gateway/internal/gateway"
	"github.com/marigold-events/wedding-gateway/internal/phone"
	"github.com/marigold-events/wedding-gateway/internal/server"
	"github.com/marigold-events/wedding-gateway/internal/store"
	"github.com/marigold-events/wedding-gateway/internal/telemetry"
)

func main() {
	// Optional .env for local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.Init("wedding-gateway", logger)
	if err != nil {
		logger.Error("failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		logger.Error("failed to create data dir", slog.String("error", err.Error()))
		os.Exit(1)
	}
	st, err := store.New(cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	normalizer := phone.New(cfg.Phone.DefaultCountryCode)

	registry := gateway.NewRegistry(st, gateway.Defaults{
		Provider: domain.Provider(cfg.Provider.Default),
		CloudAPI: domain.CloudAPICredentials{
			AccessToken:       cfg.Provider.AccessToken,
			PhoneNumberID:     cfg.Provider.PhoneNumberID,
			BusinessAccountID: cfg.Provider.BusinessAccountID,
		},
	}, channel.Options{
		Normalizer:       normalizer,
		Logger:           logger,
		SessionStoreDir:  cfg.Session.StoreDir,
		TemplateFallback: cfg.Session.TemplateFallback,
		AutoReconnect:    cfg.Session.AutoReconnect,
	}, logger)

	dispatcher := gateway.NewDispatcher(registry, st, normalizer, cfg.Bulk.BatchSize, cfg.Bulk.Pacing, logger)

	srv := server.New(cfg.Server.Port, logger)
	handler := server.NewHandler(registry, dispatcher, logger, "").
		WithAdminGuard(auth.NewGuard(cfg.Server.AdminAPIKey))
	handler.Mount(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", slog.String("error", err.Error()))
	}
	// Session clients hold live device connections; leaking them leaks the
	// underlying sessions.
	if err := registry.DisconnectAll(shutdownCtx); err != nil {
		logger.Warn("disconnect on shutdown failed", slog.String("error", err.Error()))
	}
	if err := st.Close(); err != nil {
		logger.Warn("store close failed", slog.String("error", err.Error()))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
	}
}
