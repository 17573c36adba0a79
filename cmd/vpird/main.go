// Package main implements the entry point for the voice recordings service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avangrid-gui/vpi-recordings-go/internal/archive"
	"github.com/avangrid-gui/vpi-recordings-go/internal/config"
	"github.com/avangrid-gui/vpi-recordings-go/internal/event"
	"github.com/avangrid-gui/vpi-recordings-go/internal/locator"
	"github.com/avangrid-gui/vpi-recordings-go/internal/media"
	"github.com/avangrid-gui/vpi-recordings-go/internal/server"
	"github.com/avangrid-gui/vpi-recordings-go/internal/storage"
	"github.com/avangrid-gui/vpi-recordings-go/internal/telemetry"
	"github.com/avangrid-gui/vpi-recordings-go/internal/tenant"
	"github.com/avangrid-gui/vpi-recordings-go/internal/transcode"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("vpi-recordings")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Bind one store per configured tenant. Development deployments without
	// any DSN get in-memory stores for every known tenant.
	registry := tenant.NewRegistry()
	if len(cfg.TenantDSNs) > 0 {
		for opco, dsn := range cfg.TenantDSNs {
			store, err := storage.NewPostgres(dsn)
			if err != nil {
				logger.Error("failed to initialize postgres storage", "opco", opco, "error", err)
				os.Exit(1)
			}
			registry.Bind(opco, store)
			logger.Info("tenant store bound", "opco", opco, "backend", "postgres")
		}
	} else if cfg.Env == "dev" {
		for _, opco := range config.Opcos() {
			registry.Bind(opco, storage.NewMemory())
			logger.Info("tenant store bound", "opco", opco, "backend", "memory")
		}
	} else {
		logger.Error("no tenant databases configured")
		os.Exit(1)
	}
	defer registry.Close()

	svc := tenant.NewService(registry, logger)

	// Recording audio lives in S3-compatible object storage.
	if cfg.S3Endpoint == "" || cfg.S3Bucket == "" {
		logger.Error("S3 storage is not configured")
		os.Exit(1)
	}
	blobs, err := media.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
	if err != nil {
		logger.Error("failed to initialize S3 client", "error", err)
		os.Exit(1)
	}

	loc := locator.New(blobs, cfg.StrictBlobMatch, logger)
	tr := transcode.NewFFmpeg(cfg.FFmpegPath, cfg.TranscodeTimeout, cfg.MaxConcurrentTranscodes, logger)
	builder := archive.New(blobs, loc, registry.Allowed, logger)

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisherFromEnv()
	defer pub.Close()

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(svc, blobs, loc, tr, builder, pub, nil, cfg.JWTIssuer, cfg.JWTAudience, cfg.CORSAllowedOrigins)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Minute, // bulk downloads can take a while
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "tenants", registry.Opcos())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited")
}
