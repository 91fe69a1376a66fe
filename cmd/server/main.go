package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/buildbox/internal/app"
	"github.com/dontdude/buildbox/internal/config"
	"github.com/dontdude/buildbox/internal/platform/web"
)

func main() {
	// 1. Load configuration and initialize logger
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Wire the orchestrator and its adapters
	a, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()
	a.StartRetention(ctx, cfg)

	// 3. Start event broadcaster (Background goroutine)
	hub := web.NewHub()
	go func() {
		if err := hub.Run(ctx, a.Subscriber); err != nil {
			slog.Error("Event broadcaster stopped", "error", err)
		}
	}()

	// 4. Setup router
	deps := web.Deps{
		Builder:        a.Orchestrator,
		Gate:           a.Pool,
		Toolchains:     cfg.Registry().Keys(),
		MaxUploadBytes: cfg.MaxUploadBytes,
		Limiter:        web.NewRateLimiter(ctx, cfg.RateLimit, cfg.RateBurst),
		Hub:            hub,
	}
	if a.Jobs != nil {
		deps.Jobs = a.Jobs
	}
	if a.Redis != nil {
		deps.Events = a.Redis
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           web.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Serve until SIGINT/SIGTERM, then let in-flight builds finish
	if err := web.Serve(ctx, srv, cfg.ShutdownGrace); err != nil {
		slog.Error("Server failed", "error", err)
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := a.Shutdown(drainCtx); err != nil {
		slog.Error("Shutdown incomplete", "error", err)
	}
	slog.Info("Server stopped")
}
