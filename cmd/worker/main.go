package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/buildbox/internal/app"
	"github.com/dontdude/buildbox/internal/config"
	"github.com/dontdude/buildbox/internal/platform/natsrpc"
)

func main() {
	// 1. Load configuration and initialize logger
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger())
	slog.Info("Starting buildbox worker...")

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

	// 3. Connect to NATS
	hostname, _ := os.Hostname()
	nc, err := natsrpc.Connect(cfg.NatsURL, "buildbox-worker-"+hostname)
	if err != nil {
		slog.Error("Failed to connect to NATS", "url", cfg.NatsURL, "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	// 4. Answer build requests until SIGINT/SIGTERM
	if err := natsrpc.NewHandler(a.Orchestrator).Serve(ctx, nc, cfg.NatsSubject, cfg.NatsQueue); err != nil {
		slog.Error("Worker failed", "error", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := a.Shutdown(drainCtx); err != nil {
		slog.Error("Shutdown incomplete", "error", err)
	}
	if err := nc.FlushTimeout(5 * time.Second); err != nil {
		slog.Warn("Failed to flush NATS connection", "error", err)
	}
	slog.Info("Worker stopped")
}
