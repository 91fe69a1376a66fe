// Package app assembles an orchestrator and its adapters from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/buildbox/internal/artifact"
	"github.com/dontdude/buildbox/internal/build"
	"github.com/dontdude/buildbox/internal/config"
	"github.com/dontdude/buildbox/internal/domain"
	"github.com/dontdude/buildbox/internal/platform/docker"
	"github.com/dontdude/buildbox/internal/platform/events"
	"github.com/dontdude/buildbox/internal/platform/process"
	"github.com/dontdude/buildbox/internal/platform/store"
	"github.com/dontdude/buildbox/internal/worker"
	"github.com/dontdude/buildbox/internal/workspace"
)

const (
	retentionInterval = time.Hour
	historyPruneLimit = 30 * time.Second
)

// App owns every long-lived component of a build process.
type App struct {
	Orchestrator *build.Orchestrator
	Pool         *worker.Pool
	// Subscriber feeds the WebSocket hub; it is the local bus when Redis is off.
	Subscriber domain.EventSubscriber
	// Redis is nil unless REDIS_ADDR is set.
	Redis *events.RedisBus
	// Jobs is nil unless JOB_DB_PATH is set.
	Jobs *store.SQLiteStore

	closers []func() error
}

// New connects every configured adapter. Unreachable backends are errors.
func New(cfg *config.Config) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	ws, err := workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	removed, err := ws.Sweep()
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		slog.Warn("Removed stale workspaces from a previous run", "count", removed, "root", ws.Root())
	}

	var runner domain.ToolchainRunner
	switch cfg.Executor {
	case config.ExecutorDocker:
		dc, err := docker.NewClient(docker.Limits{
			MemoryMB:  cfg.Docker.MemoryMB,
			NanoCPUs:  cfg.Docker.NanoCPUs,
			PidsLimit: cfg.Docker.PidsLimit,
			User:      cfg.Docker.User,
			Pull:      cfg.Docker.Pull,
		}, cfg.MaxOutputBytes)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, dc.Close)
		runner = dc
	default:
		runner = process.NewRunner(cfg.MaxOutputBytes)
	}

	opts := []build.Option{}
	if cfg.RedisAddr != "" {
		bus, err := events.NewRedisBus(cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, bus.Close)
		a.Redis, a.Subscriber = bus, bus
		opts = append(opts, build.WithEvents(bus))
	} else {
		bus := events.NewLocalBus()
		a.Subscriber = bus
		opts = append(opts, build.WithEvents(bus))
	}

	if cfg.JobDBPath != "" {
		jobs, err := store.Open(cfg.JobDBPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, jobs.Close)
		a.Jobs = jobs
		opts = append(opts, build.WithStore(jobs))
	}

	a.Pool = worker.NewPool(cfg.MaxConcurrentJobs, cfg.QueueWait)
	a.Orchestrator = build.New(
		cfg.Registry(),
		ws,
		runner,
		artifact.NewCollector(cfg.MaxArtifactBytes),
		a.Pool,
		build.Config{Timeout: cfg.JobTimeout(), MaxFiles: cfg.MaxFiles},
		opts...,
	)
	slog.Info("Build orchestrator ready",
		"executor", cfg.Executor,
		"toolchains", cfg.Registry().Keys(),
		"workspaceRoot", ws.Root(),
		"timeout", cfg.JobTimeout())
	ok = true
	return a, nil
}

// StartRetention trims event and job history in the background until ctx is done.
func (a *App) StartRetention(ctx context.Context, cfg *config.Config) {
	if a.Redis != nil && cfg.EventRetention > 0 {
		go a.Redis.StartRetentionRoutine(ctx, retentionInterval, cfg.EventRetention)
	}
	if a.Jobs != nil && cfg.JobRetention > 0 {
		go pruneJobs(ctx, a.Jobs, cfg.JobRetention)
	}
}

func pruneJobs(ctx context.Context, jobs *store.SQLiteStore, maxAge time.Duration) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, historyPruneLimit)
			n, err := jobs.Prune(pctx, time.Now().Add(-maxAge))
			cancel()
			if err != nil {
				slog.Error("Job history pruning failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Pruned old jobs", "count", n)
			}
		}
	}
}

// Shutdown refuses new builds and waits for in-flight ones until ctx is done.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.Pool.Stop(ctx); err != nil {
		return fmt.Errorf("builds still running at shutdown: %w", err)
	}
	return nil
}

// Close releases every adapter connection.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
