// Command server runs the control plane: the HTTP surface, the platform
// scheduler, the watcher and the stuck-job sweeper.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/fairyhunter13/shopwatch/internal/adapter/httpserver"
	"github.com/fairyhunter13/shopwatch/internal/adapter/observability"
	"github.com/fairyhunter13/shopwatch/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/shopwatch/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/shopwatch/internal/app"
	"github.com/fairyhunter13/shopwatch/internal/config"
	"github.com/fairyhunter13/shopwatch/internal/platform"
	"github.com/fairyhunter13/shopwatch/internal/scheduler"
	"github.com/fairyhunter13/shopwatch/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb, err := redisq.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	queue := redisq.New(rdb, cfg.JobLeaseTTL)
	state := redisq.NewStateStore(rdb)
	loader := workflow.NewLoader(cfg.WorkflowDir)

	platforms, err := platform.LoadFile(cfg.PlatformConfigPath)
	if err != nil {
		slog.Error("platform config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Fail fast when the validation workflow is broken; scheduled jobs would
	// all die on the worker otherwise.
	if _, err := loader.Load(cfg.ValidationWorkflowID); err != nil {
		slog.Error("validation workflow unavailable",
			slog.String("workflow_id", cfg.ValidationWorkflowID), slog.Any("error", err))
		os.Exit(1)
	}

	sched := scheduler.New(queue, state, platforms, cfg, logger)
	watcher := scheduler.NewWatcher(queue, state, cfg, logger)
	sweeper := app.NewStuckJobSweeper(queue, cfg.StuckJobMaxAge, cfg.StuckSweepInterval)
	go sched.Run(ctx)
	go watcher.Run(ctx)
	go sweeper.Run(ctx)

	srv := httpserver.NewServer(cfg, queue, state, loader)
	ready := app.NewReadiness(pool, queue)
	handler := app.BuildRouter(cfg, srv, ready)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
