// Command worker runs the consumer fleet: it pops jobs from the platform
// queues and executes their workflows against the live storefronts.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/shopwatch/internal/adapter/notify"
	"github.com/fairyhunter13/shopwatch/internal/adapter/observability"
	"github.com/fairyhunter13/shopwatch/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/shopwatch/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/shopwatch/internal/browser"
	"github.com/fairyhunter13/shopwatch/internal/config"
	"github.com/fairyhunter13/shopwatch/internal/domain"
	"github.com/fairyhunter13/shopwatch/internal/platform"
	"github.com/fairyhunter13/shopwatch/internal/reconcile"
	"github.com/fairyhunter13/shopwatch/internal/worker"
	"github.com/fairyhunter13/shopwatch/internal/workflow"
	"github.com/fairyhunter13/shopwatch/internal/workflow/nodes"
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

	platforms, err := platform.LoadFile(cfg.PlatformConfigPath)
	if err != nil {
		slog.Error("platform config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	queue := redisq.New(rdb, cfg.JobLeaseTTL)
	state := redisq.NewStateStore(rdb)
	products := postgres.NewProductRepo(pool)
	history := postgres.NewHistoryRepo(pool)

	browserPool := browser.NewPool(browser.NewHTTPEngine(""), browser.Config{
		Size:                   cfg.BrowserPoolSize,
		PageRotation:           cfg.BrowserPageRotation,
		ContextRotation:        cfg.BrowserContextRotation,
		MaxConsecutiveFailures: cfg.BrowserMaxFailures,
	})
	defer browserPool.Cleanup(context.Background())

	fetchers := platform.NewRegistry(platforms, browserPool)

	var notifier domain.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhook(cfg.NotifyWebhookURL, logger)
	} else {
		notifier = notify.NewLog(logger)
	}

	verifyEvery := 10
	if cfg.ReconcileVerifySample > 0 {
		verifyEvery = int(1 / cfg.ReconcileVerifySample)
	}
	stage := reconcile.NewStage(products, history, platforms, reconcile.Options{
		BatchSize:   cfg.ReconcileBatchSize,
		BatchDelay:  cfg.ReconcileBatchDelay,
		VerifyEvery: verifyEvery,
	}, logger)

	deps := &workflow.Deps{
		Queue:      queue,
		Sched:      state,
		Products:   products,
		History:    history,
		Notifier:   notifier,
		Fetchers:   fetchers,
		Platforms:  platforms,
		Reconciler: reconcileAdapter{stage},
		AuditRoot:  cfg.AuditOutputRoot,
		Location:   cfg.Location(),
	}

	registry := workflow.NewRegistry()
	nodes.RegisterAll(registry)

	loader := workflow.NewLoader(cfg.WorkflowDir)
	engine := workflow.NewEngine(queue, registry, deps, logger)
	fleet := worker.New(queue, state, loader, engine, cfg, logger)

	slog.Info("worker starting", slog.Any("platforms", cfg.Platforms))
	fleet.Run(ctx)
	slog.Info("worker stopped")
}

// reconcileAdapter exposes the stage through the workflow port.
type reconcileAdapter struct{ stage *reconcile.Stage }

func (a reconcileAdapter) Run(ctx context.Context, auditPath, platformTag string) (map[string]any, error) {
	out, err := a.stage.Run(ctx, auditPath, platformTag)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"scanned":  out.Scanned,
		"eligible": out.Eligible,
		"applied":  out.Applied,
		"skipped":  out.Skipped,
		"errors":   out.Errors,
	}, nil
}
