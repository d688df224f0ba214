// Package worker runs the consumer fleet: one consumer per platform queue,
// one for the default queue manual runs land on, and one for the watcher's
// alert queue. Each consumer pops jobs, resolves their workflow definition
// and drives the engine.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/shopwatch/internal/adapter/observability"
	"github.com/fairyhunter13/shopwatch/internal/config"
	"github.com/fairyhunter13/shopwatch/internal/domain"
	"github.com/fairyhunter13/shopwatch/internal/scheduler"
	"github.com/fairyhunter13/shopwatch/internal/workflow"
)

// DefaultQueue is the catch-all queue for manual runs not bound to a
// storefront platform.
const DefaultQueue = "default"

// Fleet owns the consumer goroutines for every configured queue.
type Fleet struct {
	queue  domain.QueueStore
	state  domain.SchedulerStore
	loader *workflow.Loader
	engine *workflow.Engine
	cfg    config.Config
	logger *slog.Logger
}

// New wires a fleet.
func New(queue domain.QueueStore, state domain.SchedulerStore, loader *workflow.Loader, engine *workflow.Engine, cfg config.Config, logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fleet{queue: queue, state: state, loader: loader, engine: engine, cfg: cfg, logger: logger}
}

// Run starts one consumer per platform plus the default and alert consumers
// and a queue depth reporter, then blocks until every consumer drains after
// ctx ends.
func (f *Fleet) Run(ctx context.Context) {
	var wg sync.WaitGroup
	queues := append(append([]string{}, f.cfg.Platforms...), DefaultQueue, scheduler.AlertQueue)
	for _, q := range queues {
		wg.Add(1)
		go func(queueName string) {
			defer wg.Done()
			f.consume(ctx, queueName)
		}(q)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.reportDepths(ctx, queues)
	}()
	f.logger.Info("worker fleet started", slog.Int("consumers", len(queues)))
	wg.Wait()
	f.logger.Info("worker fleet stopped")
}

// consume is one queue's pop loop. Store outages back off; an empty pop just
// loops.
func (f *Fleet) consume(ctx context.Context, queueName string) {
	logger := f.logger.With(slog.String("queue", queueName))
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := f.queue.Dequeue(ctx, queueName, f.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, domain.ErrQueueUnavailable) {
				wait := bo.NextBackOff()
				logger.Error("dequeue failed, backing off",
					slog.Duration("wait", wait), slog.Any("error", err))
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
				continue
			}
			logger.Error("dequeue failed", slog.Any("error", err))
			continue
		}
		bo.Reset()
		if job == nil {
			continue
		}
		f.process(ctx, queueName, job)
	}
}

// process runs one job end to end: resolve the definition, keep the lease
// alive while the engine runs, finalize the shared state and drop the lease.
func (f *Fleet) process(ctx context.Context, queueName string, job *domain.Job) {
	logger := f.logger.With(
		slog.String("queue", queueName),
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID))
	logger.Info("job started")

	def, err := f.loader.Load(job.WorkflowID)
	if err != nil {
		f.failJob(ctx, job, err)
		observability.JobsProcessedTotal.WithLabelValues(queueName, string(domain.JobFailed)).Inc()
		logger.Error("workflow definition unavailable", slog.Any("error", err))
		return
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		f.keepLease(hbCtx, job.ID)
	}()

	execErr := f.engine.Execute(ctx, def, job)

	stopHB()
	hbDone.Wait()

	status := domain.JobCompleted
	if execErr != nil {
		status = domain.JobFailed
		logger.Error("job failed", slog.Any("error", execErr))
	} else {
		logger.Info("job completed")
	}
	// The same-platform cooldown counts from completion regardless of
	// outcome; a platform whose runs keep failing must not be re-admitted
	// every tick.
	if job.WorkflowID == f.cfg.ValidationWorkflowID {
		if err := f.state.MarkCompleted(ctx, job.Platform, time.Now().UTC()); err != nil {
			logger.Warn("mark completed failed", slog.Any("error", err))
		}
	}
	// Watcher intervals likewise measure from completion; re-stamp the task
	// cursor so a long-running check does not shrink its own period.
	if task, ok := job.Metadata["watcher_task"].(string); ok && task != "" {
		if err := f.state.SetTaskRunAt(ctx, task, time.Now().UTC()); err != nil {
			logger.Warn("watcher cursor stamp failed", slog.Any("error", err))
		}
	}
	observability.JobsProcessedTotal.WithLabelValues(queueName, string(status)).Inc()

	if err := f.queue.Release(ctx, job.ID); err != nil {
		logger.Warn("lease release failed", slog.Any("error", err))
	}
}

// keepLease re-arms the running lease until the job finishes.
func (f *Fleet) keepLease(ctx context.Context, jobID string) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.queue.Heartbeat(ctx, jobID, f.cfg.JobLeaseTTL); err != nil && ctx.Err() == nil {
				f.logger.Warn("lease heartbeat failed",
					slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
	}
}

func (f *Fleet) failJob(ctx context.Context, job *domain.Job, cause error) {
	now := time.Now().UTC()
	job.Status = domain.JobFailed
	job.CompletedAt = &now
	job.Error = &domain.JobError{Message: cause.Error(), Timestamp: now}
	if err := f.queue.Update(ctx, *job); err != nil {
		f.logger.Error("persist failed job",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	if err := f.queue.Release(ctx, job.ID); err != nil {
		f.logger.Warn("lease release failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// reportDepths refreshes the pending-depth gauges.
func (f *Fleet) reportDepths(ctx context.Context, queues []string) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				depth, err := f.queue.QueueDepth(ctx, q)
				if err != nil {
					continue
				}
				observability.QueueDepth.WithLabelValues(q).Set(float64(depth))
			}
		}
	}
}
