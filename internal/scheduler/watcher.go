package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/shopwatch/internal/config"
	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// AlertQueue is the platform tag the watcher's alert workflows run on; it is
// consumed by a dedicated worker so storefront traffic never starves checks.
const AlertQueue = "alert"

// Watcher fires the configured alert workflows on their intervals. Task
// cursors live in the shared store, so a restart never double-fires a task
// inside its window.
type Watcher struct {
	queue  domain.QueueStore
	state  domain.SchedulerStore
	cfg    config.Config
	tasks  []config.WatcherTask
	logger *slog.Logger
}

// NewWatcher wires a watcher over the configured tasks.
func NewWatcher(queue domain.QueueStore, state domain.SchedulerStore, cfg config.Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{queue: queue, state: state, cfg: cfg, tasks: cfg.WatcherTasks(), logger: logger}
}

// Run ticks until the context ends.
func (w *Watcher) Run(ctx context.Context) {
	if len(w.tasks) == 0 {
		w.logger.Info("watcher has no tasks configured, idling")
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(w.cfg.SchedulerTick)
	defer ticker.Stop()
	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	w.logger.Info("watcher started", slog.Int("tasks", len(w.tasks)))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return
		case <-heartbeat.C:
			if err := w.state.Heartbeat(ctx, ScopeWatcher, time.Now().UTC()); err != nil {
				w.logger.Warn("watcher heartbeat failed", slog.Any("error", err))
			}
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.logger.Error("watcher tick failed", slog.Any("error", err))
			}
		}
	}
}

func (w *Watcher) tick(ctx context.Context) error {
	enabled, err := w.state.Enabled(ctx, ScopeWatcher)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	now := time.Now().UTC()
	for _, task := range w.tasks {
		lastRun, err := w.state.TaskRunAt(ctx, task.WorkflowID)
		if err != nil {
			return err
		}
		if lastRun != nil && now.Sub(*lastRun) < task.Interval {
			continue
		}
		job := domain.Job{
			ID:         domain.NewJobID(),
			WorkflowID: task.WorkflowID,
			Platform:   AlertQueue,
			Priority:   w.cfg.ScheduledJobPriority,
			Status:     domain.JobPending,
			CreatedAt:  now,
			Metadata:   map[string]any{"scheduled": true, "watcher_task": task.WorkflowID},
		}
		if err := w.queue.Enqueue(ctx, AlertQueue, job); err != nil {
			return err
		}
		if err := w.state.SetTaskRunAt(ctx, task.WorkflowID, now); err != nil {
			return err
		}
		w.logger.Info("watcher task fired",
			slog.String("job_id", job.ID),
			slog.String("workflow_id", task.WorkflowID),
			slog.Duration("interval", task.Interval))
	}
	return nil
}
