// Package scheduler emits validation jobs on a rolling cadence and runs the
// periodic watcher checks. All control state lives in the shared store so a
// restarted scheduler resumes where the last one stopped.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/shopwatch/internal/adapter/observability"
	"github.com/fairyhunter13/shopwatch/internal/config"
	"github.com/fairyhunter13/shopwatch/internal/domain"
	"github.com/fairyhunter13/shopwatch/internal/platform"
)

// ScopeScheduler and ScopeWatcher name the control-flag scopes in the shared
// store.
const (
	ScopeScheduler = "scheduler"
	ScopeWatcher   = "watcher"
)

// Scheduler walks the platform ring and enqueues one validation job at a
// time, honoring the per-platform cooldown, the global inter-platform
// spacing and the on/off sale-state ratio.
type Scheduler struct {
	queue     domain.QueueStore
	state     domain.SchedulerStore
	platforms *platform.File
	cfg       config.Config
	logger    *slog.Logger

	ring int
}

// New wires a scheduler. platforms supplies the per-platform link URL
// pattern emitted with every job.
func New(queue domain.QueueStore, state domain.SchedulerStore, platforms *platform.File, cfg config.Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{queue: queue, state: state, platforms: platforms, cfg: cfg, logger: logger}
}

// Run ticks until the context ends. Store outages back off exponentially
// instead of hot-looping against a dead Redis.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SchedulerTick)
	defer ticker.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	s.logger.Info("scheduler started",
		slog.Any("platforms", s.cfg.Platforms),
		slog.Duration("tick", s.cfg.SchedulerTick))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-heartbeat.C:
			if err := s.state.Heartbeat(ctx, ScopeScheduler, time.Now().UTC()); err != nil {
				s.logger.Warn("scheduler heartbeat failed", slog.Any("error", err))
			}
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				if errors.Is(err, domain.ErrQueueUnavailable) {
					wait := bo.NextBackOff()
					s.logger.Error("scheduler tick failed, backing off",
						slog.Duration("wait", wait), slog.Any("error", err))
					select {
					case <-time.After(wait):
					case <-ctx.Done():
						return
					}
					continue
				}
				s.logger.Error("scheduler tick failed", slog.Any("error", err))
			}
			bo.Reset()
		}
	}
}

// tick emits at most one job: the first platform on the ring that passes
// admission. Disabled schedulers idle without touching the ring.
func (s *Scheduler) tick(ctx context.Context) error {
	enabled, err := s.state.Enabled(ctx, ScopeScheduler)
	if err != nil {
		return err
	}
	if !enabled || len(s.cfg.Platforms) == 0 {
		return nil
	}

	// Global spacing gates every platform at once; check it before the ring.
	last, err := s.state.LastEnqueueAt(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if last != nil && now.Sub(*last) < s.cfg.InterPlatformDelay {
		return nil
	}

	for i := 0; i < len(s.cfg.Platforms); i++ {
		platform := s.cfg.Platforms[(s.ring+i)%len(s.cfg.Platforms)]
		ok, err := s.admit(ctx, platform, now)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.emit(ctx, platform, now); err != nil {
			return err
		}
		s.ring = (s.ring + i + 1) % len(s.cfg.Platforms)
		return nil
	}
	return nil
}

// admit applies the per-platform gates: no pending backlog and the
// same-platform cooldown since the last completed run.
func (s *Scheduler) admit(ctx context.Context, platform string, now time.Time) (bool, error) {
	depth, err := s.queue.QueueDepth(ctx, platform)
	if err != nil {
		return false, err
	}
	if depth > 0 {
		return false, nil
	}
	st, err := s.state.PlatformState(ctx, platform)
	if err != nil {
		return false, err
	}
	if st.LastCompletedAt != nil && now.Sub(*st.LastCompletedAt) < s.cfg.SamePlatformCooldown {
		return false, nil
	}
	return true, nil
}

// emit picks the sale state from the R-ratio counter, enqueues the job and
// advances the shared state. The counter runs R on_sale emissions, then one
// off_sale, then resets.
func (s *Scheduler) emit(ctx context.Context, platform string, now time.Time) error {
	st, err := s.state.PlatformState(ctx, platform)
	if err != nil {
		return err
	}

	saleState := domain.SaleStateOn
	if st.OnSaleCounter >= s.cfg.SaleStateRatio {
		saleState = domain.SaleStateOff
		st.OnSaleCounter = 0
	} else {
		st.OnSaleCounter++
	}

	// url_pattern is always present, even when empty, so the load node's
	// placeholder resolves on every scheduled run.
	urlPattern := ""
	if s.platforms != nil {
		if pc := s.platforms.Platform(platform); pc != nil {
			urlPattern = pc.LinkURLPattern
		}
	}

	job := domain.Job{
		ID:         domain.NewJobID(),
		WorkflowID: s.cfg.ValidationWorkflowID,
		Platform:   platform,
		Priority:   s.cfg.ScheduledJobPriority,
		Status:     domain.JobPending,
		Params: map[string]any{
			"sale_state":  saleState,
			"limit":       s.cfg.ValidationBatchLimit,
			"url_pattern": urlPattern,
		},
		CreatedAt: now,
		Metadata:  map[string]any{"scheduled": true},
	}
	if err := s.queue.Enqueue(ctx, platform, job); err != nil {
		return err
	}
	if err := s.state.SetPlatformState(ctx, platform, st); err != nil {
		return err
	}
	if err := s.state.SetLastEnqueueAt(ctx, now); err != nil {
		return err
	}

	observability.SchedulerEmissionsTotal.WithLabelValues(platform, saleState).Inc()
	s.logger.Info("validation job scheduled",
		slog.String("job_id", job.ID),
		slog.String("platform", platform),
		slog.String("sale_state", saleState),
		slog.Int("on_sale_counter", st.OnSaleCounter))
	return nil
}
