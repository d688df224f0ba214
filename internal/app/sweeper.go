package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// StuckJobSweeper marks running jobs older than the maximum age as failed
// and drops their leases. Crashed jobs are surfaced this way, never resumed:
// the next scheduled run covers the same catalog slice anyway.
type StuckJobSweeper struct {
	queue    domain.QueueStore
	maxAge   time.Duration
	interval time.Duration
}

// NewStuckJobSweeper builds a sweeper; nil queue yields a no-op sweeper.
func NewStuckJobSweeper(queue domain.QueueStore, maxAge, interval time.Duration) *StuckJobSweeper {
	if queue == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{queue: queue, maxAge: maxAge, interval: interval}
}

// Run sweeps once immediately, then on the interval until ctx ends.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	jobs, err := s.queue.ListRunning(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to list running jobs", slog.Any("error", err))
		return
	}

	cutoff := time.Now().UTC().Add(-s.maxAge)
	marked := 0
	for _, j := range jobs {
		startedAt := j.CreatedAt
		if j.StartedAt != nil {
			startedAt = *j.StartedAt
		}
		if !startedAt.Before(cutoff) {
			continue
		}
		now := time.Now().UTC()
		j.Status = domain.JobFailed
		j.CompletedAt = &now
		j.Error = &domain.JobError{
			Message:   fmt.Sprintf("job exceeded maximum running age %v; marked failed by sweeper", s.maxAge),
			NodeID:    j.CurrentNode,
			Timestamp: now,
		}
		if err := s.queue.Update(ctx, j); err != nil {
			slog.Error("stuck job sweep failed to update job",
				slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		if err := s.queue.Release(ctx, j.ID); err != nil {
			slog.Warn("stuck job sweep failed to release lease",
				slog.String("job_id", j.ID), slog.Any("error", err))
		}
		marked++
	}
	span.SetAttributes(
		attribute.Int("jobs.total_checked", len(jobs)),
		attribute.Int("jobs.total_marked_failed", marked),
	)
	if marked > 0 {
		slog.Warn("stuck jobs marked failed", slog.Int("count", marked))
	}
}
