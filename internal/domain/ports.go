package domain

import "time"

// QueueStore is the contract over the external ordered-list + key-value
// store that backs the per-platform job queues.
//
// Enqueue is a priority-ordered push; Dequeue is a blocking pop that
// simultaneously leases the job into the running set. Update rewrites the
// full job record and emits no events. Failures surface wrapped in
// ErrQueueUnavailable; reads are idempotent and safe to retry.
type QueueStore interface {
	Enqueue(ctx Context, platform string, job Job) error
	// Dequeue returns (nil, nil) when the wait elapses with no job.
	Dequeue(ctx Context, platform string, timeout time.Duration) (*Job, error)
	Get(ctx Context, jobID string) (*Job, error)
	Update(ctx Context, job Job) error
	// Heartbeat extends the lease of a running job.
	Heartbeat(ctx Context, jobID string, ttl time.Duration) error
	// Release drops the running lease after the job is finalized.
	Release(ctx Context, jobID string) error
	ListRunning(ctx Context) ([]Job, error)
	QueueDepth(ctx Context, platform string) (int64, error)
	// Clear removes all pending jobs for a platform and returns the count.
	Clear(ctx Context, platform string) (int64, error)
	Health(ctx Context) error
}

// SchedulerStore holds the shared scheduler/watcher control state: the
// per-platform counters, the global spacing timestamp, the enabled flags and
// the liveness heartbeats. Only the scheduler mutates the on-sale counter;
// only the completion hook touches last_completed_at.
type SchedulerStore interface {
	Enabled(ctx Context, scope string) (bool, error)
	SetEnabled(ctx Context, scope string, enabled bool) error
	LastEnqueueAt(ctx Context) (*time.Time, error)
	SetLastEnqueueAt(ctx Context, t time.Time) error
	PlatformState(ctx Context, platform string) (PlatformState, error)
	SetPlatformState(ctx Context, platform string, st PlatformState) error
	// MarkCompleted stamps last_completed_at for a platform. Invoked by the
	// worker after a validation workflow finishes.
	MarkCompleted(ctx Context, platform string, t time.Time) error
	Heartbeat(ctx Context, scope string, t time.Time) error
	HeartbeatAt(ctx Context, scope string) (*time.Time, error)
	// TaskRunAt reads/writes watcher task cursors.
	TaskRunAt(ctx Context, task string) (*time.Time, error)
	SetTaskRunAt(ctx Context, task string, t time.Time) error
}

// ProductRepository is the port over the source of record.
type ProductRepository interface {
	ListForValidation(ctx Context, platform, saleState, urlPattern string, limit int) ([]Product, error)
	Get(ctx Context, setID, productID string) (Product, error)
	// Apply writes a sparse update; Fields keys are the Field* constants.
	Apply(ctx Context, upd ProductUpdate) error
	// MarkValidated stamps last_validated_at so the rolling schedule moves on.
	MarkValidated(ctx Context, setID, productID string, t time.Time) error
}

// HistoryRepository records reconciliation review and price history.
type HistoryRepository interface {
	AddReview(ctx Context, e ReviewEntry) error
	AddPrice(ctx Context, e PriceEntry) error
}

// Notifier delivers the human-readable run summary. Implementations are
// external collaborators; failures must never fail the workflow.
type Notifier interface {
	Notify(ctx Context, subject, body string) error
}
