// Package redisq implements the job queue and scheduler state contracts on
// Redis. Pending jobs live in one sorted set per platform ordered by
// priority then id; job records are JSON values with a retention TTL;
// running jobs hold a lease key that expires if the worker dies.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/shopwatch/internal/domain"
)

const (
	queueKeyPrefix   = "queue:"
	jobKeyPrefix     = "job:"
	runningKeyPrefix = "running:"

	// jobRetention keeps finalized job records readable from the HTTP
	// surface without growing Redis unbounded.
	jobRetention = 24 * time.Hour
)

// Store implements domain.QueueStore over a Redis client.
type Store struct {
	rdb      *redis.Client
	leaseTTL time.Duration
}

// New builds a Store. leaseTTL bounds how long a crashed worker can hold a
// running job before the lease key expires.
func New(rdb *redis.Client, leaseTTL time.Duration) *Store {
	if leaseTTL <= 0 {
		leaseTTL = 15 * time.Minute
	}
	return &Store{rdb: rdb, leaseTTL: leaseTTL}
}

func queueKey(platform string) string { return queueKeyPrefix + platform }
func jobKey(id string) string         { return jobKeyPrefix + id }
func runningKey(id string) string     { return runningKeyPrefix + id }

// leaseScript copies the job record into the running key with the lease TTL
// in one round trip. Returns the record, or false when it expired while
// queued.
var leaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return false
end
redis.call('SET', KEYS[2], raw, 'PX', ARGV[1])
return raw
`)

// Enqueue stores the job record and pushes its id onto the platform queue.
// The sorted-set score is the negated priority so higher priorities pop
// first; ties resolve by member order, and time-sortable ids make that
// creation order.
func (s *Store) Enqueue(ctx domain.Context, platform string, job domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=queue.Enqueue marshal: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), raw, jobRetention)
	pipe.ZAdd(ctx, queueKey(platform), redis.Z{Score: -float64(job.Priority), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.Enqueue: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job and leases it into the
// running set. Returns (nil, nil) when the wait elapses empty.
func (s *Store) Dequeue(ctx domain.Context, platform string, timeout time.Duration) (*domain.Job, error) {
	res, err := s.rdb.BZPopMin(ctx, timeout, queueKey(platform)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=queue.Dequeue: %w: %w", domain.ErrQueueUnavailable, err)
	}
	jobID, _ := res.Member.(string)
	raw, err := leaseScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), runningKey(jobID)}, s.leaseTTL.Milliseconds()).Text()
	if err == redis.Nil {
		// Record expired while queued; nothing to lease.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=queue.Dequeue lease: %w: %w", domain.ErrQueueUnavailable, err)
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("op=queue.Dequeue unmarshal job=%s: %w", jobID, err)
	}
	return &job, nil
}

// Get loads a job record by id, preferring the leased copy.
func (s *Store) Get(ctx domain.Context, jobID string) (*domain.Job, error) {
	raw, err := s.rdb.Get(ctx, runningKey(jobID)).Bytes()
	if err == redis.Nil {
		raw, err = s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	}
	if err == redis.Nil {
		return nil, fmt.Errorf("op=queue.Get job=%s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=queue.Get: %w: %w", domain.ErrQueueUnavailable, err)
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("op=queue.Get unmarshal: %w", err)
	}
	return &job, nil
}

// Update rewrites the full job record. The leased copy, when present, is
// refreshed without disturbing its TTL.
func (s *Store) Update(ctx domain.Context, job domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=queue.Update marshal: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), raw, jobRetention)
	pipe.SetArgs(ctx, runningKey(job.ID), raw, redis.SetArgs{Mode: "XX", KeepTTL: true})
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("op=queue.Update: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Heartbeat extends the running lease.
func (s *Store) Heartbeat(ctx domain.Context, jobID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.leaseTTL
	}
	if err := s.rdb.PExpire(ctx, runningKey(jobID), ttl).Err(); err != nil {
		return fmt.Errorf("op=queue.Heartbeat: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Release drops the running lease after finalization.
func (s *Store) Release(ctx domain.Context, jobID string) error {
	if err := s.rdb.Del(ctx, runningKey(jobID)).Err(); err != nil {
		return fmt.Errorf("op=queue.Release: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// ListRunning scans the lease keys and returns the leased job records.
func (s *Store) ListRunning(ctx domain.Context) ([]domain.Job, error) {
	var jobs []domain.Job
	iter := s.rdb.Scan(ctx, 0, runningKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var job domain.Job
		if err := json.Unmarshal(raw, &job); err == nil {
			jobs = append(jobs, job)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.ListRunning: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return jobs, nil
}

// QueueDepth returns the number of pending jobs on a platform queue.
func (s *Store) QueueDepth(ctx domain.Context, platform string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, queueKey(platform)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.QueueDepth: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return n, nil
}

// Clear removes all pending jobs for a platform and returns the count.
// Running jobs are untouched.
func (s *Store) Clear(ctx domain.Context, platform string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, queueKey(platform)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.Clear: %w: %w", domain.ErrQueueUnavailable, err)
	}
	if err := s.rdb.Del(ctx, queueKey(platform)).Err(); err != nil {
		return 0, fmt.Errorf("op=queue.Clear del: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return n, nil
}

// Health pings the store.
func (s *Store) Health(ctx domain.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=queue.Health: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return nil
}

var _ domain.QueueStore = (*Store)(nil)

// --- Scheduler / watcher shared state ---

// Shared-state TTLs. Crashes must not leak stale cooldown holds forever.
const (
	lastEnqueueTTL   = time.Hour
	platformStateTTL = 24 * time.Hour
)

// StateStore implements domain.SchedulerStore on the same Redis keyspace.
// Key layout follows the control-surface contract: scheduler:last_enqueue_at,
// scheduler:state:{platform}, {scope}:enabled, {scope}:heartbeat_at,
// watcher:task:{name}.
type StateStore struct {
	rdb *redis.Client
}

// NewStateStore wraps a Redis client.
func NewStateStore(rdb *redis.Client) *StateStore { return &StateStore{rdb: rdb} }

// Enabled reads the control flag for a scope ("scheduler" or "watcher").
// A missing key means disabled.
func (s *StateStore) Enabled(ctx domain.Context, scope string) (bool, error) {
	v, err := s.rdb.Get(ctx, scope+":enabled").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=state.Enabled: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return v == "1" || v == "true", nil
}

// SetEnabled flips the control flag for a scope.
func (s *StateStore) SetEnabled(ctx domain.Context, scope string, enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	if err := s.rdb.Set(ctx, scope+":enabled", v, 0).Err(); err != nil {
		return fmt.Errorf("op=state.SetEnabled: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// LastEnqueueAt reads the global inter-platform spacing timestamp.
func (s *StateStore) LastEnqueueAt(ctx domain.Context) (*time.Time, error) {
	v, err := s.rdb.Get(ctx, "scheduler:last_enqueue_at").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=state.LastEnqueueAt: %w: %w", domain.ErrQueueUnavailable, err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("op=state.LastEnqueueAt parse: %w", err)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

// SetLastEnqueueAt stamps the global spacing timestamp with its TTL.
func (s *StateStore) SetLastEnqueueAt(ctx domain.Context, t time.Time) error {
	if err := s.rdb.Set(ctx, "scheduler:last_enqueue_at", strconv.FormatInt(t.UnixMilli(), 10), lastEnqueueTTL).Err(); err != nil {
		return fmt.Errorf("op=state.SetLastEnqueueAt: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return nil
}

func platformStateKey(platform string) string { return "scheduler:state:" + platform }

// PlatformState loads one platform's counter and completion stamp. A
// missing key yields the zero state.
func (s *StateStore) PlatformState(ctx domain.Context, platform string) (domain.PlatformState, error) {
	raw, err := s.rdb.Get(ctx, platformStateKey(platform)).Bytes()
	if err == redis.Nil {
		return domain.PlatformState{}, nil
	}
	if err != nil {
		return domain.PlatformState{}, fmt.Errorf("op=state.PlatformState: %w: %w", domain.ErrQueueUnavailable, err)
	}
	var st domain.PlatformState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.PlatformState{}, fmt.Errorf("op=state.PlatformState unmarshal: %w", err)
	}
	return st, nil
}

// SetPlatformState rewrites one platform's state with its TTL. Read-modify-
// write is acceptable here: only the scheduler increments the counter and
// only the completion hook touches last_completed_at.
func (s *StateStore) SetPlatformState(ctx domain.Context, platform string, st domain.PlatformState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=state.SetPlatformState marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, platformStateKey(platform), raw, platformStateTTL).Err(); err != nil {
		return fmt.Errorf("op=state.SetPlatformState: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// MarkCompleted stamps last_completed_at for a platform, preserving the
// counter.
func (s *StateStore) MarkCompleted(ctx domain.Context, platform string, t time.Time) error {
	st, err := s.PlatformState(ctx, platform)
	if err != nil {
		return err
	}
	st.LastCompletedAt = &t
	return s.SetPlatformState(ctx, platform, st)
}

// Heartbeat writes the liveness stamp for a scope.
func (s *StateStore) Heartbeat(ctx domain.Context, scope string, t time.Time) error {
	if err := s.rdb.Set(ctx, scope+":heartbeat_at", strconv.FormatInt(t.UnixMilli(), 10), 0).Err(); err != nil {
		return fmt.Errorf("op=state.Heartbeat: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// HeartbeatAt reads the liveness stamp for a scope.
func (s *StateStore) HeartbeatAt(ctx domain.Context, scope string) (*time.Time, error) {
	v, err := s.rdb.Get(ctx, scope+":heartbeat_at").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=state.HeartbeatAt: %w: %w", domain.ErrQueueUnavailable, err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("op=state.HeartbeatAt parse: %w", err)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

// TaskRunAt reads a watcher task cursor.
func (s *StateStore) TaskRunAt(ctx domain.Context, task string) (*time.Time, error) {
	v, err := s.rdb.Get(ctx, "watcher:task:"+task).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=state.TaskRunAt: %w: %w", domain.ErrQueueUnavailable, err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("op=state.TaskRunAt parse: %w", err)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

// SetTaskRunAt writes a watcher task cursor.
func (s *StateStore) SetTaskRunAt(ctx domain.Context, task string, t time.Time) error {
	if err := s.rdb.Set(ctx, "watcher:task:"+task, strconv.FormatInt(t.UnixMilli(), 10), platformStateTTL).Err(); err != nil {
		return fmt.Errorf("op=state.SetTaskRunAt: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return nil
}

var _ domain.SchedulerStore = (*StateStore)(nil)

// NewClient builds a go-redis client and verifies connectivity.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("op=redisq.NewClient: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return rdb, nil
}
