package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/shopwatch/internal/config"
	"github.com/fairyhunter13/shopwatch/internal/domain"
	"github.com/fairyhunter13/shopwatch/internal/workflow"
)

type fakeQueue struct {
	updated  []domain.Job
	released []string
}

func (f *fakeQueue) Enqueue(domain.Context, string, domain.Job) error { return nil }
func (f *fakeQueue) Dequeue(domain.Context, string, time.Duration) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeQueue) Get(domain.Context, string) (*domain.Job, error) { return nil, domain.ErrNotFound }
func (f *fakeQueue) Update(_ domain.Context, job domain.Job) error {
	f.updated = append(f.updated, job)
	return nil
}
func (f *fakeQueue) Heartbeat(domain.Context, string, time.Duration) error { return nil }
func (f *fakeQueue) Release(_ domain.Context, jobID string) error {
	f.released = append(f.released, jobID)
	return nil
}
func (f *fakeQueue) ListRunning(domain.Context) ([]domain.Job, error) { return nil, nil }
func (f *fakeQueue) QueueDepth(domain.Context, string) (int64, error) { return 0, nil }
func (f *fakeQueue) Clear(domain.Context, string) (int64, error)      { return 0, nil }
func (f *fakeQueue) Health(domain.Context) error                      { return nil }

type fakeState struct {
	completed map[string]time.Time
	taskRuns  map[string]time.Time
}

func newFakeState() *fakeState {
	return &fakeState{completed: map[string]time.Time{}, taskRuns: map[string]time.Time{}}
}

func (f *fakeState) Enabled(domain.Context, string) (bool, error)        { return true, nil }
func (f *fakeState) SetEnabled(domain.Context, string, bool) error       { return nil }
func (f *fakeState) LastEnqueueAt(domain.Context) (*time.Time, error)    { return nil, nil }
func (f *fakeState) SetLastEnqueueAt(domain.Context, time.Time) error    { return nil }
func (f *fakeState) PlatformState(domain.Context, string) (domain.PlatformState, error) {
	return domain.PlatformState{}, nil
}
func (f *fakeState) SetPlatformState(domain.Context, string, domain.PlatformState) error {
	return nil
}
func (f *fakeState) MarkCompleted(_ domain.Context, platform string, t time.Time) error {
	f.completed[platform] = t
	return nil
}
func (f *fakeState) Heartbeat(domain.Context, string, time.Time) error      { return nil }
func (f *fakeState) HeartbeatAt(domain.Context, string) (*time.Time, error) { return nil, nil }
func (f *fakeState) TaskRunAt(domain.Context, string) (*time.Time, error)   { return nil, nil }
func (f *fakeState) SetTaskRunAt(_ domain.Context, task string, t time.Time) error {
	f.taskRuns[task] = t
	return nil
}

type staticNode struct {
	workflow.NoRollback
	fail bool
}

func (n *staticNode) Validate(map[string]any) workflow.ValidationResult { return workflow.Valid() }
func (n *staticNode) Execute(context.Context, map[string]any, *workflow.NodeContext) workflow.Result {
	if n.fail {
		return workflow.Fail("forced", "forced failure")
	}
	return workflow.OK(nil)
}

func writeDefinition(t *testing.T, dir, id, nodeType string) {
	t.Helper()
	raw := fmt.Sprintf(`{
		"workflow_id": %q,
		"start_node": "a",
		"nodes": {"a": {"type": %q, "name": "A"}}
	}`, id, nodeType)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(raw), 0o644))
}

func testFleet(t *testing.T, dir string) (*Fleet, *fakeQueue, *fakeState) {
	t.Helper()
	queue := &fakeQueue{}
	state := newFakeState()
	reg := workflow.NewRegistry()
	reg.Register("ok", &staticNode{})
	reg.Register("boom", &staticNode{fail: true})
	engine := workflow.NewEngine(queue, reg, &workflow.Deps{}, nil)
	cfg := config.Config{
		ValidationWorkflowID: "product_validation",
		HeartbeatInterval:    time.Minute,
		JobLeaseTTL:          time.Minute,
	}
	return New(queue, state, workflow.NewLoader(dir), engine, cfg, nil), queue, state
}

func TestProcessMarksPlatformCompletedOnFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeDefinition(t, dir, "product_validation", "boom")
	fleet, queue, state := testFleet(t, dir)

	job := &domain.Job{
		ID:         "J1",
		WorkflowID: "product_validation",
		Platform:   "alpha",
		Status:     domain.JobPending,
	}
	fleet.process(context.Background(), "alpha", job)

	// The cooldown clock starts at completion whatever the outcome; a
	// failed run must not leave the platform eternally admissible.
	_, ok := state.completed["alpha"]
	assert.True(t, ok, "failed run must still mark the platform completed")
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, []string{"J1"}, queue.released)
}

func TestProcessMarksPlatformCompletedOnSuccess(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeDefinition(t, dir, "product_validation", "ok")
	fleet, _, state := testFleet(t, dir)

	job := &domain.Job{ID: "J2", WorkflowID: "product_validation", Platform: "beta"}
	fleet.process(context.Background(), "beta", job)

	_, ok := state.completed["beta"]
	assert.True(t, ok)
	assert.Equal(t, domain.JobCompleted, job.Status)
}

func TestProcessRestampsWatcherCursorAfterRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeDefinition(t, dir, "banner_check", "ok")
	fleet, _, state := testFleet(t, dir)

	enqueuedAt := time.Now().UTC().Add(-5 * time.Minute)
	job := &domain.Job{
		ID:         "J3",
		WorkflowID: "banner_check",
		Platform:   "alert",
		CreatedAt:  enqueuedAt,
		Metadata:   map[string]any{"scheduled": true, "watcher_task": "banner_check"},
	}
	fleet.process(context.Background(), "alert", job)

	// The interval measures from completion, not from enqueue.
	stamped, ok := state.taskRuns["banner_check"]
	require.True(t, ok, "watcher cursor must be re-stamped when the run finishes")
	assert.True(t, stamped.After(enqueuedAt))
	assert.Empty(t, state.completed, "alert runs never touch the platform cooldown")
}

func TestProcessUnknownWorkflowFailsJob(t *testing.T) {
	t.Parallel()
	fleet, queue, state := testFleet(t, t.TempDir())

	job := &domain.Job{ID: "J4", WorkflowID: "ghost", Platform: "alpha"}
	fleet.process(context.Background(), "alpha", job)

	require.NotEmpty(t, queue.updated)
	last := queue.updated[len(queue.updated)-1]
	assert.Equal(t, domain.JobFailed, last.Status)
	assert.Equal(t, []string{"J4"}, queue.released)
	assert.Empty(t, state.completed, "a job that never ran does not move the cooldown")
}
