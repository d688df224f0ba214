package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/shopwatch/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/shopwatch/internal/config"
	"github.com/fairyhunter13/shopwatch/internal/domain"
	"github.com/fairyhunter13/shopwatch/internal/scheduler"
	"github.com/fairyhunter13/shopwatch/internal/worker"
	"github.com/fairyhunter13/shopwatch/internal/workflow"
)

const probeDef = `{
  "workflow_id": "%ID%",
  "start_node": "check",
  "nodes": {"check": {"type": "probe", "name": "Check", "config": {"url": "https://a.test"}}}
}`

func newTestServer(t *testing.T) (*Server, *redisq.Store, *redisq.StateStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dir := t.TempDir()
	def := bytes.ReplaceAll([]byte(probeDef), []byte("%ID%"), []byte("banner_check"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "banner_check.json"), def, 0o644))

	queue := redisq.New(rdb, 15*time.Minute)
	state := redisq.NewStateStore(rdb)
	cfg := config.Config{Platforms: []string{"alpha", "beta"}}
	return NewServer(cfg, queue, state, workflow.NewLoader(dir)), queue, state
}

func mountTestRoutes(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/workflows/execute", s.ExecuteWorkflow())
	r.Get("/v1/workflows", s.ListWorkflows())
	r.Post("/v1/workflows/{id}/reload", s.ReloadWorkflow())
	r.Get("/v1/workflows/jobs/{id}", s.GetJob())
	r.Post("/v1/scheduler/start", s.SetScope(scheduler.ScopeScheduler, true))
	r.Post("/v1/scheduler/stop", s.SetScope(scheduler.ScopeScheduler, false))
	r.Get("/v1/scheduler/status", s.SchedulerStatus())
	return r
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestExecuteWorkflowAccepted(t *testing.T) {
	t.Parallel()
	srv, queue, _ := newTestServer(t)
	h := mountTestRoutes(srv)

	rec, out := doJSON(t, h, http.MethodPost, "/v1/workflows/execute", map[string]any{
		"workflow_id": "banner_check",
		"platform":    "alpha",
		"priority":    7,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID, _ := out["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, string(domain.JobPending), out["status"])

	job, err := queue.Get(t.Context(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "banner_check", job.WorkflowID)
	assert.Equal(t, 7, job.Priority)
}

func TestExecuteWorkflowRejectsBadRequests(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	h := mountTestRoutes(srv)

	cases := []struct {
		name string
		body map[string]any
		code int
	}{
		{"missing workflow", map[string]any{"platform": "alpha"}, http.StatusBadRequest},
		{"missing platform", map[string]any{"workflow_id": "banner_check"}, http.StatusBadRequest},
		{"unknown platform", map[string]any{"workflow_id": "banner_check", "platform": "ghost"}, http.StatusBadRequest},
		{"unknown workflow", map[string]any{"workflow_id": "nope", "platform": "alpha"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, out := doJSON(t, h, http.MethodPost, "/v1/workflows/execute", tc.body)
			assert.Equal(t, tc.code, rec.Code)
			assert.Contains(t, out, "error")
		})
	}
}

func TestExecuteWorkflowBuiltinQueues(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	h := mountTestRoutes(srv)

	for _, queue := range []string{scheduler.AlertQueue, worker.DefaultQueue} {
		rec, _ := doJSON(t, h, http.MethodPost, "/v1/workflows/execute", map[string]any{
			"workflow_id": "banner_check",
			"platform":    queue,
		})
		assert.Equal(t, http.StatusAccepted, rec.Code, queue)
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	h := mountTestRoutes(srv)

	rec, out := doJSON(t, h, http.MethodGet, "/v1/workflows/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, out, "error")
}

func TestListWorkflows(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	h := mountTestRoutes(srv)

	rec, out := doJSON(t, h, http.MethodGet, "/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"banner_check"}, out["workflows"])
}

func TestReloadWorkflow(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	h := mountTestRoutes(srv)

	rec, out := doJSON(t, h, http.MethodPost, "/v1/workflows/banner_check/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "banner_check", out["workflow_id"])

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/workflows/ghost/reload", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulerStartStop(t *testing.T) {
	t.Parallel()
	srv, _, state := newTestServer(t)
	h := mountTestRoutes(srv)

	rec, out := doJSON(t, h, http.MethodPost, "/v1/scheduler/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["enabled"])

	enabled, err := state.Enabled(t.Context(), scheduler.ScopeScheduler)
	require.NoError(t, err)
	assert.True(t, enabled)

	rec, out = doJSON(t, h, http.MethodPost, "/v1/scheduler/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["enabled"])
}

func TestSchedulerStopClearsQueues(t *testing.T) {
	t.Parallel()
	srv, queue, _ := newTestServer(t)
	h := mountTestRoutes(srv)

	ctx := t.Context()
	for _, platform := range []string{"alpha", "alpha", "beta"} {
		job := domain.Job{ID: domain.NewJobID(), WorkflowID: "banner_check",
			Platform: platform, Status: domain.JobPending, CreatedAt: time.Now().UTC()}
		require.NoError(t, queue.Enqueue(ctx, platform, job))
	}

	rec, out := doJSON(t, h, http.MethodPost, "/v1/scheduler/stop?clear_queue=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), out["cleared_total"])

	depth, err := queue.QueueDepth(ctx, "alpha")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSchedulerStatus(t *testing.T) {
	t.Parallel()
	srv, queue, state := newTestServer(t)
	h := mountTestRoutes(srv)

	ctx := t.Context()
	require.NoError(t, state.SetEnabled(ctx, scheduler.ScopeScheduler, true))
	require.NoError(t, state.SetPlatformState(ctx, "alpha", domain.PlatformState{OnSaleCounter: 2}))
	job := domain.Job{ID: domain.NewJobID(), WorkflowID: "banner_check",
		Platform: "beta", Status: domain.JobPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, queue.Enqueue(ctx, "beta", job))

	rec, out := doJSON(t, h, http.MethodGet, "/v1/scheduler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sched, ok := out[scheduler.ScopeScheduler].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, sched["enabled"])

	platforms, ok := out["platforms"].(map[string]any)
	require.True(t, ok)
	alpha := platforms["alpha"].(map[string]any)
	assert.Equal(t, float64(2), alpha["on_sale_counter"])
	beta := platforms["beta"].(map[string]any)
	assert.Equal(t, float64(1), beta["queue_depth"])

	assert.Equal(t, []any{}, out["running_jobs"])
}
