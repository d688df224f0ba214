package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/shopwatch/internal/config"
	"github.com/fairyhunter13/shopwatch/internal/domain"
	"github.com/fairyhunter13/shopwatch/internal/scheduler"
	"github.com/fairyhunter13/shopwatch/internal/worker"
	"github.com/fairyhunter13/shopwatch/internal/workflow"
)

// Server carries the handler dependencies.
type Server struct {
	Cfg    config.Config
	Queue  domain.QueueStore
	State  domain.SchedulerStore
	Loader *workflow.Loader
}

// NewServer builds the handler set.
func NewServer(cfg config.Config, queue domain.QueueStore, state domain.SchedulerStore, loader *workflow.Loader) *Server {
	return &Server{Cfg: cfg, Queue: queue, State: state, Loader: loader}
}

type executeRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Platform   string         `json:"platform"`
	Priority   int            `json:"priority"`
	Params     map[string]any `json:"params"`
}

// ExecuteWorkflow accepts a manual run request, validates it against the
// definition and the platform list, and enqueues a pending job. The response
// is 202: execution is always asynchronous.
func (s *Server) ExecuteWorkflow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("decode body: %w: %w", domain.ErrInvalidArgument, err), nil)
			return
		}
		if req.WorkflowID == "" {
			writeError(w, r, fmt.Errorf("workflow_id is required: %w", domain.ErrInvalidArgument), nil)
			return
		}
		if req.Platform == "" {
			writeError(w, r, fmt.Errorf("platform is required: %w", domain.ErrInvalidArgument), nil)
			return
		}
		if !s.knownQueue(req.Platform) {
			writeError(w, r, fmt.Errorf("unknown platform %q: %w", req.Platform, domain.ErrInvalidArgument), nil)
			return
		}
		if _, err := s.Loader.Load(req.WorkflowID); err != nil {
			writeError(w, r, err, nil)
			return
		}

		job := domain.Job{
			ID:         domain.NewJobID(),
			WorkflowID: req.WorkflowID,
			Platform:   req.Platform,
			Priority:   req.Priority,
			Status:     domain.JobPending,
			Params:     req.Params,
			CreatedAt:  time.Now().UTC(),
			Metadata:   map[string]any{"scheduled": false},
		}
		if err := s.Queue.Enqueue(r.Context(), req.Platform, job); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("workflow enqueued",
			slog.String("job_id", job.ID),
			slog.String("workflow_id", req.WorkflowID),
			slog.String("platform", req.Platform))
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// GetJob returns the current job record, pending, running or finalized.
func (s *Server) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		job, err := s.Queue.Get(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// ListWorkflows returns the loadable workflow ids.
func (s *Server) ListWorkflows() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := s.Loader.List()
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflows": ids})
	}
}

// ReloadWorkflow drops a definition's cache entry and re-validates the file.
func (s *Server) ReloadWorkflow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		def, err := s.Loader.Reload(id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"workflow_id": def.WorkflowID,
			"version":     def.Version,
			"nodes":       len(def.Nodes),
		})
	}
}

// SetScope flips the enabled flag for a control scope. Stopping the
// scheduler optionally drains the pending queues via ?clear_queue=true;
// running jobs always finish.
func (s *Server) SetScope(scope string, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.State.SetEnabled(r.Context(), scope, enabled); err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := map[string]any{"scope": scope, "enabled": enabled}
		if !enabled && scope == scheduler.ScopeScheduler && r.URL.Query().Get("clear_queue") == "true" {
			cleared := make(map[string]int64, len(s.Cfg.Platforms))
			var total int64
			for _, p := range s.Cfg.Platforms {
				n, err := s.Queue.Clear(r.Context(), p)
				if err != nil {
					writeError(w, r, err, nil)
					return
				}
				cleared[p] = n
				total += n
			}
			resp["cleared"] = cleared
			resp["cleared_total"] = total
		}
		LoggerFrom(r).Info("scope flag changed",
			slog.String("scope", scope), slog.Bool("enabled", enabled))
		writeJSON(w, http.StatusOK, resp)
	}
}

// SchedulerStatus reports the control flags, liveness stamps, spacing
// timestamp and per-platform state with queue depths.
func (s *Server) SchedulerStatus() http.HandlerFunc {
	type platformStatus struct {
		OnSaleCounter   int        `json:"on_sale_counter"`
		LastCompletedAt *time.Time `json:"last_completed_at"`
		QueueDepth      int64      `json:"queue_depth"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := map[string]any{}
		for _, scope := range []string{scheduler.ScopeScheduler, scheduler.ScopeWatcher} {
			enabled, err := s.State.Enabled(ctx, scope)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			hb, err := s.State.HeartbeatAt(ctx, scope)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			resp[scope] = map[string]any{"enabled": enabled, "heartbeat_at": hb}
		}
		last, err := s.State.LastEnqueueAt(ctx)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp["last_enqueue_at"] = last

		platforms := make(map[string]platformStatus, len(s.Cfg.Platforms))
		for _, p := range s.Cfg.Platforms {
			st, err := s.State.PlatformState(ctx, p)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			depth, err := s.Queue.QueueDepth(ctx, p)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			platforms[p] = platformStatus{
				OnSaleCounter:   st.OnSaleCounter,
				LastCompletedAt: st.LastCompletedAt,
				QueueDepth:      depth,
			}
		}
		resp["platforms"] = platforms

		running, err := s.Queue.ListRunning(ctx)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ids := make([]string, 0, len(running))
		for _, j := range running {
			ids = append(ids, j.ID)
		}
		resp["running_jobs"] = ids
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) knownQueue(platform string) bool {
	if platform == scheduler.AlertQueue || platform == worker.DefaultQueue {
		return true
	}
	for _, p := range s.Cfg.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}
