package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/shopwatch/internal/adapter/observability"
	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// Engine walks a workflow definition as a breadth-first DAG traversal,
// executing one node at a time. Run state is a flat map that node outputs
// shallow-merge into; the job record in the queue store is rewritten after
// every node so progress is observable mid-run.
type Engine struct {
	store    domain.QueueStore
	registry *Registry
	deps     *Deps
	logger   *slog.Logger
}

// NewEngine builds an engine over a queue store, a node registry and the
// shared node dependencies.
func NewEngine(store domain.QueueStore, registry *Registry, deps *Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, registry: registry, deps: deps, logger: logger}
}

type executedNode struct {
	id     string
	node   Node
	config map[string]any
}

// Execute runs one job against a definition until the ready queue drains or
// a node fails terminally. The passed job is mutated in place and persisted;
// the returned error is the terminal node failure, if any.
func (e *Engine) Execute(ctx context.Context, def *Definition, job *domain.Job) error {
	tracer := otel.Tracer("workflow.engine")
	ctx, span := tracer.Start(ctx, "engine.Execute")
	defer span.End()

	now := time.Now().UTC()
	job.Status = domain.JobRunning
	job.StartedAt = &now
	job.CurrentNode = def.StartNode
	if err := e.store.Update(ctx, *job); err != nil {
		return fmt.Errorf("op=engine.execute persist start: %w", err)
	}

	logger := e.logger.With(
		slog.String("job_id", job.ID),
		slog.String("workflow_id", def.WorkflowID),
		slog.String("platform", job.Platform))

	// Every node sees the run's start time under job_metadata.
	state := map[string]any{
		"job_metadata": map[string]any{"started_at": now},
	}
	ready := []string{def.StartNode}
	queued := map[string]bool{def.StartNode: true}
	executed := map[string]bool{}
	var trail []executedNode

	for len(ready) > 0 {
		if err := ctx.Err(); err != nil {
			return e.failJob(ctx, job, job.CurrentNode, fmt.Errorf("run cancelled: %w", err))
		}

		nodeID := ready[0]
		ready = ready[1:]
		if executed[nodeID] {
			continue
		}
		nodeDef := def.Nodes[nodeID]

		job.CurrentNode = nodeID
		if err := e.store.Update(ctx, *job); err != nil {
			logger.Warn("persist current node failed", slog.Any("error", err))
		}
		// Re-arm the running lease so long multi-node runs are not swept.
		if err := e.store.Heartbeat(ctx, job.ID, 0); err != nil {
			logger.Warn("lease heartbeat failed", slog.Any("error", err))
		}

		impl, err := e.registry.Resolve(nodeDef.Type)
		if err != nil {
			return e.failJob(ctx, job, nodeID, err)
		}

		cfg := mergeConfig(def.Defaults, nodeDef.Config, job.Params)
		nc := &NodeContext{
			JobID:      job.ID,
			WorkflowID: def.WorkflowID,
			NodeID:     nodeID,
			Platform:   job.Platform,
			Config:     cfg,
			State:      state,
			Logger:     logger.With(slog.String("node_id", nodeID)),
			Deps:       e.deps,
		}

		if v := impl.Validate(cfg); !v.OK {
			err := fmt.Errorf("node %s: %w: %s", nodeID, domain.ErrValidationFailed, v.Message)
			e.rollback(ctx, trail, nc)
			return e.failJob(ctx, job, nodeID, err)
		}

		result, err := e.runWithRetry(ctx, impl, nodeDef, cfg, nc)
		if err != nil {
			e.rollback(ctx, trail, nc)
			return e.failJob(ctx, job, nodeID, err)
		}

		for k, v := range result.Data {
			state[k] = v
		}
		executed[nodeID] = true
		trail = append(trail, executedNode{id: nodeID, node: impl, config: cfg})

		successors := nodeDef.NextNodes
		if result.NextNodes != nil {
			successors = result.NextNodes
		}
		for _, next := range successors {
			if _, ok := def.Nodes[next]; !ok {
				err := fmt.Errorf("node %s: %w: runtime successor %q not in definition",
					nodeID, domain.ErrDefinitionInvalid, next)
				return e.failJob(ctx, job, nodeID, err)
			}
			if !executed[next] && !queued[next] {
				ready = append(ready, next)
				queued[next] = true
			}
		}

		job.Progress = float64(len(executed)) / float64(len(def.Nodes))
		if len(ready) > 0 {
			job.CurrentNode = ready[0]
		} else {
			job.CurrentNode = ""
		}
		if err := e.store.Update(ctx, *job); err != nil {
			logger.Warn("persist progress failed", slog.Any("error", err))
		}
	}

	done := time.Now().UTC()
	job.Status = domain.JobCompleted
	job.Progress = 1.0
	job.Result = state
	job.CompletedAt = &done
	job.CurrentNode = ""
	if err := e.store.Update(ctx, *job); err != nil {
		return fmt.Errorf("op=engine.execute persist completion: %w", err)
	}
	logger.Info("workflow completed",
		slog.Int("nodes_executed", len(executed)),
		slog.Duration("elapsed", done.Sub(now)))
	return nil
}

// runWithRetry executes one node under its retry policy. Attempt n sleeps
// backoff_ms * n before retrying. Panics inside the node surface as node
// execution errors instead of killing the worker.
func (e *Engine) runWithRetry(ctx context.Context, impl Node, nodeDef NodeDef, cfg map[string]any, nc *NodeContext) (Result, error) {
	attempts := nodeDef.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(nodeDef.Retry.BackoffMS) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		result, err := e.runOnce(ctx, impl, nodeDef, cfg, nc)
		observability.NodeDuration.WithLabelValues(nc.WorkflowID, nodeDef.Type).
			Observe(time.Since(start).Seconds())
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			break
		}
		if attempt < attempts {
			observability.NodeRetriesTotal.WithLabelValues(nc.WorkflowID, nodeDef.Type).Inc()
			nc.Logger.Warn("node attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", attempts),
				slog.Any("error", err))
			select {
			case <-time.After(backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return Result{}, fmt.Errorf("node %s: %w", nc.NodeID, ctx.Err())
			}
		}
	}
	return Result{}, fmt.Errorf("node %s exhausted %d attempts: %w: %w",
		nc.NodeID, attempts, domain.ErrNodeExecution, lastErr)
}

func (e *Engine) runOnce(ctx context.Context, impl Node, nodeDef NodeDef, cfg map[string]any, nc *NodeContext) (result Result, err error) {
	if nodeDef.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(nodeDef.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	result = impl.Execute(ctx, cfg, nc)
	if !result.Success {
		if result.Error != nil {
			return Result{}, fmt.Errorf("%s: %s", result.Error.Code, result.Error.Message)
		}
		return Result{}, errors.New("node reported failure without error detail")
	}
	if derr := ctx.Err(); derr != nil && errors.Is(derr, context.DeadlineExceeded) {
		return Result{}, fmt.Errorf("%w after %dms", domain.ErrTimeout, nodeDef.TimeoutMS)
	}
	return result, nil
}

// rollback unwinds successfully executed nodes in reverse order. Rollback is
// best-effort; failures are logged and swallowed.
func (e *Engine) rollback(ctx context.Context, trail []executedNode, nc *NodeContext) {
	for i := len(trail) - 1; i >= 0; i-- {
		step := trail[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					nc.Logger.Warn("rollback panicked",
						slog.String("node_id", step.id), slog.Any("panic", r))
				}
			}()
			step.node.Rollback(ctx, step.config, nc)
		}()
	}
}

func (e *Engine) failJob(ctx context.Context, job *domain.Job, nodeID string, cause error) error {
	now := time.Now().UTC()
	job.Status = domain.JobFailed
	job.CompletedAt = &now
	job.Error = &domain.JobError{
		Message:   cause.Error(),
		NodeID:    nodeID,
		Timestamp: now,
	}
	if err := e.store.Update(ctx, *job); err != nil {
		e.logger.Error("persist failed job",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	return cause
}

// mergeConfig layers definition defaults under node config, then substitutes
// ${name} placeholders in string values from the job params. A placeholder
// that is the entire string is replaced by the raw param value, preserving
// its type; embedded placeholders interpolate textually.
func mergeConfig(defaults, nodeCfg, params map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(nodeCfg))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range nodeCfg {
		out[k] = v
	}
	for k, v := range out {
		s, ok := v.(string)
		if !ok || !strings.Contains(s, "${") {
			continue
		}
		if name, whole := wholePlaceholder(s); whole {
			if pv, found := params[name]; found {
				out[k] = pv
			}
			continue
		}
		out[k] = substitute(s, params)
	}
	return out
}

func wholePlaceholder(s string) (string, bool) {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		inner := s[2 : len(s)-1]
		if !strings.Contains(inner, "${") && !strings.Contains(inner, "}") {
			return inner, true
		}
	}
	return "", false
}

func substitute(s string, params map[string]any) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.Index(s[i:], "}")
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+j]
		if pv, ok := params[name]; ok {
			b.WriteString(fmt.Sprint(pv))
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
}
