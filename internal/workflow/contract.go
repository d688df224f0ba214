package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fairyhunter13/shopwatch/internal/domain"
	"github.com/fairyhunter13/shopwatch/internal/platform"
)

// ValidationResult is the outcome of a node's pre-flight input check.
type ValidationResult struct {
	OK      bool
	Message string
}

// Valid is the zero-friction passing validation result.
func Valid() ValidationResult { return ValidationResult{OK: true} }

// Invalid builds a failing validation result with a reason.
func Invalid(format string, args ...any) ValidationResult {
	return ValidationResult{OK: false, Message: fmt.Sprintf(format, args...)}
}

// ResultError is the structured failure payload of a node execution.
type ResultError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Result is what a node returns from Execute. Data is shallow-merged into
// the accumulated run state. A non-nil NextNodes overrides the static edges
// of the definition for this run (runtime branching); an empty non-nil slice
// means "stop here".
type Result struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	NextNodes []string       `json:"next_nodes,omitempty"`
	Error     *ResultError   `json:"error,omitempty"`
}

// OK builds a successful result carrying data.
func OK(data map[string]any) Result { return Result{Success: true, Data: data} }

// Fail builds a failed result with a coded error.
func Fail(code, format string, args ...any) Result {
	return Result{Success: false, Error: &ResultError{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Reconciler stages catalog corrections from a finished audit log. The
// concrete implementation lives outside this package; nodes reach it through
// this narrow port.
type Reconciler interface {
	Run(ctx context.Context, auditPath, platformTag string) (map[string]any, error)
}

// Deps bundles the external collaborators nodes may use. Wiring happens once
// in main; nodes take only what they need.
type Deps struct {
	Queue      domain.QueueStore
	Sched      domain.SchedulerStore
	Products   domain.ProductRepository
	History    domain.HistoryRepository
	Notifier   domain.Notifier
	Fetchers   *platform.Registry
	Platforms  *platform.File
	Reconciler Reconciler
	HTTPClient *http.Client

	AuditRoot string
	Location  *time.Location
}

// NodeContext carries the per-execution identity and environment of a node:
// which job and node are running, the merged node config, the accumulated
// run state (read-only by convention) and the shared dependencies.
type NodeContext struct {
	JobID      string
	WorkflowID string
	NodeID     string
	Platform   string
	Config     map[string]any
	State      map[string]any
	Logger     *slog.Logger
	Deps       *Deps
}

// PlatformConfig resolves the platform descriptor for the running job, or
// nil when the job has no platform or it is unknown.
func (nc *NodeContext) PlatformConfig() *platform.Config {
	if nc.Deps == nil || nc.Deps.Platforms == nil || nc.Platform == "" {
		return nil
	}
	return nc.Deps.Platforms.Platform(nc.Platform)
}

// ConfigString reads a string key out of the merged node config.
func (nc *NodeContext) ConfigString(key string) string {
	if v, ok := nc.Config[key].(string); ok {
		return v
	}
	return ""
}

// ConfigInt reads an integer key out of the merged node config, tolerating
// the float64 shape JSON decoding produces.
func (nc *NodeContext) ConfigInt(key string, def int) int {
	switch v := nc.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// ConfigBool reads a boolean key out of the merged node config.
func (nc *NodeContext) ConfigBool(key string) bool {
	v, _ := nc.Config[key].(bool)
	return v
}

// Node is the uniform execution contract every node type implements.
// Validate runs once before the first attempt and is never retried.
// Execute may be retried per the definition's policy. Rollback is invoked
// best-effort when a later node fails after this node succeeded.
type Node interface {
	Validate(input map[string]any) ValidationResult
	Execute(ctx context.Context, input map[string]any, nc *NodeContext) Result
	Rollback(ctx context.Context, input map[string]any, nc *NodeContext)
}

// NoRollback can be embedded by nodes with nothing to undo.
type NoRollback struct{}

// Rollback is a no-op.
func (NoRollback) Rollback(context.Context, map[string]any, *NodeContext) {}

// Registry maps node type tags to implementations. Registration happens at
// wiring time; resolution at execution time.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

// NewRegistry returns an empty node registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]Node)}
}

// Register binds a node type tag to an implementation, replacing any
// previous binding.
func (r *Registry) Register(tag string, n Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[tag] = n
}

// Resolve returns the implementation for a tag.
func (r *Registry) Resolve(tag string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[tag]
	if !ok {
		return nil, fmt.Errorf("op=registry.resolve type=%s: %w", tag, domain.ErrUnknownNodeType)
	}
	return n, nil
}

// Tags lists the registered node type tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.nodes))
	for t := range r.nodes {
		tags = append(tags, t)
	}
	return tags
}

// Contract is a typed node implementation: input and output are concrete
// structs instead of raw maps. Typed nodes opt out of runtime branch
// overrides; the definition's static edges apply.
type Contract[I, O any] interface {
	Validate(input I) ValidationResult
	Execute(ctx context.Context, input I, nc *NodeContext) (O, *ResultError)
}

type typedNode[I, O any] struct {
	NoRollback
	impl Contract[I, O]
}

// Typed adapts a Contract implementation to the map-based Node interface,
// round-tripping input and output through JSON.
func Typed[I, O any](impl Contract[I, O]) Node {
	return &typedNode[I, O]{impl: impl}
}

func (t *typedNode[I, O]) Validate(input map[string]any) ValidationResult {
	in, err := decodeAs[I](input)
	if err != nil {
		return Invalid("decode input: %v", err)
	}
	return t.impl.Validate(in)
}

func (t *typedNode[I, O]) Execute(ctx context.Context, input map[string]any, nc *NodeContext) Result {
	in, err := decodeAs[I](input)
	if err != nil {
		return Fail("decode_input", "decode input: %v", err)
	}
	out, rerr := t.impl.Execute(ctx, in, nc)
	if rerr != nil {
		return Result{Success: false, Error: rerr}
	}
	data, err := encodeToMap(out)
	if err != nil {
		return Fail("encode_output", "encode output: %v", err)
	}
	return OK(data)
}

func decodeAs[T any](m map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(m)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func encodeToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
