// Package workflow holds the JSON workflow definitions, the node contract
// and registry, and the DAG execution engine.
package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// RetryPolicy controls per-node retry behavior. Backoff grows linearly:
// attempt n waits BackoffMS * n.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
	BackoffMS   int `json:"backoff_ms"`
}

// NodeDef is one node of a workflow definition.
type NodeDef struct {
	Type      string         `json:"type" validate:"required"`
	Name      string         `json:"name" validate:"required"`
	Config    map[string]any `json:"config"`
	NextNodes []string       `json:"next_nodes"`
	Retry     RetryPolicy    `json:"retry"`
	TimeoutMS int            `json:"timeout_ms,omitempty"`
}

// Definition is an immutable, versioned workflow DAG loaded from JSON.
// Nodes reference each other by id only; there are no in-memory pointers.
type Definition struct {
	WorkflowID string             `json:"workflow_id" validate:"required"`
	Name       string             `json:"name"`
	Version    string             `json:"version"`
	StartNode  string             `json:"start_node" validate:"required"`
	Nodes      map[string]NodeDef `json:"nodes" validate:"required,min=1,dive"`
	Defaults   map[string]any     `json:"defaults,omitempty"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}

// Loader parses and caches workflow definitions from a directory of
// {workflow_id}.json files.
type Loader struct {
	dir      string
	validate *validator.Validate

	mu    sync.RWMutex
	cache map[string]*Definition
}

// NewLoader builds a loader over the given directory.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:      dir,
		validate: validator.New(),
		cache:    make(map[string]*Definition),
	}
}

// Load returns the cached definition for an id, reading and validating the
// file on first use.
func (l *Loader) Load(id string) (*Definition, error) {
	l.mu.RLock()
	if def, ok := l.cache[id]; ok {
		l.mu.RUnlock()
		return def, nil
	}
	l.mu.RUnlock()

	def, err := l.loadFile(id)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cache[id] = def
	l.mu.Unlock()
	return def, nil
}

// Reload drops the cache entry and loads the file again.
func (l *Loader) Reload(id string) (*Definition, error) {
	l.mu.Lock()
	delete(l.cache, id)
	l.mu.Unlock()
	return l.Load(id)
}

// List returns the loadable workflow ids (file names, sorted).
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("op=workflow.List dir=%s: %w", l.dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *Loader) loadFile(id string) (*Definition, error) {
	path := filepath.Join(l.dir, id+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=workflow.load id=%s: %w", id, domain.ErrDefinitionNotFound)
		}
		return nil, fmt.Errorf("op=workflow.load id=%s: %w", id, err)
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("op=workflow.load id=%s invalid json: %w: %w", id, domain.ErrDefinitionInvalid, err)
	}
	if err := l.validate.Struct(def); err != nil {
		return nil, fmt.Errorf("op=workflow.load id=%s schema: %w: %w", id, domain.ErrDefinitionInvalid, err)
	}
	if err := validateStructure(&def); err != nil {
		return nil, fmt.Errorf("op=workflow.load id=%s: %w", id, err)
	}
	return &def, nil
}

// validateStructure enforces the graph invariants: the start node exists,
// every next_nodes reference resolves, and every node is reachable from the
// start. Cycles are warned but allowed; loops must terminate through node
// logic.
func validateStructure(def *Definition) error {
	if _, ok := def.Nodes[def.StartNode]; !ok {
		return fmt.Errorf("%w: start_node %q not in nodes", domain.ErrDefinitionInvalid, def.StartNode)
	}
	for id, node := range def.Nodes {
		for _, next := range node.NextNodes {
			if _, ok := def.Nodes[next]; !ok {
				return fmt.Errorf("%w: node %q references unknown next node %q", domain.ErrDefinitionInvalid, id, next)
			}
		}
	}

	reachable := make(map[string]bool, len(def.Nodes))
	var cyclic bool
	var dfs func(id string, path map[string]bool)
	dfs = func(id string, path map[string]bool) {
		if path[id] {
			cyclic = true
			return
		}
		if reachable[id] {
			return
		}
		reachable[id] = true
		path[id] = true
		for _, next := range def.Nodes[id].NextNodes {
			dfs(next, path)
		}
		delete(path, id)
	}
	dfs(def.StartNode, make(map[string]bool))

	if len(reachable) != len(def.Nodes) {
		var orphans []string
		for id := range def.Nodes {
			if !reachable[id] {
				orphans = append(orphans, id)
			}
		}
		sort.Strings(orphans)
		return fmt.Errorf("%w: unreachable nodes %v", domain.ErrDefinitionInvalid, orphans)
	}
	if cyclic {
		slog.Warn("workflow definition contains a cycle",
			slog.String("workflow_id", def.WorkflowID))
	}
	return nil
}
