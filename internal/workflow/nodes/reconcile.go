package nodes

import (
	"context"

	"github.com/fairyhunter13/shopwatch/internal/workflow"
)

// Reconcile feeds the finished audit log into the reconciliation stage and
// publishes its outcome into run state.
type Reconcile struct {
	workflow.NoRollback
}

// Validate passes; the audit path is a run-state product of the validate
// node, not node config.
func (n *Reconcile) Validate(map[string]any) workflow.ValidationResult {
	return workflow.Valid()
}

// Execute runs the stage over state's audit_path.
func (n *Reconcile) Execute(ctx context.Context, input map[string]any, nc *workflow.NodeContext) workflow.Result {
	path, _ := nc.State["audit_path"].(string)
	if path == "" {
		return workflow.Fail("missing_audit_path", "run state has no audit_path; product_validate must run first")
	}
	outcome, err := nc.Deps.Reconciler.Run(ctx, path, nc.Platform)
	if err != nil {
		return workflow.Fail("reconcile_failed", "reconcile %s: %v", path, err)
	}
	return workflow.OK(map[string]any{"reconcile": outcome})
}
