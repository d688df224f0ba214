package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/fairyhunter13/shopwatch/internal/workflow"
)

// Notify renders the run state into a human-readable summary and hands it to
// the configured notifier. Delivery failures are logged, never fatal: a
// finished run must not flip to failed because a webhook was down.
//
// Config keys: subject (required), only_on_failure (skip delivery when the
// run state's "ok" flag is true).
type Notify struct {
	workflow.NoRollback
}

// Validate requires a subject line.
func (n *Notify) Validate(input map[string]any) workflow.ValidationResult {
	if s, _ := input["subject"].(string); s == "" {
		return workflow.Invalid("subject is required")
	}
	return workflow.Valid()
}

// Execute formats and sends the summary.
func (n *Notify) Execute(ctx context.Context, input map[string]any, nc *workflow.NodeContext) workflow.Result {
	if nc.ConfigBool("only_on_failure") {
		if ok, present := nc.State["ok"].(bool); present && ok {
			return workflow.OK(map[string]any{"notified": false})
		}
	}

	subject := nc.ConfigString("subject")
	body := renderState(nc)
	if err := nc.Deps.Notifier.Notify(ctx, subject, body); err != nil {
		nc.Logger.Warn("notification delivery failed",
			slog.String("subject", subject), slog.Any("error", err))
		return workflow.OK(map[string]any{"notified": false})
	}
	return workflow.OK(map[string]any{"notified": true})
}

// renderState flattens the run state into "key: value" lines, top-level keys
// sorted, nested maps one level deep. The huge product slice is elided down
// to its count.
func renderState(nc *workflow.NodeContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "job: %s\nworkflow: %s\nplatform: %s\n", nc.JobID, nc.WorkflowID, nc.Platform)

	keys := make([]string, 0, len(nc.State))
	for k := range nc.State {
		if k == "products" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := nc.State[k].(type) {
		case map[string]any:
			fmt.Fprintf(&b, "%s:\n", k)
			sub := make([]string, 0, len(v))
			for sk := range v {
				sub = append(sub, sk)
			}
			sort.Strings(sub)
			for _, sk := range sub {
				fmt.Fprintf(&b, "  %s: %v\n", sk, v[sk])
			}
		default:
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
	}
	return b.String()
}
