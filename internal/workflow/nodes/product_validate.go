package nodes

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/shopwatch/internal/audit"
	"github.com/fairyhunter13/shopwatch/internal/domain"
	"github.com/fairyhunter13/shopwatch/internal/workflow"
)

// ProductValidate fetches the live snapshot for every loaded product,
// compares it field by field against the source of record, and streams one
// audit record per item. The node owns the audit writer's whole lifecycle:
// header on entry, footer on success, no footer when the node dies mid-run.
type ProductValidate struct {
	workflow.NoRollback
}

// Validate requires nothing beyond a platform on the job; the product list
// comes from run state.
func (n *ProductValidate) Validate(map[string]any) workflow.ValidationResult {
	return workflow.Valid()
}

// Execute walks the candidates. Per item: not-found upstream makes a
// not_found record, a fetch error makes a failed record, otherwise compare
// and record the verdict. Item-level failures never fail the node; only an
// unwritable audit log does.
func (n *ProductValidate) Execute(ctx context.Context, input map[string]any, nc *workflow.NodeContext) workflow.Result {
	products, ok := productsFromState(nc.State)
	if !ok {
		return workflow.Fail("missing_products", "run state has no products; product_load must run first")
	}
	fetcher := nc.Deps.Fetchers.Fetcher(nc.Platform)
	if fetcher == nil {
		return workflow.Fail("no_fetcher", "no fetcher configured for platform %q", nc.Platform)
	}

	w := audit.NewWriter(nc.Deps.AuditRoot, nc.Platform, nc.JobID, nc.WorkflowID, nc.Deps.Location)
	if err := w.Initialize(); err != nil {
		return workflow.Fail("audit_init", "initialize audit log: %v", err)
	}

	for _, p := range products {
		if err := ctx.Err(); err != nil {
			w.Cleanup()
			return workflow.Fail("cancelled", "validation cancelled: %v", err)
		}
		rec := n.validateOne(ctx, fetcher.Fetch, p)
		if err := w.Append(rec); err != nil {
			w.Cleanup()
			return workflow.Fail("audit_append", "append audit record: %v", err)
		}
		if err := nc.Deps.Products.MarkValidated(ctx, p.SetID, p.ProductID, rec.ValidatedAt); err != nil {
			nc.Logger.Warn("mark validated failed",
				slog.String("product_id", p.ProductID), slog.Any("error", err))
		}
	}

	summary := w.Summary()
	if err := w.Finalize(); err != nil {
		return workflow.Fail("audit_finalize", "finalize audit log: %v", err)
	}
	nc.Logger.Info("validation pass finished",
		slog.Int("total", summary.Total),
		slog.Int("success", summary.Success),
		slog.Int("failed", summary.Failed),
		slog.Int("not_found", summary.NotFound),
		slog.Float64("match_rate", summary.MatchRate))

	return workflow.OK(map[string]any{
		"audit_path": w.Path(),
		"total":      summary.Total,
		"success":    summary.Success,
		"failed":     summary.Failed,
		"not_found":  summary.NotFound,
		"match_rate": summary.MatchRate,
	})
}

type fetchFunc func(ctx context.Context, url string) (*domain.ProductFields, error)

func (n *ProductValidate) validateOne(ctx context.Context, fetch fetchFunc, p domain.Product) domain.AuditRecord {
	rec := domain.AuditRecord{
		ProductSetID: p.SetID,
		ProductID:    p.ProductID,
		Platform:     p.Platform,
		URL:          p.LinkURL,
		DB:           p.Fields(),
		ValidatedAt:  time.Now().UTC(),
	}
	fields, err := fetch(ctx, p.LinkURL)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		rec.Status = domain.AuditNotFound
	case err != nil:
		rec.Status = domain.AuditFailed
	default:
		cmp := domain.Compare(rec.DB, *fields)
		rec.Fetch = fields
		rec.Comparison = &cmp
		rec.Match = cmp.All()
		rec.Status = domain.AuditSuccess
	}
	return rec
}
