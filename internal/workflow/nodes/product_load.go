// Package nodes holds the built-in node types the workflow registry ships
// with: catalog loading, live validation, reconciliation, notification and
// endpoint probing.
package nodes

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/shopwatch/internal/domain"
	"github.com/fairyhunter13/shopwatch/internal/workflow"
)

// Node type tags.
const (
	TypeProductLoad     = "product_load"
	TypeProductValidate = "product_validate"
	TypeReconcile       = "reconcile"
	TypeNotify          = "notify"
	TypeProbe           = "probe"
)

// RegisterAll installs every built-in node type into the registry.
func RegisterAll(r *workflow.Registry) {
	r.Register(TypeProductLoad, &ProductLoad{})
	r.Register(TypeProductValidate, &ProductValidate{})
	r.Register(TypeReconcile, &Reconcile{})
	r.Register(TypeNotify, &Notify{})
	r.Register(TypeProbe, workflow.Typed[ProbeInput, ProbeOutput](&Probe{}))
}

// ProductLoad pulls the validation candidates out of the source of record.
// Config keys: sale_state (required, "on_sale"/"off_sale"), url_pattern
// (optional link-URL prefix filter), limit (batch size).
type ProductLoad struct {
	workflow.NoRollback
}

// Validate checks the sale_state selector.
func (n *ProductLoad) Validate(input map[string]any) workflow.ValidationResult {
	switch input["sale_state"] {
	case domain.SaleStateOn, domain.SaleStateOff:
		return workflow.Valid()
	case nil, "":
		return workflow.Invalid("sale_state is required")
	default:
		return workflow.Invalid("sale_state must be %q or %q", domain.SaleStateOn, domain.SaleStateOff)
	}
}

// Execute lists the candidates and hands them to the run state under
// "products".
func (n *ProductLoad) Execute(ctx context.Context, input map[string]any, nc *workflow.NodeContext) workflow.Result {
	saleState := nc.ConfigString("sale_state")
	urlPattern := nc.ConfigString("url_pattern")
	// A manual run may omit the url_pattern param entirely, leaving the
	// definition's placeholder unresolved; that means no prefix filter.
	if strings.Contains(urlPattern, "${") {
		urlPattern = ""
	}
	limit := nc.ConfigInt("limit", 50)

	products, err := nc.Deps.Products.ListForValidation(ctx, nc.Platform, saleState, urlPattern, limit)
	if err != nil {
		return workflow.Fail("load_failed", "list products: %v", err)
	}
	nc.Logger.Info("loaded validation candidates",
		slog.String("sale_state", saleState),
		slog.Int("count", len(products)))
	return workflow.OK(map[string]any{
		"products":      products,
		"product_count": len(products),
		"sale_state":    saleState,
	})
}

// productsFromState recovers the candidate slice from run state. Within one
// process it is the concrete slice; after a persistence round-trip it may be
// generic JSON, so both shapes decode.
func productsFromState(state map[string]any) ([]domain.Product, bool) {
	switch v := state["products"].(type) {
	case []domain.Product:
		return v, true
	case nil:
		return nil, false
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var out []domain.Product
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, false
		}
		return out, true
	}
}
