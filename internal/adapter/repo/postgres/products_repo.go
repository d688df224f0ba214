package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// ProductRepo persists and loads catalog product rows from PostgreSQL.
type ProductRepo struct{ Pool PgxPool }

// NewProductRepo constructs a ProductRepo with the given pool.
func NewProductRepo(p PgxPool) *ProductRepo { return &ProductRepo{Pool: p} }

const productColumns = `product_set_id, product_id, platform, link_url,
	COALESCE(product_name,''), COALESCE(thumbnail,''),
	COALESCE(original_price,0), COALESCE(discounted_price,0),
	COALESCE(sale_status,''), updated_at`

// ListForValidation returns candidate rows for a validation run, filtered by
// platform, sale state and an optional link-URL prefix pattern. Rows come
// back least-recently-verified first so the rolling schedule covers the
// whole catalog.
func (r *ProductRepo) ListForValidation(ctx domain.Context, platform, saleState, urlPattern string, limit int) ([]domain.Product, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.ListForValidation")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + productColumns + ` FROM products
		WHERE platform=$1 AND sale_status=$2 AND ($3 = '' OR link_url LIKE $3 || '%')
		ORDER BY last_validated_at NULLS FIRST, updated_at ASC
		LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, platform, saleState, urlPattern, limit)
	if err != nil {
		return nil, fmt.Errorf("op=products.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SetID, &p.ProductID, &p.Platform, &p.LinkURL,
			&p.Name, &p.Thumbnail, &p.OriginalPrice, &p.DiscountedPrice,
			&p.SaleState, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=products.list scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=products.list rows: %w", err)
	}
	return out, nil
}

// Get loads one product row by its set/product id pair.
func (r *ProductRepo) Get(ctx domain.Context, setID, productID string) (domain.Product, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.Get")
	defer span.End()
	q := `SELECT ` + productColumns + ` FROM products WHERE product_set_id=$1 AND product_id=$2`
	row := r.Pool.QueryRow(ctx, q, setID, productID)
	var p domain.Product
	if err := row.Scan(&p.SetID, &p.ProductID, &p.Platform, &p.LinkURL,
		&p.Name, &p.Thumbnail, &p.OriginalPrice, &p.DiscountedPrice,
		&p.SaleState, &p.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Product{}, fmt.Errorf("op=products.get: %w", domain.ErrNotFound)
		}
		return domain.Product{}, fmt.Errorf("op=products.get: %w", err)
	}
	return p, nil
}

// updatableColumns whitelists the columns a reconcile update may touch.
var updatableColumns = map[string]struct{}{
	domain.FieldProductName:     {},
	domain.FieldThumbnail:       {},
	domain.FieldOriginalPrice:   {},
	domain.FieldDiscountedPrice: {},
	domain.FieldSaleState:       {},
}

// Apply writes a sparse update built from an explicit field map. Unknown
// keys are rejected rather than silently dropped.
func (r *ProductRepo) Apply(ctx domain.Context, upd domain.ProductUpdate) error {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.Apply")
	defer span.End()
	if len(upd.Fields) == 0 {
		return fmt.Errorf("op=products.apply: %w: empty update", domain.ErrInvalidArgument)
	}

	sets := make([]string, 0, len(upd.Fields)+2)
	args := make([]any, 0, len(upd.Fields)+2)
	args = append(args, upd.SetID, upd.ProductID)
	i := 3
	for col, val := range upd.Fields {
		if _, ok := updatableColumns[col]; !ok {
			return fmt.Errorf("op=products.apply: %w: column %q", domain.ErrInvalidArgument, col)
		}
		sets = append(sets, fmt.Sprintf("%s=$%d", col, i))
		args = append(args, val)
		i++
	}
	sets = append(sets, fmt.Sprintf("updated_at=$%d", i))
	args = append(args, time.Now().UTC())

	q := `UPDATE products SET ` + strings.Join(sets, ", ") +
		` WHERE product_set_id=$1 AND product_id=$2`
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=products.apply: %w: %w", domain.ErrReconcile, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=products.apply: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkValidated stamps last_validated_at after a compare pass, matched or
// not, so the rolling schedule moves on.
func (r *ProductRepo) MarkValidated(ctx domain.Context, setID, productID string, t time.Time) error {
	q := `UPDATE products SET last_validated_at=$3 WHERE product_set_id=$1 AND product_id=$2`
	if _, err := r.Pool.Exec(ctx, q, setID, productID, t.UTC()); err != nil {
		return fmt.Errorf("op=products.mark_validated: %w", err)
	}
	return nil
}

var _ domain.ProductRepository = (*ProductRepo)(nil)
