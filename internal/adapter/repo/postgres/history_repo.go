package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// HistoryRepo records reconciliation review and price history rows.
type HistoryRepo struct{ Pool PgxPool }

// NewHistoryRepo constructs a HistoryRepo with the given pool.
func NewHistoryRepo(p PgxPool) *HistoryRepo { return &HistoryRepo{Pool: p} }

// AddReview inserts one review-history entry capturing before/after and the
// change classification.
func (r *HistoryRepo) AddReview(ctx domain.Context, e domain.ReviewEntry) error {
	tracer := otel.Tracer("repo.history")
	ctx, span := tracer.Start(ctx, "history.AddReview")
	defer span.End()
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	before, err := json.Marshal(e.Before)
	if err != nil {
		return fmt.Errorf("op=history.add_review before: %w", err)
	}
	after, err := json.Marshal(e.After)
	if err != nil {
		return fmt.Errorf("op=history.add_review after: %w", err)
	}
	q := `INSERT INTO review_history
		(id, product_set_id, product_id, platform, classification, comment, before_fields, after_fields, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := r.Pool.Exec(ctx, q, id, e.SetID, e.ProductID, e.Platform,
		e.Classification, e.Comment, before, after, createdAt); err != nil {
		return fmt.Errorf("op=history.add_review: %w", err)
	}
	return nil
}

// AddPrice inserts one price-history entry. Nil price pointers mean the
// field did not change.
func (r *HistoryRepo) AddPrice(ctx domain.Context, e domain.PriceEntry) error {
	tracer := otel.Tracer("repo.history")
	ctx, span := tracer.Start(ctx, "history.AddPrice")
	defer span.End()
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO price_history
		(id, product_set_id, product_id, platform, original_price, discounted_price, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := r.Pool.Exec(ctx, q, id, e.SetID, e.ProductID, e.Platform,
		e.OriginalPrice, e.DiscountedPrice, createdAt); err != nil {
		return fmt.Errorf("op=history.add_price: %w", err)
	}
	return nil
}

var _ domain.HistoryRepository = (*HistoryRepo)(nil)
