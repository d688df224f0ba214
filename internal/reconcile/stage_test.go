package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/shopwatch/internal/audit"
	"github.com/fairyhunter13/shopwatch/internal/domain"
	"github.com/fairyhunter13/shopwatch/internal/platform"
)

type fakeProducts struct {
	applied []domain.ProductUpdate
	rows    map[string]domain.Product
}

func (f *fakeProducts) ListForValidation(domain.Context, string, string, string, int) ([]domain.Product, error) {
	return nil, nil
}

func (f *fakeProducts) Get(_ domain.Context, setID, productID string) (domain.Product, error) {
	if p, ok := f.rows[setID+"/"+productID]; ok {
		return p, nil
	}
	return domain.Product{}, domain.ErrNotFound
}

func (f *fakeProducts) Apply(_ domain.Context, upd domain.ProductUpdate) error {
	f.applied = append(f.applied, upd)
	return nil
}

func (f *fakeProducts) MarkValidated(domain.Context, string, string, time.Time) error { return nil }

type fakeHistory struct {
	reviews []domain.ReviewEntry
	prices  []domain.PriceEntry
}

func (f *fakeHistory) AddReview(_ domain.Context, e domain.ReviewEntry) error {
	f.reviews = append(f.reviews, e)
	return nil
}

func (f *fakeHistory) AddPrice(_ domain.Context, e domain.PriceEntry) error {
	f.prices = append(f.prices, e)
	return nil
}

func writeAuditLog(t *testing.T, recs ...domain.AuditRecord) string {
	t.Helper()
	w := audit.NewWriter(t.TempDir(), "alpha", "job-1", "product_validation", time.UTC)
	require.NoError(t, w.Initialize())
	for _, rec := range recs {
		require.NoError(t, w.Append(rec))
	}
	require.NoError(t, w.Finalize())
	return w.Path()
}

func record(productID string, db, fetch domain.ProductFields, status string) domain.AuditRecord {
	rec := domain.AuditRecord{
		ProductSetID: "set-1",
		ProductID:    productID,
		Platform:     "alpha",
		DB:           db,
		Status:       status,
		ValidatedAt:  time.Now().UTC(),
	}
	if status == domain.AuditSuccess {
		cmp := domain.Compare(db, fetch)
		rec.Fetch = &fetch
		rec.Comparison = &cmp
		rec.Match = cmp.All()
	}
	return rec
}

func platformsFile(skip ...string) *platform.File {
	return &platform.File{Platforms: map[string]*platform.Config{
		"alpha": {Tag: "alpha", Mode: platform.ModeAPI, UpdateExclusions: platform.Exclusions{SkipFields: skip}},
	}}
}

func newTestStage(products *fakeProducts, history *fakeHistory, pf *platform.File) *Stage {
	return NewStage(products, history, pf, Options{BatchSize: 10, VerifyEvery: 100}, nil)
}

func TestRunAppliesMismatchedFields(t *testing.T) {
	t.Parallel()
	db := domain.ProductFields{Name: "serum", OriginalPrice: 100, DiscountedPrice: 80, SaleState: domain.SaleStateOn}
	fetch := db
	fetch.DiscountedPrice = 70
	fetch.Name = "serum v2"
	path := writeAuditLog(t,
		record("changed", db, fetch, domain.AuditSuccess),
		record("matched", db, db, domain.AuditSuccess),
	)

	products := &fakeProducts{}
	history := &fakeHistory{}
	out, err := newTestStage(products, history, platformsFile()).Run(context.Background(), path, "alpha")
	require.NoError(t, err)

	assert.Equal(t, 2, out.Scanned)
	assert.Equal(t, 1, out.Eligible)
	assert.Equal(t, 1, out.Applied)
	assert.Equal(t, 1, out.Skipped)
	assert.True(t, out.VerificationPassed)
	require.Len(t, products.applied, 1)
	upd := products.applied[0]
	assert.Equal(t, map[string]any{
		domain.FieldProductName:     "serum v2",
		domain.FieldDiscountedPrice: int64(70),
	}, upd.Fields)

	require.Len(t, history.reviews, 1)
	assert.Equal(t, domain.ReviewAll, history.reviews[0].Classification)
	assert.Contains(t, history.reviews[0].Comment, "product_name: serum -> serum v2")
	assert.Contains(t, history.reviews[0].Comment, "discounted_price: 80 -> 70")

	require.Len(t, history.prices, 1)
	require.NotNil(t, history.prices[0].DiscountedPrice)
	assert.Equal(t, int64(70), *history.prices[0].DiscountedPrice)
	assert.Nil(t, history.prices[0].OriginalPrice)
}

func TestRunPriceOnlyClassification(t *testing.T) {
	t.Parallel()
	db := domain.ProductFields{Name: "serum", OriginalPrice: 100, DiscountedPrice: 80, SaleState: domain.SaleStateOn}
	fetch := db
	fetch.OriginalPrice = 120
	path := writeAuditLog(t, record("p1", db, fetch, domain.AuditSuccess))

	products := &fakeProducts{}
	history := &fakeHistory{}
	_, err := newTestStage(products, history, platformsFile()).Run(context.Background(), path, "alpha")
	require.NoError(t, err)
	require.Len(t, history.reviews, 1)
	assert.Equal(t, domain.ReviewOnlyPrice, history.reviews[0].Classification)
}

func TestRunFullRewriteStillClassifiesAll(t *testing.T) {
	t.Parallel()
	db := domain.ProductFields{Name: "serum", Thumbnail: "a.png", OriginalPrice: 100, DiscountedPrice: 80, SaleState: domain.SaleStateOn}
	fetch := domain.ProductFields{Name: "toner", Thumbnail: "b.png", OriginalPrice: 200, DiscountedPrice: 150, SaleState: domain.SaleStateOff}
	path := writeAuditLog(t, record("p1", db, fetch, domain.AuditSuccess))

	products := &fakeProducts{}
	history := &fakeHistory{}
	_, err := newTestStage(products, history, platformsFile()).Run(context.Background(), path, "alpha")
	require.NoError(t, err)
	require.Len(t, history.reviews, 1)
	assert.Equal(t, domain.ReviewAll, history.reviews[0].Classification,
		"a wide drift is still a content review; confused is the fetch-null flip only")
}

func TestRunZeroPriceGuard(t *testing.T) {
	t.Parallel()
	db := domain.ProductFields{Name: "serum", OriginalPrice: 100, DiscountedPrice: 80, SaleState: domain.SaleStateOn}
	fetch := db
	fetch.OriginalPrice = 0
	fetch.DiscountedPrice = 0
	path := writeAuditLog(t, record("p1", db, fetch, domain.AuditSuccess))

	products := &fakeProducts{}
	out, err := newTestStage(products, &fakeHistory{}, platformsFile()).Run(context.Background(), path, "alpha")
	require.NoError(t, err)
	assert.Zero(t, out.Applied, "zero fetched prices must never be written back")
	assert.Empty(t, products.applied)
}

func TestRunExclusionPolicy(t *testing.T) {
	t.Parallel()
	db := domain.ProductFields{Name: "serum", Thumbnail: "a.png", OriginalPrice: 100, DiscountedPrice: 80, SaleState: domain.SaleStateOn}
	fetch := db
	fetch.Thumbnail = "b.png"
	fetch.Name = "renamed"
	path := writeAuditLog(t, record("p1", db, fetch, domain.AuditSuccess))

	products := &fakeProducts{}
	_, err := newTestStage(products, &fakeHistory{}, platformsFile(domain.FieldThumbnail)).
		Run(context.Background(), path, "alpha")
	require.NoError(t, err)
	require.Len(t, products.applied, 1)
	assert.NotContains(t, products.applied[0].Fields, domain.FieldThumbnail)
	assert.Contains(t, products.applied[0].Fields, domain.FieldProductName)
}

func TestRunNotFoundFlipsToOffSale(t *testing.T) {
	t.Parallel()
	onSale := domain.ProductFields{Name: "serum", SaleState: domain.SaleStateOn}
	offSale := domain.ProductFields{Name: "gone", SaleState: domain.SaleStateOff}
	path := writeAuditLog(t,
		record("still-listed", onSale, domain.ProductFields{}, domain.AuditNotFound),
		record("already-off", offSale, domain.ProductFields{}, domain.AuditNotFound),
		record("transient", onSale, domain.ProductFields{}, domain.AuditFailed),
	)

	products := &fakeProducts{}
	history := &fakeHistory{}
	out, err := newTestStage(products, history, platformsFile()).Run(context.Background(), path, "alpha")
	require.NoError(t, err)

	assert.Equal(t, 1, out.Applied)
	assert.Equal(t, 2, out.Skipped)
	require.Len(t, products.applied, 1)
	assert.Equal(t, "still-listed", products.applied[0].ProductID)
	assert.Equal(t, map[string]any{domain.FieldSaleState: domain.SaleStateOff}, products.applied[0].Fields)

	require.Len(t, history.reviews, 1)
	assert.Equal(t, domain.ReviewConfused, history.reviews[0].Classification)
	assert.Contains(t, history.reviews[0].Comment, fetchFailedLine)
}

func TestRunVerificationFlag(t *testing.T) {
	t.Parallel()
	db := domain.ProductFields{Name: "serum", OriginalPrice: 100, DiscountedPrice: 80, SaleState: domain.SaleStateOn}
	fetch := db
	fetch.Name = "serum v2"
	path := writeAuditLog(t, record("p1", db, fetch, domain.AuditSuccess))

	// The re-read finds no row, so the sampled verification fails; the pass
	// itself still succeeds.
	products := &fakeProducts{}
	stage := NewStage(products, &fakeHistory{}, platformsFile(), Options{BatchSize: 10, VerifyEvery: 1}, nil)
	out, err := stage.Run(context.Background(), path, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Applied)
	assert.False(t, out.VerificationPassed)

	// With the row present and matching, verification holds.
	products = &fakeProducts{rows: map[string]domain.Product{
		"set-1/p1": {SetID: "set-1", ProductID: "p1", Platform: "alpha",
			Name: "serum v2", OriginalPrice: 100, DiscountedPrice: 80, SaleState: domain.SaleStateOn},
	}}
	stage = NewStage(products, &fakeHistory{}, platformsFile(), Options{BatchSize: 10, VerifyEvery: 1}, nil)
	out, err = stage.Run(context.Background(), path, "alpha")
	require.NoError(t, err)
	assert.True(t, out.VerificationPassed)
}

func TestRunNormalizesFetchedSaleState(t *testing.T) {
	t.Parallel()
	db := domain.ProductFields{Name: "serum", OriginalPrice: 100, DiscountedPrice: 80, SaleState: domain.SaleStateOn}
	fetch := db
	fetch.SaleState = "soldout"
	path := writeAuditLog(t, record("p1", db, fetch, domain.AuditSuccess))

	products := &fakeProducts{}
	_, err := newTestStage(products, &fakeHistory{}, platformsFile()).Run(context.Background(), path, "alpha")
	require.NoError(t, err)
	require.Len(t, products.applied, 1)
	assert.Equal(t, domain.SaleStateOff, products.applied[0].Fields[domain.FieldSaleState])
}
