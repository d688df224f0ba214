package domain

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobIDSortable(t *testing.T) {
	t.Parallel()
	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		ids = append(ids, NewJobID())
	}
	sorted := append([]string{}, ids...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, ids, "ids must already be in creation order")

	seen := map[string]bool{}
	for _, id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestCompare(t *testing.T) {
	t.Parallel()
	db := ProductFields{
		Name:            "serum",
		Thumbnail:       "https://cdn/img.png",
		OriginalPrice:   32000,
		DiscountedPrice: 25600,
		SaleState:       SaleStateOn,
	}
	same := Compare(db, db)
	assert.True(t, same.All())

	fetch := db
	fetch.DiscountedPrice = 19900
	fetch.SaleState = SaleStateOff
	cmp := Compare(db, fetch)
	assert.False(t, cmp.All())
	assert.True(t, cmp.Name)
	assert.True(t, cmp.OriginalPrice)
	assert.False(t, cmp.DiscountedPrice)
	assert.False(t, cmp.SaleState)
}

func TestProductFieldsProjection(t *testing.T) {
	t.Parallel()
	p := Product{
		Name:            "serum",
		Thumbnail:       "thumb",
		OriginalPrice:   100,
		DiscountedPrice: 90,
		SaleState:       SaleStateOn,
	}
	f := p.Fields()
	assert.Equal(t, p.Name, f.Name)
	assert.Equal(t, p.DiscountedPrice, f.DiscountedPrice)
	assert.Equal(t, p.SaleState, f.SaleState)
}
