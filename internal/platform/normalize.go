package platform

import (
	"strings"

	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// onSaleSynonyms is the open set of upstream strings that mean "on sale".
// Anything outside it collapses to off_sale; the review history still tags
// fetch-null rows as confused so odd values remain visible downstream.
var onSaleSynonyms = map[string]struct{}{
	"on_sale":   {},
	"onsale":    {},
	"on":        {},
	"sale":      {},
	"selling":   {},
	"available": {},
	"in_stock":  {},
	"instock":   {},
	"y":         {},
	"true":      {},
	"판매중":       {},
	"세일중":       {},
}

// NormalizeSaleState maps an upstream sale-state string onto the closed
// {on_sale, off_sale} set.
func NormalizeSaleState(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := onSaleSynonyms[key]; ok {
		return domain.SaleStateOn
	}
	return domain.SaleStateOff
}
