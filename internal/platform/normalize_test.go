package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/shopwatch/internal/domain"
)

func TestNormalizeSaleState(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"on_sale":    domain.SaleStateOn,
		"ONSALE":     domain.SaleStateOn,
		" selling ":  domain.SaleStateOn,
		"IN_STOCK":   domain.SaleStateOn,
		"Y":          domain.SaleStateOn,
		"true":       domain.SaleStateOn,
		"판매중":        domain.SaleStateOn,
		"soldout":    domain.SaleStateOff,
		"stopped":    domain.SaleStateOff,
		"":           domain.SaleStateOff,
		"mystery":    domain.SaleStateOff,
		"판매중지":       domain.SaleStateOff,
		"DISABLED_1": domain.SaleStateOff,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeSaleState(in), "input %q", in)
	}
}
