package tracker

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// maxPrice is the largest value a NUMERIC(10,2) column holds.
var maxPrice = decimal.RequireFromString("99999999.99")

// NormalizePrice rounds to two fractional digits and checks the column range.
func NormalizePrice(p decimal.Decimal) (decimal.Decimal, error) {
	rounded := p.Round(2)
	if rounded.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s is negative", ErrInvalidPrice, p.String())
	}
	if rounded.GreaterThan(maxPrice) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s exceeds %s", ErrInvalidPrice, p.String(), maxPrice.StringFixed(2))
	}
	return rounded, nil
}

// ParsePrice parses a decimal string and normalizes it.
func ParsePrice(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}
	return NormalizePrice(d)
}
