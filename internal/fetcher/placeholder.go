package fetcher

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/pricepulse/internal/tracker"
)

// Placeholder stands in for a real source: it returns the product's
// last_price, else its target_price, else zero.
type Placeholder struct{}

// Fetch implements tracker.Fetcher.
func (Placeholder) Fetch(_ context.Context, p tracker.Product) (tracker.PriceQuote, error) {
	quote := tracker.PriceQuote{Price: decimal.Zero}
	switch {
	case p.LastPrice != nil:
		quote.Price = *p.LastPrice
	case p.TargetPrice != nil:
		quote.Price = *p.TargetPrice
	}
	if p.Currency != nil {
		quote.Currency = *p.Currency
	}
	return quote, nil
}

// Local reports that Placeholder makes no network calls.
func (Placeholder) Local() bool { return true }
