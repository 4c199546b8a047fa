// Package marketdata is the boundary to the quote bridge: quote lookups, the
// live quote cache and its push feed, and the event bus streamed to clients.
package marketdata

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNoQuote = errors.New("no quote")

type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Time   time.Time       `json:"time"`
}

// Valid reports whether both sides are priced.
func (q Quote) Valid() bool {
	return q.Symbol != "" && q.Bid.GreaterThan(decimal.Zero) && q.Ask.GreaterThan(decimal.Zero)
}
