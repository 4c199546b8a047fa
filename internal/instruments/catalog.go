package instruments

import (
	"context"
	"sync"
	"time"

	"lv-marginbook/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CatalogSource lists upstream symbols with their catalog path (e.g. `Forex\Majors\EURUSD`).
type CatalogSource interface {
	SymbolPaths(ctx context.Context) (map[string]string, error)
}

type Instrument struct {
	Symbol       string          `json:"symbol"`
	Category     types.Category  `json:"category"`
	ContractSize decimal.Decimal `json:"contract_size"`
}

// Catalog caches category hints from the upstream symbol catalog. A nil source
// or a failed refresh leaves resolution to the symbol rules.
type Catalog struct {
	src CatalogSource
	ttl time.Duration
	log zerolog.Logger

	mu        sync.RWMutex
	hints     map[string]string
	fetchedAt time.Time
}

func NewCatalog(src CatalogSource, ttl time.Duration, log zerolog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Catalog{
		src:   src,
		ttl:   ttl,
		log:   log.With().Str("component", "catalog").Logger(),
		hints: map[string]string{},
	}
}

func (c *Catalog) Hint(ctx context.Context, symbol string) string {
	if c == nil {
		return ""
	}
	c.refreshIfStale(ctx)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hints[NormalizeSymbol(symbol)]
}

func (c *Catalog) Resolve(ctx context.Context, symbol string) Instrument {
	s := NormalizeSymbol(symbol)
	category := ResolveCategory(s, c.Hint(ctx, s))
	return Instrument{Symbol: s, Category: category, ContractSize: ContractSize(s, category)}
}

func (c *Catalog) refreshIfStale(ctx context.Context) {
	if c.src == nil {
		return
	}
	c.mu.RLock()
	fresh := !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return
	}
	paths, err := c.src.SymbolPaths(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	// Failed refreshes are retried after a full ttl too, so a dead bridge is not hit per order.
	c.fetchedAt = time.Now()
	if err != nil {
		c.log.Warn().Err(err).Msg("symbol catalog refresh failed, keeping previous hints")
		return
	}
	hints := make(map[string]string, len(paths))
	for sym, path := range paths {
		hints[NormalizeSymbol(sym)] = path
	}
	c.hints = hints
}
