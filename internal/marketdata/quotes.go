package marketdata

import (
	"context"
	"time"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/instruments"

	"github.com/rs/zerolog"
)

type Fetcher interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// Quotes answers quote lookups from the live cache while it is fresh and
// falls back to fetching from the bridge. Every failure is reported as
// apperr.KindUnavailable.
type Quotes struct {
	cache  SnapshotStore
	fetch  Fetcher
	maxAge time.Duration
	log    zerolog.Logger
	now    func() time.Time
}

func NewQuotes(cache SnapshotStore, fetch Fetcher, maxAge time.Duration, log zerolog.Logger) *Quotes {
	if cache == nil {
		cache = NewLiveQuotes()
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	return &Quotes{
		cache:  cache,
		fetch:  fetch,
		maxAge: maxAge,
		log:    log.With().Str("component", "quotes").Logger(),
		now:    time.Now,
	}
}

func (q *Quotes) Quote(ctx context.Context, symbol string) (Quote, error) {
	sym := instruments.NormalizeSymbol(symbol)
	if sym == "" {
		return Quote{}, apperr.Validation("symbol is required")
	}

	snap, ok, err := q.cache.Get(ctx, sym)
	if err != nil {
		q.log.Warn().Err(err).Str("symbol", sym).Msg("quote cache read failed")
	} else if ok && q.now().Sub(snap.ReceivedAt) <= q.maxAge {
		return snap.Quote, nil
	}

	if q.fetch == nil {
		return Quote{}, apperr.Unavailable(ErrNoQuote, "no quote available for %s", sym)
	}
	quote, err := q.fetch.GetQuote(ctx, sym)
	if err != nil {
		return Quote{}, apperr.Unavailable(err, "quote for %s unavailable", sym)
	}
	if !quote.Valid() {
		return Quote{}, apperr.Unavailable(ErrNoQuote, "quote for %s has no bid/ask", sym)
	}
	if err := q.cache.Put(ctx, Snapshot{Quote: quote, ReceivedAt: q.now()}); err != nil {
		q.log.Warn().Err(err).Str("symbol", sym).Msg("quote cache write failed")
	}
	return quote, nil
}
