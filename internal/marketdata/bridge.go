package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lv-marginbook/internal/instruments"

	"github.com/shopspring/decimal"
)

// Bridge talks to the MT5 quote bridge over HTTP.
type Bridge struct {
	baseURL string
	client  *http.Client
}

func NewBridge(baseURL string, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Bridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type bridgeQuote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Time   int64           `json:"time"`
}

func (q bridgeQuote) toQuote() Quote {
	ts := time.Now().UTC()
	if q.Time > 0 {
		ts = time.Unix(q.Time, 0).UTC()
	}
	return Quote{Symbol: instruments.NormalizeSymbol(q.Symbol), Bid: q.Bid, Ask: q.Ask, Time: ts}
}

func (b *Bridge) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	var raw bridgeQuote
	if err := b.get(ctx, "/quote/"+url.PathEscape(symbol), &raw); err != nil {
		return Quote{}, err
	}
	if raw.Symbol == "" {
		raw.Symbol = symbol
	}
	q := raw.toQuote()
	if !q.Valid() {
		return Quote{}, fmt.Errorf("%w: %s has no bid/ask", ErrNoQuote, symbol)
	}
	return q, nil
}

// SymbolPaths returns every bridge symbol keyed to its catalog path.
func (b *Bridge) SymbolPaths(ctx context.Context) (map[string]string, error) {
	var raw struct {
		Data map[string][]struct {
			Symbol string `json:"symbol"`
			Path   string `json:"path"`
		} `json:"data"`
	}
	if err := b.get(ctx, "/available-symbols", &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for group, items := range raw.Data {
		for _, it := range items {
			path := it.Path
			if path == "" {
				path = group
			}
			out[it.Symbol] = path
		}
	}
	return out, nil
}

func (b *Bridge) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("quote bridge %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNoQuote, path)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("quote bridge %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("quote bridge %s: decode: %w", path, err)
	}
	return nil
}
