package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/margin"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/store/memory"
	"lv-marginbook/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type stubQuotes struct {
	mu    sync.Mutex
	quote marketdata.Quote
	err   error
}

func (s *stubQuotes) Quote(_ context.Context, symbol string) (marketdata.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return marketdata.Quote{}, s.err
	}
	q := s.quote
	q.Symbol = symbol
	return q, nil
}

func (s *stubQuotes) set(bid, ask string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quote = marketdata.Quote{Bid: d(bid), Ask: d(ask), Time: time.Now()}
	s.err = nil
}

type fixture struct {
	mem    *memory.Store
	svc    *Service
	quotes *stubQuotes
	acc    model.TradingAccount
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mem := memory.New()
	quotes := &stubQuotes{}
	quotes.set("1.10", "1.10")
	ledgerSvc := ledger.NewService(mem, nil, zerolog.Nop())
	svc := NewService(mem, ledgerSvc, margin.NewCalculator(margin.DefaultTable()), quotes, nil, zerolog.Nop())

	acc := model.TradingAccount{UserID: "u1", Name: "Main", Number: model.NewAccountNumber(), IsActive: true, CurrentMode: types.ModeDemo}
	err := mem.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertTradingAccount(ctx, &acc)
	})
	require.NoError(t, err)
	return fixture{mem: mem, svc: svc, quotes: quotes, acc: acc}
}

func (f fixture) place(t *testing.T, side types.OrderSide, volume, price string) Result {
	t.Helper()
	res, err := f.svc.PlacePosition(context.Background(), PlaceRequest{
		UserID:           f.acc.UserID,
		TradingAccountID: f.acc.ID,
		Symbol:           "EURUSD",
		Side:             side,
		Volume:           d(volume),
		EntryPrice:       dp(price),
	})
	require.NoError(t, err)
	return res
}

func (f fixture) state(t *testing.T) model.AccountState {
	t.Helper()
	var st model.AccountState
	err := f.mem.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		st, err = tx.GetAccountStateForUpdate(ctx, f.acc.ID, types.ModeDemo)
		return err
	})
	require.NoError(t, err)
	return st
}

func (f fixture) openCount(t *testing.T) int {
	t.Helper()
	var n int
	err := f.mem.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = tx.CountOpenPositions(ctx, f.acc.ID, "")
		return err
	})
	require.NoError(t, err)
	return n
}

func assertFreeMargin(t *testing.T, st model.AccountState) {
	t.Helper()
	assert.True(t, st.Equity.Sub(st.Margin).Equal(st.FreeMargin), "free margin %s, equity %s, margin %s", st.FreeMargin, st.Equity, st.Margin)
}

func TestPlaceReservesBandedMargin(t *testing.T) {
	f := newFixture(t)

	res := f.place(t, types.OrderSideBuy, "25", "1.10")

	assert.True(t, d("7150").Equal(res.Position.ReservedMargin), "got %s", res.Position.ReservedMargin)
	assert.Equal(t, types.CategoryForex, res.Position.Category)
	assert.Equal(t, types.ModeDemo, res.Position.Mode)
	assert.Equal(t, types.PositionStatusOpen, res.Position.Status)
	assert.True(t, d("7150").Equal(res.Account.Margin))
	assert.True(t, d("2850").Equal(res.Account.FreeMargin))
	assert.True(t, d("10000").Equal(res.Account.Balance))
	assertFreeMargin(t, res.Account)
}

func TestPlaceChargesAgainstExistingVolume(t *testing.T) {
	f := newFixture(t)

	f.place(t, types.OrderSideBuy, "20", "1.10")
	second := f.place(t, types.OrderSideSell, "5", "1.10")

	// the first 20 lots filled the 500x band
	assert.True(t, d("2750").Equal(second.Position.ReservedMargin), "got %s", second.Position.ReservedMargin)
	assert.True(t, d("7150").Equal(second.Account.Margin))
}

func TestPlaceInsufficientMarginLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.place(t, types.OrderSideBuy, "1", "1.10")
	before := f.state(t)

	_, err := f.svc.PlacePosition(context.Background(), PlaceRequest{
		UserID:     "u1",
		Symbol:     "EURUSD",
		Side:       types.OrderSideBuy,
		Volume:     d("40"),
		EntryPrice: dp("1.10"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInsufficientMargin)

	after := f.state(t)
	assert.True(t, before.Margin.Equal(after.Margin))
	assert.True(t, before.Balance.Equal(after.Balance))
	assert.Equal(t, 1, f.openCount(t))
}

func TestPlaceHonoursLeverageCapWhenAutoIsOff(t *testing.T) {
	f := newFixture(t)
	f.place(t, types.OrderSideBuy, "0.01", "1.10")
	err := f.mem.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		st, err := tx.GetAccountStateForUpdate(ctx, f.acc.ID, types.ModeDemo)
		if err != nil {
			return err
		}
		st.IsAutoLeverage = false
		st.Leverage = 100
		return tx.UpdateAccountState(ctx, st)
	})
	require.NoError(t, err)

	res := f.place(t, types.OrderSideBuy, "1", "1.10")
	assert.True(t, d("1100").Equal(res.Position.ReservedMargin), "got %s", res.Position.ReservedMargin)
}

func TestPlaceValidation(t *testing.T) {
	f := newFixture(t)

	testCases := []struct {
		name string
		req  PlaceRequest
	}{
		{"missing symbol", PlaceRequest{UserID: "u1", Side: types.OrderSideBuy, Volume: d("1")}},
		{"bad side", PlaceRequest{UserID: "u1", Symbol: "EURUSD", Side: "hold", Volume: d("1")}},
		{"volume below minimum", PlaceRequest{UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideBuy, Volume: d("0.001")}},
		{"volume above maximum", PlaceRequest{UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideBuy, Volume: d("1000.01"), EntryPrice: dp("1.10")}},
		{"huge exponent volume", PlaceRequest{UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideBuy, Volume: d("1e20000000"), EntryPrice: dp("1.10")}},
		{"zero price", PlaceRequest{UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideBuy, Volume: d("1"), EntryPrice: dp("0")}},
		{"buy stop above entry", PlaceRequest{UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideBuy, Volume: d("1"), EntryPrice: dp("1.10"), StopLoss: dp("1.20")}},
		{"sell take profit above entry", PlaceRequest{UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideSell, Volume: d("1"), EntryPrice: dp("1.10"), TakeProfit: dp("1.20")}},
		{"bad mode", PlaceRequest{UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideBuy, Volume: d("1"), Mode: "paper"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.PlacePosition(context.Background(), tc.req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	assert.Equal(t, 0, f.openCount(t))
}

func TestPlaceUsesQuoteSideForEntry(t *testing.T) {
	f := newFixture(t)
	f.quotes.set("1.0998", "1.1002")

	buy, err := f.svc.PlacePosition(context.Background(), PlaceRequest{UserID: "u1", Symbol: "eurusd", Side: types.OrderSideBuy, Volume: d("1")})
	require.NoError(t, err)
	assert.True(t, d("1.1002").Equal(buy.Position.EntryPrice))
	assert.Equal(t, "EURUSD", buy.Position.Symbol)

	sell, err := f.svc.PlacePosition(context.Background(), PlaceRequest{UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideSell, Volume: d("1")})
	require.NoError(t, err)
	assert.True(t, d("1.0998").Equal(sell.Position.EntryPrice))

	// closing crosses the spread
	closed, err := f.svc.ClosePosition(context.Background(), "u1", buy.Position.ID, nil)
	require.NoError(t, err)
	assert.True(t, d("1.0998").Equal(*closed.Position.ClosePrice))
	assert.True(t, d("-40").Equal(closed.Position.Profit), "got %s", closed.Position.Profit)
}

func TestQuoteFailureDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	open := f.place(t, types.OrderSideBuy, "1", "1.10")
	before := f.state(t)
	f.quotes.err = apperr.Unavailable(errors.New("bridge down"), "quote unavailable")

	_, err := f.svc.PlacePosition(context.Background(), PlaceRequest{UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideBuy, Volume: d("1")})
	assert.ErrorIs(t, err, apperr.ErrUnavailable)

	_, err = f.svc.ClosePosition(context.Background(), "u1", open.Position.ID, nil)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)

	after := f.state(t)
	assert.True(t, before.Margin.Equal(after.Margin))
	assert.True(t, before.Balance.Equal(after.Balance))
	assert.Equal(t, 1, f.openCount(t))
}

func TestCloseReleasesMarginOnce(t *testing.T) {
	f := newFixture(t)
	open := f.place(t, types.OrderSideBuy, "1", "1.10")
	assert.True(t, d("220").Equal(open.Account.Margin))

	closed, err := f.svc.ClosePosition(context.Background(), "u1", open.Position.ID, dp("1.11"))
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusClosed, closed.Position.Status)
	assert.True(t, d("1000").Equal(closed.Position.Profit), "got %s", closed.Position.Profit)
	assert.True(t, d("11000").Equal(closed.Account.Balance))
	assert.True(t, closed.Account.Margin.IsZero())
	assertFreeMargin(t, closed.Account)

	_, err = f.svc.ClosePosition(context.Background(), "u1", open.Position.ID, dp("1.20"))
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = f.svc.ClosePosition(context.Background(), "u1", open.Position.ID, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	st := f.state(t)
	assert.True(t, d("11000").Equal(st.Balance))
	assert.True(t, st.Margin.IsZero())
}

func TestRoundTripAtSamePriceRestoresState(t *testing.T) {
	f := newFixture(t)
	f.place(t, types.OrderSideSell, "3", "1.10")
	before := f.state(t)

	open := f.place(t, types.OrderSideBuy, "10", "1.25")
	_, err := f.svc.ClosePosition(context.Background(), "u1", open.Position.ID, dp("1.25"))
	require.NoError(t, err)

	after := f.state(t)
	assert.True(t, before.Balance.Equal(after.Balance))
	assert.True(t, before.Equity.Equal(after.Equity))
	assert.True(t, before.Margin.Equal(after.Margin))
	assert.True(t, before.FreeMargin.Equal(after.FreeMargin))
}

func TestCloseByOtherUserIsNotFound(t *testing.T) {
	f := newFixture(t)
	open := f.place(t, types.OrderSideBuy, "1", "1.10")

	_, err := f.svc.ClosePosition(context.Background(), "intruder", open.Position.ID, dp("1.10"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.ClosePosition(context.Background(), "u1", "no-such-position", dp("1.10"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConcurrentPlacementNeverOverReserves(t *testing.T) {
	f := newFixture(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.PlacePosition(context.Background(), PlaceRequest{
				UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideBuy, Volume: d("1"), EntryPrice: dp("1.10"),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if errors.Is(err, apperr.ErrInsufficientMargin) {
				rejected++
			}
		}()
	}
	wg.Wait()

	// 20 lots at 220 plus 10 lots at 550
	assert.Equal(t, 30, succeeded)
	assert.Equal(t, 30, rejected)
	st := f.state(t)
	assert.True(t, d("9900").Equal(st.Margin), "got %s", st.Margin)
	assert.False(t, st.FreeMargin.IsNegative())
	assertFreeMargin(t, st)
}

func TestListOpenRevaluesPositions(t *testing.T) {
	f := newFixture(t)
	f.place(t, types.OrderSideBuy, "1", "1.10")
	f.place(t, types.OrderSideSell, "1", "1.10")
	f.quotes.set("1.105", "1.106")

	list, err := f.svc.ListOpen(context.Background(), "u1", "", "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, p := range list {
		if p.Side == types.OrderSideBuy {
			assert.True(t, d("1.105").Equal(p.CurrentPrice))
			assert.True(t, d("500").Equal(p.Profit), "got %s", p.Profit)
		} else {
			assert.True(t, d("1.106").Equal(p.CurrentPrice))
			assert.True(t, d("-600").Equal(p.Profit), "got %s", p.Profit)
		}
	}

	// a failing quote keeps the last stored valuation
	f.quotes.err = apperr.Unavailable(errors.New("down"), "down")
	again, err := f.svc.ListOpen(context.Background(), "u1", f.acc.ID, types.ModeDemo)
	require.NoError(t, err)
	require.Len(t, again, 2)
	for _, p := range again {
		assert.False(t, p.Profit.IsZero())
	}
}

func TestCloseByScope(t *testing.T) {
	f := newFixture(t)
	f.place(t, types.OrderSideBuy, "1", "1.10")
	f.place(t, types.OrderSideSell, "1", "1.10")
	f.place(t, types.OrderSideSell, "2", "1.10")
	f.quotes.set("1.11", "1.11")

	res, err := f.svc.CloseByScope(context.Background(), "u1", "", "", types.CloseScopeProfit)
	require.NoError(t, err)
	assert.Equal(t, CloseResult{Scope: types.CloseScopeProfit, Total: 1, Closed: 1}, res)

	res, err = f.svc.CloseByScope(context.Background(), "u1", "", "", types.CloseScopeLoss)
	require.NoError(t, err)
	assert.Equal(t, CloseResult{Scope: types.CloseScopeLoss, Total: 2, Closed: 2}, res)

	assert.Equal(t, 0, f.openCount(t))
	st := f.state(t)
	assert.True(t, st.Margin.IsZero())
	// +1000 - 1000 - 2000
	assert.True(t, d("8000").Equal(st.Balance), "got %s", st.Balance)

	_, err = f.svc.CloseByScope(context.Background(), "u1", "", "", "sideways")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestHistoryNewestFirstAndClamped(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 3; i++ {
		open := f.place(t, types.OrderSideBuy, "1", "1.10")
		_, err := f.svc.ClosePosition(context.Background(), "u1", open.Position.ID, dp("1.10"))
		require.NoError(t, err)
		ids = append(ids, open.Position.ID)
	}

	list, err := f.svc.History(context.Background(), "u1", "", "", nil, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)

	all, err := f.svc.History(context.Background(), "u1", "", "", nil, 10000)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPreviewDoesNotWrite(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.Preview(context.Background(), PlaceRequest{
		UserID: "u1", Symbol: "EURUSD", Side: types.OrderSideBuy, Volume: d("25"), EntryPrice: dp("1.10"),
	})
	require.NoError(t, err)
	assert.True(t, d("7150").Equal(p.RequiredMargin))
	assert.Len(t, p.Charges, 2)
	assert.True(t, p.Sufficient)
	assert.True(t, d("10000").Equal(p.FreeMargin))

	err = f.mem.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetAccountStateForUpdate(ctx, f.acc.ID, types.ModeDemo)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, f.openCount(t))
}
