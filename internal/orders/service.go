package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/instruments"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/margin"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	minVolume = decimal.New(1, -2)
	maxVolume = decimal.NewFromInt(1000)
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (marketdata.Quote, error)
}

// Service owns the open/close lifecycle of positions and the margin they
// hold on their account state.
type Service struct {
	store   store.Store
	ledger  *ledger.Service
	calc    *margin.Calculator
	quotes  QuoteSource
	catalog *instruments.Catalog
	log     zerolog.Logger
	now     func() time.Time
}

func NewService(st store.Store, ledgerSvc *ledger.Service, calc *margin.Calculator, quotes QuoteSource, catalog *instruments.Catalog, log zerolog.Logger) *Service {
	if calc == nil {
		calc = margin.NewCalculator(nil)
	}
	return &Service{
		store:   st,
		ledger:  ledgerSvc,
		calc:    calc,
		quotes:  quotes,
		catalog: catalog,
		log:     log.With().Str("service", "orders").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type PlaceRequest struct {
	UserID           string
	TradingAccountID string
	// Mode defaults to the trading account's current mode.
	Mode       types.Mode
	Symbol     string
	Side       types.OrderSide
	Volume     decimal.Decimal
	EntryPrice *decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

type Result struct {
	Position model.Position     `json:"position"`
	Account  model.AccountState `json:"account"`
}

type CloseResult struct {
	Scope  types.CloseScope `json:"scope"`
	Total  int              `json:"total"`
	Closed int              `json:"closed"`
	Failed int              `json:"failed"`
}

type Preview struct {
	Symbol         string          `json:"symbol"`
	Category       types.Category  `json:"category"`
	ContractSize   decimal.Decimal `json:"contract_size"`
	Price          decimal.Decimal `json:"price"`
	ExistingVolume decimal.Decimal `json:"existing_volume"`
	RequiredMargin decimal.Decimal `json:"required_margin"`
	Charges        []margin.Charge `json:"charges"`
	FreeMargin     decimal.Decimal `json:"free_margin"`
	Sufficient     bool            `json:"sufficient"`
}

func (s *Service) Quote(ctx context.Context, symbol string) (marketdata.Quote, error) {
	if s.quotes == nil {
		return marketdata.Quote{}, apperr.Unavailable(marketdata.ErrNoQuote, "quote provider is not configured")
	}
	return s.quotes.Quote(ctx, symbol)
}

// entryPrice is what a market order fills at: the ask for buys, the bid for sells.
func entryPrice(q marketdata.Quote, side types.OrderSide) decimal.Decimal {
	if side == types.OrderSideBuy {
		return q.Ask
	}
	return q.Bid
}

// exitPrice is what closing a position fills at, the opposite side of entryPrice.
func exitPrice(q marketdata.Quote, side types.OrderSide) decimal.Decimal {
	if side == types.OrderSideBuy {
		return q.Bid
	}
	return q.Ask
}

func (s *Service) validatePlace(req *PlaceRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return apperr.Validation("user_id is required")
	}
	req.Symbol = instruments.NormalizeSymbol(req.Symbol)
	if req.Symbol == "" {
		return apperr.Validation("symbol is required")
	}
	if req.Side != types.OrderSideBuy && req.Side != types.OrderSideSell {
		return apperr.Validation("side must be buy or sell")
	}
	if req.Mode != "" && !req.Mode.Valid() {
		return apperr.Validation("mode must be live or demo")
	}
	if req.Volume.LessThan(minVolume) {
		return apperr.Validation("volume must be at least %s lots", minVolume)
	}
	if req.Volume.GreaterThan(maxVolume) {
		return apperr.Validation("volume must be at most %s lots", maxVolume)
	}
	if req.EntryPrice != nil && !req.EntryPrice.GreaterThan(decimal.Zero) {
		return apperr.Validation("entry price must be positive")
	}
	if req.StopLoss != nil && !req.StopLoss.GreaterThan(decimal.Zero) {
		return apperr.Validation("stop loss must be positive")
	}
	if req.TakeProfit != nil && !req.TakeProfit.GreaterThan(decimal.Zero) {
		return apperr.Validation("take profit must be positive")
	}
	return nil
}

// validateStops checks buy: stopLoss < entry < takeProfit, sell: takeProfit < entry < stopLoss.
func validateStops(side types.OrderSide, entry decimal.Decimal, stopLoss, takeProfit *decimal.Decimal) error {
	if side == types.OrderSideBuy {
		if stopLoss != nil && !stopLoss.LessThan(entry) {
			return apperr.Validation("stop loss must be below entry price for buy positions")
		}
		if takeProfit != nil && !takeProfit.GreaterThan(entry) {
			return apperr.Validation("take profit must be above entry price for buy positions")
		}
		return nil
	}
	if stopLoss != nil && !stopLoss.GreaterThan(entry) {
		return apperr.Validation("stop loss must be above entry price for sell positions")
	}
	if takeProfit != nil && !takeProfit.LessThan(entry) {
		return apperr.Validation("take profit must be below entry price for sell positions")
	}
	return nil
}

// resolveAccount loads the referenced account, or the user's active one when
// no id is given.
func resolveAccount(ctx context.Context, tx store.Tx, userID, tradingAccountID string) (model.TradingAccount, error) {
	if tradingAccountID != "" {
		acc, err := tx.GetTradingAccount(ctx, userID, tradingAccountID)
		if errors.Is(err, store.ErrNotFound) {
			return model.TradingAccount{}, apperr.NotFound("trading account not found")
		}
		return acc, err
	}
	list, err := tx.ListTradingAccounts(ctx, userID)
	if err != nil {
		return model.TradingAccount{}, err
	}
	for _, acc := range list {
		if acc.IsActive {
			return acc, nil
		}
	}
	return model.TradingAccount{}, apperr.NotFound("no active trading account")
}

func modeOrCurrent(mode types.Mode, acc model.TradingAccount) types.Mode {
	if mode != "" {
		return mode
	}
	if acc.CurrentMode.Valid() {
		return acc.CurrentMode
	}
	return types.ModeDemo
}

func leverageCap(st model.AccountState) int {
	if st.IsAutoLeverage {
		return 0
	}
	return st.Leverage
}

// PlacePosition opens a position after reserving its banded margin on the
// account state. Nothing is written when any check fails.
func (s *Service) PlacePosition(ctx context.Context, req PlaceRequest) (Result, error) {
	if err := s.validatePlace(&req); err != nil {
		return Result{}, err
	}
	inst := s.catalog.Resolve(ctx, req.Symbol)

	price := decimal.Zero
	if req.EntryPrice != nil {
		price = *req.EntryPrice
	} else {
		q, err := s.Quote(ctx, req.Symbol)
		if err != nil {
			return Result{}, err
		}
		price = entryPrice(q, req.Side)
	}
	if err := validateStops(req.Side, price, req.StopLoss, req.TakeProfit); err != nil {
		return Result{}, err
	}

	var out Result
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := resolveAccount(ctx, tx, req.UserID, req.TradingAccountID)
		if err != nil {
			return err
		}
		mode := modeOrCurrent(req.Mode, acc)

		st, err := s.ledger.GetOrCreate(ctx, tx, acc.ID, req.UserID, mode)
		if err != nil {
			return err
		}
		existing, err := tx.SumOpenVolume(ctx, req.UserID, mode, inst.Symbol)
		if err != nil {
			return fmt.Errorf("sum open volume: %w", err)
		}
		required, err := s.calc.Required(margin.Input{
			Category:       inst.Category,
			NewVolume:      req.Volume,
			ExistingVolume: existing,
			Price:          price,
			ContractSize:   inst.ContractSize,
			LeverageCap:    leverageCap(st),
		})
		if err != nil {
			return err
		}
		if required.GreaterThan(st.FreeMargin) {
			return apperr.InsufficientMargin("required margin %s exceeds free margin %s", required.StringFixed(2), st.FreeMargin.StringFixed(2))
		}

		pos := model.Position{
			UserID:           req.UserID,
			TradingAccountID: acc.ID,
			AccountStateID:   st.ID,
			Mode:             mode,
			Symbol:           inst.Symbol,
			Category:         inst.Category,
			Side:             req.Side,
			Volume:           req.Volume,
			ContractSize:     inst.ContractSize,
			EntryPrice:       price,
			CurrentPrice:     price,
			StopLoss:         req.StopLoss,
			TakeProfit:       req.TakeProfit,
			ReservedMargin:   required,
			Status:           types.PositionStatusOpen,
			Profit:           decimal.Zero,
			OpenedAt:         s.now(),
		}
		if err := tx.InsertPosition(ctx, &pos); err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
		updated, err := s.ledger.Apply(ctx, tx, acc.ID, req.UserID, mode, ledger.ReserveMargin(required))
		if err != nil {
			return err
		}
		out = Result{Position: pos, Account: updated}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.log.Info().
		Str("user_id", req.UserID).
		Str("position_id", out.Position.ID).
		Str("symbol", out.Position.Symbol).
		Str("side", string(out.Position.Side)).
		Str("volume", out.Position.Volume.String()).
		Str("margin", out.Position.ReservedMargin.String()).
		Msg("position opened")
	s.ledger.Publish(out.Account)
	return out, nil
}

// ClosePosition closes an open position at closePrice, or at the current
// quote when closePrice is nil, and releases its margin exactly once.
func (s *Service) ClosePosition(ctx context.Context, userID, positionID string, closePrice *decimal.Decimal) (Result, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(positionID) == "" {
		return Result{}, apperr.Validation("user_id and position id are required")
	}
	if closePrice != nil && !closePrice.GreaterThan(decimal.Zero) {
		return Result{}, apperr.Validation("close price must be positive")
	}

	price := decimal.Zero
	if closePrice != nil {
		price = *closePrice
	} else {
		pos, err := s.lookupOpen(ctx, userID, positionID)
		if err != nil {
			return Result{}, err
		}
		q, err := s.Quote(ctx, pos.Symbol)
		if err != nil {
			return Result{}, err
		}
		price = exitPrice(q, pos.Side)
	}

	var out Result
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pos, err := tx.GetPositionForUpdate(ctx, positionID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && pos.UserID != userID) {
			return apperr.NotFound("position not found")
		}
		if err != nil {
			return fmt.Errorf("load position: %w", err)
		}
		if pos.Status != types.PositionStatusOpen {
			return apperr.InvalidState("position is already closed")
		}

		closedAt := s.now()
		pos.Profit = pos.ProfitAt(price)
		pos.CurrentPrice = price
		pos.ClosePrice = &price
		pos.ClosedAt = &closedAt
		pos.Status = types.PositionStatusClosed
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return fmt.Errorf("update position: %w", err)
		}
		updated, err := s.ledger.Apply(ctx, tx, pos.TradingAccountID, userID, pos.Mode, ledger.ReleaseMargin(pos.ReservedMargin, pos.Profit))
		if err != nil {
			return err
		}
		out = Result{Position: pos, Account: updated}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.log.Info().
		Str("user_id", userID).
		Str("position_id", positionID).
		Str("close_price", price.String()).
		Str("profit", out.Position.Profit.String()).
		Msg("position closed")
	s.ledger.Publish(out.Account)
	return out, nil
}

func (s *Service) lookupOpen(ctx context.Context, userID, positionID string) (model.Position, error) {
	var pos model.Position
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPositionForUpdate(ctx, positionID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && p.UserID != userID) {
			return apperr.NotFound("position not found")
		}
		if err != nil {
			return fmt.Errorf("load position: %w", err)
		}
		if p.Status != types.PositionStatusOpen {
			return apperr.InvalidState("position is already closed")
		}
		pos = p
		return nil
	})
	return pos, err
}

func (s *Service) listPositions(ctx context.Context, userID, tradingAccountID string, mode types.Mode, status types.PositionStatus, before *time.Time, limit int) ([]model.Position, error) {
	var out []model.Position
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := resolveAccount(ctx, tx, userID, tradingAccountID)
		if err != nil {
			return err
		}
		list, err := tx.ListPositions(ctx, store.PositionFilter{
			UserID:           userID,
			TradingAccountID: acc.ID,
			Mode:             modeOrCurrent(mode, acc),
			Status:           status,
			ClosedBefore:     before,
			Limit:            limit,
		})
		if err != nil {
			return fmt.Errorf("list positions: %w", err)
		}
		out = list
		return nil
	})
	return out, err
}

// ListOpen returns the open positions of an account re-valued at the current
// quote. Only currentPrice and profit are refreshed; a symbol whose quote
// fails keeps its last values.
func (s *Service) ListOpen(ctx context.Context, userID, tradingAccountID string, mode types.Mode) ([]model.Position, error) {
	positions, err := s.listPositions(ctx, userID, tradingAccountID, mode, types.PositionStatusOpen, nil, 0)
	if err != nil {
		return nil, err
	}

	quotes := make(map[string]marketdata.Quote)
	failed := make(map[string]bool)
	changed := make([]model.Position, 0, len(positions))
	for i := range positions {
		p := &positions[i]
		if failed[p.Symbol] {
			continue
		}
		q, ok := quotes[p.Symbol]
		if !ok {
			fetched, err := s.Quote(ctx, p.Symbol)
			if err != nil {
				s.log.Debug().Err(err).Str("symbol", p.Symbol).Msg("skipping revaluation")
				failed[p.Symbol] = true
				continue
			}
			q = fetched
			quotes[p.Symbol] = q
		}
		mark := exitPrice(q, p.Side)
		p.CurrentPrice = mark
		p.Profit = p.ProfitAt(mark)
		changed = append(changed, *p)
	}
	if len(changed) == 0 {
		return positions, nil
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, p := range changed {
			cur, err := tx.GetPositionForUpdate(ctx, p.ID)
			if err != nil {
				return err
			}
			if cur.Status != types.PositionStatusOpen {
				continue
			}
			cur.CurrentPrice = p.CurrentPrice
			cur.Profit = p.Profit
			if err := tx.UpdatePosition(ctx, cur); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The valuation itself is still correct for display.
		s.log.Warn().Err(err).Str("user_id", userID).Msg("persisting revaluation failed")
	}
	return positions, nil
}

// History lists closed positions newest first.
func (s *Service) History(ctx context.Context, userID, tradingAccountID string, mode types.Mode, before *time.Time, limit int) ([]model.Position, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.listPositions(ctx, userID, tradingAccountID, mode, types.PositionStatusClosed, before, limit)
}

// CloseByScope closes every open position of the account selected by scope
// at the current quote. Each position closes in its own transaction.
func (s *Service) CloseByScope(ctx context.Context, userID, tradingAccountID string, mode types.Mode, scope types.CloseScope) (CloseResult, error) {
	switch scope {
	case "":
		scope = types.CloseScopeAll
	case types.CloseScopeAll, types.CloseScopeProfit, types.CloseScopeLoss:
	default:
		return CloseResult{}, apperr.Validation("invalid close scope; allowed: all, profit, loss")
	}

	positions, err := s.ListOpen(ctx, userID, tradingAccountID, mode)
	if err != nil {
		return CloseResult{}, err
	}

	res := CloseResult{Scope: scope}
	for _, p := range positions {
		switch {
		case scope == types.CloseScopeProfit && !p.Profit.GreaterThan(decimal.Zero):
			continue
		case scope == types.CloseScopeLoss && !p.Profit.LessThan(decimal.Zero):
			continue
		}
		res.Total++
		if _, err := s.ClosePosition(ctx, userID, p.ID, nil); err != nil {
			s.log.Warn().Err(err).Str("position_id", p.ID).Msg("bulk close failed")
			res.Failed++
			continue
		}
		res.Closed++
	}
	return res, nil
}

// Preview computes the margin a new position would reserve without writing anything.
func (s *Service) Preview(ctx context.Context, req PlaceRequest) (Preview, error) {
	if err := s.validatePlace(&req); err != nil {
		return Preview{}, err
	}
	inst := s.catalog.Resolve(ctx, req.Symbol)

	price := decimal.Zero
	if req.EntryPrice != nil {
		price = *req.EntryPrice
	} else {
		q, err := s.Quote(ctx, req.Symbol)
		if err != nil {
			return Preview{}, err
		}
		price = entryPrice(q, req.Side)
	}

	var out Preview
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := resolveAccount(ctx, tx, req.UserID, req.TradingAccountID)
		if err != nil {
			return err
		}
		mode := modeOrCurrent(req.Mode, acc)
		st, err := tx.GetAccountStateForUpdate(ctx, acc.ID, mode)
		if errors.Is(err, store.ErrNotFound) {
			st = ledger.DefaultState(acc.ID, req.UserID, mode)
		} else if err != nil {
			return fmt.Errorf("load account state: %w", err)
		}
		existing, err := tx.SumOpenVolume(ctx, req.UserID, mode, inst.Symbol)
		if err != nil {
			return fmt.Errorf("sum open volume: %w", err)
		}
		res, err := s.calc.Calculate(margin.Input{
			Category:       inst.Category,
			NewVolume:      req.Volume,
			ExistingVolume: existing,
			Price:          price,
			ContractSize:   inst.ContractSize,
			LeverageCap:    leverageCap(st),
		})
		if err != nil {
			return err
		}
		out = Preview{
			Symbol:         inst.Symbol,
			Category:       inst.Category,
			ContractSize:   inst.ContractSize,
			Price:          price,
			ExistingVolume: existing,
			RequiredMargin: res.Total,
			Charges:        res.Charges,
			FreeMargin:     st.FreeMargin,
			Sufficient:     !res.Total.GreaterThan(st.FreeMargin),
		}
		return nil
	})
	return out, err
}
