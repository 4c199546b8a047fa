package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	DefaultLeverage = 500
	DefaultCurrency = "USD"
)

var demoStartingBalance = decimal.NewFromInt(10000)

// Epoch marks a mode that is not the account's current one.
var Epoch = time.Unix(0, 0).UTC()

type Publisher interface {
	Publish(evt marketdata.Event)
}

// Service owns the per (trading account, mode) financial state. Mutations
// happen only through Apply and always end with a recompute of the derived
// fields.
type Service struct {
	store store.Store
	bus   Publisher
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(st store.Store, bus Publisher, log zerolog.Logger) *Service {
	return &Service{
		store: st,
		bus:   bus,
		log:   log.With().Str("service", "ledger").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// DefaultState is the state a mode starts with: 0 for live, 10,000 for demo.
func DefaultState(tradingAccountID, userID string, mode types.Mode) model.AccountState {
	balance := decimal.Zero
	if mode == types.ModeDemo {
		balance = demoStartingBalance
	}
	st := model.AccountState{
		TradingAccountID: tradingAccountID,
		UserID:           userID,
		Mode:             mode,
		Balance:          balance,
		Equity:           balance,
		Margin:           decimal.Zero,
		Leverage:         DefaultLeverage,
		IsAutoLeverage:   true,
		Currency:         DefaultCurrency,
		LastActiveAt:     Epoch,
	}
	st.Recompute()
	return st
}

// GetOrCreate returns the locked state row for (tradingAccountID, mode),
// inserting the mode default when it does not exist yet.
func (s *Service) GetOrCreate(ctx context.Context, tx store.Tx, tradingAccountID, userID string, mode types.Mode) (model.AccountState, error) {
	if !mode.Valid() {
		return model.AccountState{}, apperr.Validation("mode must be live or demo")
	}
	st, err := tx.GetAccountStateForUpdate(ctx, tradingAccountID, mode)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.AccountState{}, fmt.Errorf("load account state: %w", err)
	}

	st = DefaultState(tradingAccountID, userID, mode)
	st.UpdatedAt = s.now()
	if err := tx.InsertAccountState(ctx, &st); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.AccountState{}, apperr.NotFound("trading account not found")
		}
		if errors.Is(err, store.ErrDuplicate) {
			return tx.GetAccountStateForUpdate(ctx, tradingAccountID, mode)
		}
		return model.AccountState{}, fmt.Errorf("create account state: %w", err)
	}
	s.log.Debug().Str("trading_account_id", tradingAccountID).Str("mode", string(mode)).Msg("account state created")
	return st, nil
}

// Mutator changes balance, equity or margin of one state. Derived fields are
// left to Apply.
type Mutator func(st *model.AccountState) error

func ReserveMargin(amount decimal.Decimal) Mutator {
	return func(st *model.AccountState) error {
		if amount.LessThan(decimal.Zero) {
			return apperr.Validation("margin to reserve must not be negative")
		}
		st.Margin = st.Margin.Add(amount)
		return nil
	}
}

// ReleaseMargin returns reserved margin of a closed position and realizes its profit.
func ReleaseMargin(reserved, profit decimal.Decimal) Mutator {
	return func(st *model.AccountState) error {
		if reserved.LessThan(decimal.Zero) {
			return apperr.Validation("margin to release must not be negative")
		}
		if reserved.GreaterThan(st.Margin) {
			return apperr.InvalidState("releasing %s exceeds reserved margin %s", reserved, st.Margin)
		}
		st.Balance = st.Balance.Add(profit)
		st.Margin = st.Margin.Sub(reserved)
		st.Equity = st.Balance
		return nil
	}
}

func AdjustBalance(delta decimal.Decimal) Mutator {
	return func(st *model.AccountState) error {
		st.Balance = st.Balance.Add(delta)
		st.Equity = st.Equity.Add(delta)
		return nil
	}
}

// Apply loads (or creates) the state, runs the mutators in order, recomputes
// free margin and margin level, and writes the row back.
func (s *Service) Apply(ctx context.Context, tx store.Tx, tradingAccountID, userID string, mode types.Mode, mutators ...Mutator) (model.AccountState, error) {
	st, err := s.GetOrCreate(ctx, tx, tradingAccountID, userID, mode)
	if err != nil {
		return model.AccountState{}, err
	}
	for _, m := range mutators {
		if err := m(&st); err != nil {
			return model.AccountState{}, err
		}
	}
	st.Recompute()
	st.UpdatedAt = s.now()
	if err := tx.UpdateAccountState(ctx, st); err != nil {
		return model.AccountState{}, fmt.Errorf("update account state: %w", err)
	}
	return st, nil
}

// Publish announces committed states to the owner's stream.
func (s *Service) Publish(states ...model.AccountState) {
	if s.bus == nil {
		return
	}
	for _, st := range states {
		s.bus.Publish(marketdata.Event{Type: marketdata.EventAccountState, UserID: st.UserID, Data: st})
	}
}

type DepositRequest struct {
	UserID           string          `json:"user_id"`
	TradingAccountID string          `json:"trading_account_id"`
	Mode             string          `json:"mode"`
	Amount           decimal.Decimal `json:"amount"`
	Reference        string          `json:"reference"`
}

// Deposit credits funds from outside the engine, e.g. a confirmed live
// payment or a demo top-up.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (model.AccountState, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.TradingAccountID) == "" {
		return model.AccountState{}, apperr.Validation("user_id and trading_account_id are required")
	}
	mode, ok := types.ParseMode(req.Mode)
	if !ok {
		return model.AccountState{}, apperr.Validation("mode must be live or demo")
	}
	if !req.Amount.GreaterThan(decimal.Zero) {
		return model.AccountState{}, apperr.Validation("amount must be positive")
	}

	var out model.AccountState
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetTradingAccount(ctx, req.UserID, req.TradingAccountID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("trading account not found")
			}
			return err
		}
		st, err := s.Apply(ctx, tx, req.TradingAccountID, req.UserID, mode, AdjustBalance(req.Amount))
		if err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return model.AccountState{}, err
	}
	s.log.Info().
		Str("user_id", req.UserID).
		Str("trading_account_id", req.TradingAccountID).
		Str("mode", string(mode)).
		Str("amount", req.Amount.String()).
		Str("reference", req.Reference).
		Msg("deposit applied")
	s.Publish(out)
	return out, nil
}
