package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	maxAccounts        = 10
	maxNameLength      = 64
	defaultAccountName = "Main"
	defaultColor       = "#3B82F6"
	numberAttempts     = 5
)

// 0 switches the account state back to automatic (tiered) leverage.
var allowedLeverageValues = map[int]struct{}{
	0: {},
	2: {}, 5: {}, 10: {}, 20: {}, 30: {}, 40: {}, 50: {},
	100: {}, 200: {}, 500: {}, 1000: {},
}

func isAllowedLeverage(v int) bool {
	_, ok := allowedLeverageValues[v]
	return ok
}

type Service struct {
	store  store.Store
	ledger *ledger.Service
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(st store.Store, ledgerSvc *ledger.Service, log zerolog.Logger) *Service {
	return &Service{
		store:  st,
		ledger: ledgerSvc,
		log:    log.With().Str("service", "accounts").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Account is a trading account with both of its mode states.
type Account struct {
	model.TradingAccount
	States []model.AccountState `json:"states"`
}

type Summary struct {
	Account       model.TradingAccount `json:"account"`
	Mode          types.Mode           `json:"mode"`
	State         model.AccountState   `json:"state"`
	OpenPositions int                  `json:"open_positions"`
}

type ModeSwitch struct {
	TradingAccountID string          `json:"trading_account_id"`
	Mode             types.Mode      `json:"mode"`
	Balance          decimal.Decimal `json:"balance"`
	Equity           decimal.Decimal `json:"equity"`
}

type TransferRequest struct {
	UserID        string
	FromAccountID string
	ToAccountID   string
	// Mode defaults to the source account's current mode.
	Mode   types.Mode
	Amount decimal.Decimal
}

type TransferResult struct {
	Mode types.Mode      `json:"mode"`
	From decimal.Decimal `json:"from"`
	To   decimal.Decimal `json:"to"`
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", apperr.Validation("name must be at most %d characters", maxNameLength)
	}
	return name, nil
}

func nameTaken(accounts []model.TradingAccount, name, exceptID string) bool {
	for _, acc := range accounts {
		if acc.ID != exceptID && strings.EqualFold(acc.Name, name) {
			return true
		}
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("trading account not found")
	}
	return err
}

// currentMode prefers the stored mode and falls back to the most recently
// active state for rows written before the mode was stored.
func currentMode(acc model.TradingAccount, states []model.AccountState) types.Mode {
	if acc.CurrentMode.Valid() {
		return acc.CurrentMode
	}
	mode := types.ModeDemo
	var latest time.Time
	for _, st := range states {
		if st.LastActiveAt.After(latest) {
			latest = st.LastActiveAt
			mode = st.Mode
		}
	}
	return mode
}

// withNumberRetry reruns fn when an insert collided on the generated account
// number. A unique violation aborts a postgres transaction, so the retry has
// to start a fresh one.
func (s *Service) withNumberRetry(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt < numberAttempts; attempt++ {
		err = s.store.InTx(ctx, fn)
		if !errors.Is(err, store.ErrDuplicate) {
			return err
		}
		s.log.Debug().Int("attempt", attempt+1).Msg("account number collision, retrying")
	}
	return fmt.Errorf("allocate account number: %w", err)
}

// stampModes makes sure both states exist and marks current as the active
// mode: now on its LastActiveAt, the epoch on every other mode.
func (s *Service) stampModes(ctx context.Context, tx store.Tx, tradingAccountID, userID string, current types.Mode) (map[types.Mode]model.AccountState, error) {
	now := s.now()
	out := make(map[types.Mode]model.AccountState, len(types.Modes))
	for _, mode := range types.Modes {
		st, err := s.ledger.GetOrCreate(ctx, tx, tradingAccountID, userID, mode)
		if err != nil {
			return nil, err
		}
		st.LastActiveAt = ledger.Epoch
		if mode == current {
			st.LastActiveAt = now
		}
		st.UpdatedAt = now
		if err := tx.UpdateAccountState(ctx, st); err != nil {
			return nil, fmt.Errorf("stamp account state: %w", err)
		}
		out[mode] = st
	}
	return out, nil
}

func (s *Service) insertAccount(ctx context.Context, tx store.Tx, userID, name, color string, active bool) (model.TradingAccount, error) {
	now := s.now()
	acc := model.TradingAccount{
		UserID:      userID,
		Name:        name,
		Number:      model.NewAccountNumber(),
		Color:       color,
		IsActive:    active,
		CurrentMode: types.ModeDemo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.InsertTradingAccount(ctx, &acc); err != nil {
		return model.TradingAccount{}, err
	}
	if _, err := s.stampModes(ctx, tx, acc.ID, userID, acc.CurrentMode); err != nil {
		return model.TradingAccount{}, err
	}
	return acc, nil
}

// ensureDefault gives a new user a "Main" account and makes sure exactly one
// account is active.
func (s *Service) ensureDefault(ctx context.Context, tx store.Tx, userID string) ([]model.TradingAccount, error) {
	list, err := tx.ListTradingAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list trading accounts: %w", err)
	}
	if len(list) == 0 {
		acc, err := s.insertAccount(ctx, tx, userID, defaultAccountName, defaultColor, true)
		if err != nil {
			return nil, err
		}
		s.log.Info().Str("user_id", userID).Str("trading_account_id", acc.ID).Msg("default trading account created")
		return []model.TradingAccount{acc}, nil
	}
	for _, acc := range list {
		if acc.IsActive {
			return list, nil
		}
	}
	if err := tx.SetActiveTradingAccount(ctx, userID, list[0].ID); err != nil {
		return nil, fmt.Errorf("activate trading account: %w", err)
	}
	list[0].IsActive = true
	return list, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("user_id is required")
	}
	var out []Account
	err := s.withNumberRetry(ctx, func(ctx context.Context, tx store.Tx) error {
		list, err := s.ensureDefault(ctx, tx, userID)
		if err != nil {
			return err
		}
		accounts := make([]Account, 0, len(list))
		for _, acc := range list {
			states, err := tx.ListAccountStates(ctx, acc.ID)
			if err != nil {
				return fmt.Errorf("list account states: %w", err)
			}
			accounts = append(accounts, Account{TradingAccount: acc, States: states})
		}
		out = accounts
		return nil
	})
	return out, err
}

// Create adds an inactive trading account with a live and a demo state. A
// user's first account is created active and no default account is added.
func (s *Service) Create(ctx context.Context, userID, name, color string) (Account, error) {
	if strings.TrimSpace(userID) == "" {
		return Account{}, apperr.Validation("user_id is required")
	}
	name, err := normalizeName(name)
	if err != nil {
		return Account{}, err
	}
	color = strings.TrimSpace(color)
	if color == "" {
		color = defaultColor
	}
	if len(color) > 16 {
		return Account{}, apperr.Validation("color is too long")
	}

	var out Account
	err = s.withNumberRetry(ctx, func(ctx context.Context, tx store.Tx) error {
		list, err := tx.ListTradingAccounts(ctx, userID)
		if err != nil {
			return fmt.Errorf("list trading accounts: %w", err)
		}
		// a user's first account takes the place of the implicit default
		first := len(list) == 0
		if !first {
			if list, err = s.ensureDefault(ctx, tx, userID); err != nil {
				return err
			}
		}
		if len(list) >= maxAccounts {
			return apperr.Validation("at most %d trading accounts are allowed", maxAccounts)
		}
		if nameTaken(list, name, "") {
			return apperr.Validation("an account named %q already exists", name)
		}
		acc, err := s.insertAccount(ctx, tx, userID, name, color, first)
		if err != nil {
			return err
		}
		states, err := tx.ListAccountStates(ctx, acc.ID)
		if err != nil {
			return fmt.Errorf("list account states: %w", err)
		}
		out = Account{TradingAccount: acc, States: states}
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.log.Info().Str("user_id", userID).Str("trading_account_id", out.ID).Str("number", out.Number).Msg("trading account created")
	return out, nil
}

func (s *Service) summary(ctx context.Context, tx store.Tx, acc model.TradingAccount) (Summary, error) {
	states, err := tx.ListAccountStates(ctx, acc.ID)
	if err != nil {
		return Summary{}, fmt.Errorf("list account states: %w", err)
	}
	mode := currentMode(acc, states)
	st, err := s.ledger.GetOrCreate(ctx, tx, acc.ID, acc.UserID, mode)
	if err != nil {
		return Summary{}, err
	}
	open, err := tx.CountOpenPositions(ctx, acc.ID, mode)
	if err != nil {
		return Summary{}, fmt.Errorf("count open positions: %w", err)
	}
	return Summary{Account: acc, Mode: mode, State: st, OpenPositions: open}, nil
}

func (s *Service) Summary(ctx context.Context, userID, tradingAccountID string) (Summary, error) {
	var out Summary
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.GetTradingAccount(ctx, userID, tradingAccountID)
		if err != nil {
			return notFound(err)
		}
		sum, err := s.summary(ctx, tx, acc)
		if err != nil {
			return err
		}
		out = sum
		return nil
	})
	return out, err
}

// SetActive makes the account the user's only active one.
func (s *Service) SetActive(ctx context.Context, userID, tradingAccountID string) (Summary, error) {
	if strings.TrimSpace(tradingAccountID) == "" {
		return Summary{}, apperr.Validation("account_id is required")
	}
	var out Summary
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.GetTradingAccount(ctx, userID, tradingAccountID)
		if err != nil {
			return notFound(err)
		}
		if err := tx.SetActiveTradingAccount(ctx, userID, acc.ID); err != nil {
			return notFound(err)
		}
		acc.IsActive = true
		sum, err := s.summary(ctx, tx, acc)
		if err != nil {
			return err
		}
		out = sum
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	s.log.Info().Str("user_id", userID).Str("trading_account_id", tradingAccountID).Msg("active trading account switched")
	return out, nil
}

func (s *Service) SwitchMode(ctx context.Context, userID, tradingAccountID string, mode types.Mode) (ModeSwitch, error) {
	if !mode.Valid() {
		return ModeSwitch{}, apperr.Validation("mode must be live or demo")
	}
	var (
		out    ModeSwitch
		target model.AccountState
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.GetTradingAccount(ctx, userID, tradingAccountID)
		if err != nil {
			return notFound(err)
		}
		states, err := s.stampModes(ctx, tx, acc.ID, userID, mode)
		if err != nil {
			return err
		}
		acc.CurrentMode = mode
		acc.UpdatedAt = s.now()
		if err := tx.UpdateTradingAccount(ctx, acc); err != nil {
			return notFound(err)
		}
		target = states[mode]
		out = ModeSwitch{TradingAccountID: acc.ID, Mode: mode, Balance: target.Balance, Equity: target.Equity}
		return nil
	})
	if err != nil {
		return ModeSwitch{}, err
	}
	s.ledger.Publish(target)
	return out, nil
}

// Delete removes an account that is not the user's last one and holds no
// open positions. Deleting the active account activates the oldest remaining one.
func (s *Service) Delete(ctx context.Context, userID, tradingAccountID string) error {
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		list, err := tx.ListTradingAccounts(ctx, userID)
		if err != nil {
			return fmt.Errorf("list trading accounts: %w", err)
		}
		var target *model.TradingAccount
		for i := range list {
			if list[i].ID == tradingAccountID {
				target = &list[i]
				break
			}
		}
		if target == nil {
			return apperr.NotFound("trading account not found")
		}
		if len(list) == 1 {
			return apperr.InvalidState("cannot delete the only trading account")
		}
		open, err := tx.CountOpenPositions(ctx, target.ID, "")
		if err != nil {
			return fmt.Errorf("count open positions: %w", err)
		}
		if open > 0 {
			return apperr.InvalidState("close all %d open positions before deleting the account", open)
		}
		if err := tx.DeleteTradingAccount(ctx, userID, target.ID); err != nil {
			return notFound(err)
		}
		if !target.IsActive {
			return nil
		}
		for _, acc := range list {
			if acc.ID != target.ID {
				return tx.SetActiveTradingAccount(ctx, userID, acc.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID).Str("trading_account_id", tradingAccountID).Msg("trading account deleted")
	return nil
}

// Transfer moves free margin between two of the user's accounts in one mode.
// Both state rows change in one transaction or not at all.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if req.FromAccountID == "" || req.ToAccountID == "" {
		return TransferResult{}, apperr.Transfer(apperr.KindValidation, "from and to accounts are required")
	}
	if req.FromAccountID == req.ToAccountID {
		return TransferResult{}, apperr.Transfer(apperr.KindValidation, "cannot transfer to the same account")
	}
	if !req.Amount.GreaterThan(decimal.Zero) {
		return TransferResult{}, apperr.Transfer(apperr.KindValidation, "amount must be positive")
	}
	if req.Mode != "" && !req.Mode.Valid() {
		return TransferResult{}, apperr.Transfer(apperr.KindValidation, "mode must be live or demo")
	}

	var (
		out      TransferResult
		from, to model.AccountState
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		src, err := tx.GetTradingAccount(ctx, req.UserID, req.FromAccountID)
		if err != nil {
			return notFound(err)
		}
		dst, err := tx.GetTradingAccount(ctx, req.UserID, req.ToAccountID)
		if err != nil {
			return notFound(err)
		}
		mode := req.Mode
		if mode == "" {
			mode = currentMode(src, nil)
		}

		// lock both rows in id order
		first, second := src.ID, dst.ID
		if second < first {
			first, second = second, first
		}
		for _, id := range []string{first, second} {
			if _, err := s.ledger.GetOrCreate(ctx, tx, id, req.UserID, mode); err != nil {
				return err
			}
		}

		srcState, err := tx.GetAccountStateForUpdate(ctx, src.ID, mode)
		if err != nil {
			return fmt.Errorf("load source state: %w", err)
		}
		if req.Amount.GreaterThan(srcState.FreeMargin) {
			return apperr.Transfer(apperr.KindInsufficientMargin, "amount %s exceeds free margin %s", req.Amount.StringFixed(2), srcState.FreeMargin.StringFixed(2))
		}

		from, err = s.ledger.Apply(ctx, tx, src.ID, req.UserID, mode, ledger.AdjustBalance(req.Amount.Neg()))
		if err != nil {
			return err
		}
		to, err = s.ledger.Apply(ctx, tx, dst.ID, req.UserID, mode, ledger.AdjustBalance(req.Amount))
		if err != nil {
			return err
		}
		out = TransferResult{Mode: mode, From: from.Balance, To: to.Balance}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.log.Info().
		Str("user_id", req.UserID).
		Str("from", req.FromAccountID).
		Str("to", req.ToAccountID).
		Str("mode", string(out.Mode)).
		Str("amount", req.Amount.String()).
		Msg("transfer completed")
	s.ledger.Publish(from, to)
	return out, nil
}

func (s *Service) Rename(ctx context.Context, userID, tradingAccountID, name string) (model.TradingAccount, error) {
	name, err := normalizeName(name)
	if err != nil {
		return model.TradingAccount{}, err
	}
	var out model.TradingAccount
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.GetTradingAccount(ctx, userID, tradingAccountID)
		if err != nil {
			return notFound(err)
		}
		list, err := tx.ListTradingAccounts(ctx, userID)
		if err != nil {
			return fmt.Errorf("list trading accounts: %w", err)
		}
		if nameTaken(list, name, acc.ID) {
			return apperr.Validation("an account named %q already exists", name)
		}
		acc.Name = name
		acc.UpdatedAt = s.now()
		if err := tx.UpdateTradingAccount(ctx, acc); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Validation("an account named %q already exists", name)
			}
			return notFound(err)
		}
		out = acc
		return nil
	})
	return out, err
}

// UpdateLeverage sets a fixed leverage cap on one mode's state, or turns
// automatic leverage back on with 0. Not allowed while positions are open.
func (s *Service) UpdateLeverage(ctx context.Context, userID, tradingAccountID string, mode types.Mode, leverage int) (model.AccountState, error) {
	if !isAllowedLeverage(leverage) {
		return model.AccountState{}, apperr.Validation("leverage %d is not allowed", leverage)
	}
	if mode != "" && !mode.Valid() {
		return model.AccountState{}, apperr.Validation("mode must be live or demo")
	}
	var out model.AccountState
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.GetTradingAccount(ctx, userID, tradingAccountID)
		if err != nil {
			return notFound(err)
		}
		m := mode
		if m == "" {
			m = currentMode(acc, nil)
		}
		open, err := tx.CountOpenPositions(ctx, acc.ID, m)
		if err != nil {
			return fmt.Errorf("count open positions: %w", err)
		}
		if open > 0 {
			return apperr.InvalidState("close open positions before changing leverage")
		}
		st, err := s.ledger.GetOrCreate(ctx, tx, acc.ID, userID, m)
		if err != nil {
			return err
		}
		if leverage == 0 {
			st.IsAutoLeverage = true
			st.Leverage = ledger.DefaultLeverage
		} else {
			st.IsAutoLeverage = false
			st.Leverage = leverage
		}
		st.UpdatedAt = s.now()
		if err := tx.UpdateAccountState(ctx, st); err != nil {
			return fmt.Errorf("update account state: %w", err)
		}
		out = st
		return nil
	})
	if err != nil {
		return model.AccountState{}, err
	}
	s.ledger.Publish(out)
	return out, nil
}
