// Package store declares the persistence contract shared by the memory and
// postgres implementations.
package store

import (
	"context"
	"errors"
	"time"

	"lv-marginbook/internal/model"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Store runs fn inside one transaction. Every write made through tx becomes
// visible together when fn returns nil and none of them otherwise.
// fn may run more than once when the database asks for a retry, so it must
// not keep results from an earlier attempt.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type PositionFilter struct {
	UserID           string
	TradingAccountID string
	Mode             types.Mode
	Symbol           string
	Status           types.PositionStatus
	ClosedBefore     *time.Time
	Limit            int
}

type Tx interface {
	InsertTradingAccount(ctx context.Context, acc *model.TradingAccount) error
	GetTradingAccount(ctx context.Context, userID, id string) (model.TradingAccount, error)
	ListTradingAccounts(ctx context.Context, userID string) ([]model.TradingAccount, error)
	UpdateTradingAccount(ctx context.Context, acc model.TradingAccount) error
	// SetActiveTradingAccount clears is_active on every account of the user and sets it on id.
	SetActiveTradingAccount(ctx context.Context, userID, id string) error
	DeleteTradingAccount(ctx context.Context, userID, id string) error

	// GetAccountStateForUpdate returns the state row and holds it locked until the transaction ends.
	GetAccountStateForUpdate(ctx context.Context, tradingAccountID string, mode types.Mode) (model.AccountState, error)
	ListAccountStates(ctx context.Context, tradingAccountID string) ([]model.AccountState, error)
	// InsertAccountState returns ErrDuplicate when the (account, mode) row
	// already exists and leaves the transaction usable.
	InsertAccountState(ctx context.Context, state *model.AccountState) error
	UpdateAccountState(ctx context.Context, state model.AccountState) error

	InsertPosition(ctx context.Context, p *model.Position) error
	GetPositionForUpdate(ctx context.Context, id string) (model.Position, error)
	UpdatePosition(ctx context.Context, p model.Position) error
	ListPositions(ctx context.Context, filter PositionFilter) ([]model.Position, error)
	// SumOpenVolume totals open volume of a user's positions on symbol in mode.
	SumOpenVolume(ctx context.Context, userID string, mode types.Mode, symbol string) (decimal.Decimal, error)
	CountOpenPositions(ctx context.Context, tradingAccountID string, mode types.Mode) (int, error)
}
