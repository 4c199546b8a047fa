package model

import (
	"fmt"
	"time"

	"lv-marginbook/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TradingAccount struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Number      string     `json:"number"`
	Color       string     `json:"color"`
	IsActive    bool       `json:"is_active"`
	CurrentMode types.Mode `json:"current_mode"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AccountState is the financial ledger of one trading account in one mode.
// FreeMargin and MarginLevel are derived; only Recompute writes them.
type AccountState struct {
	ID               string          `json:"id"`
	TradingAccountID string          `json:"trading_account_id"`
	UserID           string          `json:"user_id"`
	Mode             types.Mode      `json:"mode"`
	Balance          decimal.Decimal `json:"balance"`
	Equity           decimal.Decimal `json:"equity"`
	Margin           decimal.Decimal `json:"margin"`
	FreeMargin       decimal.Decimal `json:"free_margin"`
	MarginLevel      decimal.Decimal `json:"margin_level"`
	Leverage         int             `json:"leverage"`
	IsAutoLeverage   bool            `json:"is_auto_leverage"`
	Currency         string          `json:"currency"`
	LastActiveAt     time.Time       `json:"last_active_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

var hundred = decimal.NewFromInt(100)

func (s *AccountState) Recompute() {
	s.FreeMargin = s.Equity.Sub(s.Margin)
	if s.Margin.GreaterThan(decimal.Zero) {
		s.MarginLevel = s.Equity.Div(s.Margin).Mul(hundred)
	} else {
		s.MarginLevel = decimal.Zero
	}
}

// NewAccountNumber returns a random 8-digit display number. Uniqueness is
// enforced by the store.
func NewAccountNumber() string {
	return fmt.Sprintf("%08d", uuid.New().ID()%100000000)
}
