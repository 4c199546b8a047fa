package model

import (
	"time"

	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

type Position struct {
	ID               string               `json:"id"`
	UserID           string               `json:"user_id"`
	TradingAccountID string               `json:"trading_account_id"`
	AccountStateID   string               `json:"account_state_id"`
	Mode             types.Mode           `json:"mode"`
	Symbol           string               `json:"symbol"`
	Category         types.Category       `json:"category"`
	Side             types.OrderSide      `json:"side"`
	Volume           decimal.Decimal      `json:"volume"`
	ContractSize     decimal.Decimal      `json:"contract_size"`
	EntryPrice       decimal.Decimal      `json:"entry_price"`
	CurrentPrice     decimal.Decimal      `json:"current_price"`
	StopLoss         *decimal.Decimal     `json:"stop_loss"`
	TakeProfit       *decimal.Decimal     `json:"take_profit"`
	ReservedMargin   decimal.Decimal      `json:"reserved_margin"`
	Status           types.PositionStatus `json:"status"`
	Profit           decimal.Decimal      `json:"profit"`
	ClosePrice       *decimal.Decimal     `json:"close_price"`
	OpenedAt         time.Time            `json:"opened_at"`
	ClosedAt         *time.Time           `json:"closed_at"`
}

// ProfitAt values the position against mark. Buy profits when mark rises,
// sell when it falls.
func (p Position) ProfitAt(mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(p.EntryPrice)
	if p.Side == types.OrderSideSell {
		diff = p.EntryPrice.Sub(mark)
	}
	return diff.Mul(p.Volume).Mul(p.ContractSize)
}
