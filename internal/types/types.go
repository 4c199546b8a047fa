package types

import "strings"

type OrderSide string

type PositionStatus string

type Mode string

type Category string

type CloseScope string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

const (
	ModeLive Mode = "live"
	ModeDemo Mode = "demo"
)

const (
	CategoryForex        Category = "forex"
	CategoryCrypto       Category = "crypto"
	CategoryStocks       Category = "stocks"
	CategoryMetals       Category = "metals"
	CategoryEnergies     Category = "energies"
	CategoryIndices      Category = "indices"
	CategoryAgricultural Category = "agricultural"
	CategoryCommodities  Category = "commodities"
	CategoryDefault      Category = "default"
)

const (
	CloseScopeAll    CloseScope = "all"
	CloseScopeProfit CloseScope = "profit"
	CloseScopeLoss   CloseScope = "loss"
)

// Modes lists every ledger mode a trading account carries.
var Modes = []Mode{ModeLive, ModeDemo}

// Categories lists every category tag in a stable order.
var Categories = []Category{
	CategoryForex, CategoryCrypto, CategoryStocks, CategoryMetals, CategoryEnergies,
	CategoryIndices, CategoryAgricultural, CategoryCommodities, CategoryDefault,
}

func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeLive, "real":
		return ModeLive, true
	case ModeDemo:
		return ModeDemo, true
	}
	return "", false
}

func ParseSide(raw string) (OrderSide, bool) {
	switch OrderSide(strings.ToLower(strings.TrimSpace(raw))) {
	case OrderSideBuy:
		return OrderSideBuy, true
	case OrderSideSell:
		return OrderSideSell, true
	}
	return "", false
}

func ParseCloseScope(raw string) (CloseScope, bool) {
	s := CloseScope(strings.ToLower(strings.TrimSpace(raw)))
	if s == "" {
		return CloseScopeAll, true
	}
	switch s {
	case CloseScopeAll, CloseScopeProfit, CloseScopeLoss:
		return s, true
	}
	return "", false
}

func (m Mode) Valid() bool {
	return m == ModeLive || m == ModeDemo
}

// Other returns the opposite ledger mode.
func (m Mode) Other() Mode {
	if m == ModeLive {
		return ModeDemo
	}
	return ModeLive
}
