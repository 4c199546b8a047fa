package instruments

import (
	"strings"

	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

var categoryContractSizes = map[types.Category]decimal.Decimal{
	types.CategoryForex:        decimal.NewFromInt(100000),
	types.CategoryMetals:       decimal.NewFromInt(100),
	types.CategoryIndices:      decimal.NewFromInt(1),
	types.CategoryStocks:       decimal.NewFromInt(1),
	types.CategoryCrypto:       decimal.NewFromInt(1),
	types.CategoryEnergies:     decimal.NewFromInt(1000),
	types.CategoryAgricultural: decimal.NewFromInt(1000),
	types.CategoryCommodities:  decimal.NewFromInt(1000),
	types.CategoryDefault:      decimal.NewFromInt(1),
}

// Troy ounces per lot.
var metalContractSizes = map[string]decimal.Decimal{
	"XAU": decimal.NewFromInt(100),
	"XAG": decimal.NewFromInt(5000),
	"XPT": decimal.NewFromInt(50),
	"XPD": decimal.NewFromInt(100),
}

// ContractSize returns the units of the underlying represented by one lot.
func ContractSize(symbol string, category types.Category) decimal.Decimal {
	if category == types.CategoryMetals {
		s := NormalizeSymbol(symbol)
		for prefix, size := range metalContractSizes {
			if strings.HasPrefix(s, prefix) {
				return size
			}
		}
	}
	if size, ok := categoryContractSizes[category]; ok {
		return size
	}
	return categoryContractSizes[types.CategoryDefault]
}
