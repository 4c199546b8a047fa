package instruments

import (
	"strings"

	"lv-marginbook/internal/types"
)

var forexCurrencies = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "CHF": {}, "AUD": {}, "NZD": {}, "CAD": {},
	"SEK": {}, "NOK": {}, "DKK": {}, "PLN": {}, "HUF": {}, "CZK": {}, "TRY": {}, "ZAR": {},
	"MXN": {}, "SGD": {}, "HKD": {}, "CNH": {}, "ILS": {}, "THB": {}, "RUB": {},
}

var metalPrefixes = []string{"XAU", "XAG", "XPT", "XPD"}

// symbolOverrides covers instruments whose symbol shape says nothing about the asset class.
var symbolOverrides = map[string]types.Category{
	"XTIUSD": types.CategoryEnergies, "XBRUSD": types.CategoryEnergies, "XNGUSD": types.CategoryEnergies,
	"USOIL": types.CategoryEnergies, "UKOIL": types.CategoryEnergies, "NGAS": types.CategoryEnergies,
	"WTI": types.CategoryEnergies, "BRENT": types.CategoryEnergies,
	"US30": types.CategoryIndices, "US500": types.CategoryIndices, "SPX500": types.CategoryIndices,
	"NAS100": types.CategoryIndices, "USTEC": types.CategoryIndices, "GER40": types.CategoryIndices,
	"DE40": types.CategoryIndices, "UK100": types.CategoryIndices, "JP225": types.CategoryIndices,
	"FRA40": types.CategoryIndices, "AUS200": types.CategoryIndices, "HK50": types.CategoryIndices,
	"WHEAT": types.CategoryAgricultural, "CORN": types.CategoryAgricultural, "SOYBEAN": types.CategoryAgricultural,
	"COFFEE": types.CategoryAgricultural, "SUGAR": types.CategoryAgricultural, "COCOA": types.CategoryAgricultural,
	"COTTON": types.CategoryAgricultural,
	"COPPER": types.CategoryCommodities, "XCUUSD": types.CategoryCommodities,
}

// hintAliases maps catalog group names (the first segment of an MT5 symbol path) to tags.
var hintAliases = map[string]types.Category{
	"forex": types.CategoryForex, "fx": types.CategoryForex, "currencies": types.CategoryForex,
	"crypto": types.CategoryCrypto, "cryptocurrencies": types.CategoryCrypto, "cryptos": types.CategoryCrypto,
	"stocks": types.CategoryStocks, "stock": types.CategoryStocks, "shares": types.CategoryStocks, "equities": types.CategoryStocks,
	"metals": types.CategoryMetals, "metal": types.CategoryMetals, "spot metals": types.CategoryMetals,
	"energies": types.CategoryEnergies, "energy": types.CategoryEnergies, "oil": types.CategoryEnergies,
	"indices": types.CategoryIndices, "index": types.CategoryIndices, "cash indices": types.CategoryIndices,
	"agricultural": types.CategoryAgricultural, "agriculture": types.CategoryAgricultural, "softs": types.CategoryAgricultural,
	"commodities": types.CategoryCommodities, "commodity": types.CategoryCommodities,
	"default": types.CategoryDefault,
}

// NormalizeSymbol trims and upper-cases a symbol. The leading underscore of index symbols is kept.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// CategoryFromHint maps a catalog hint such as `Forex\Majors` or `metals` to a tag.
func CategoryFromHint(hint string) (types.Category, bool) {
	h := strings.TrimSpace(hint)
	if h == "" {
		return "", false
	}
	if i := strings.IndexAny(h, `\/`); i >= 0 {
		h = h[:i]
	}
	c, ok := hintAliases[strings.ToLower(strings.TrimSpace(h))]
	return c, ok
}

// ResolveCategory never fails: an unrecognised hint falls through to the symbol
// rules, and anything unclassifiable ends up in the conservative buckets.
func ResolveCategory(symbol, hint string) types.Category {
	if c, ok := CategoryFromHint(hint); ok {
		return c
	}
	s := NormalizeSymbol(symbol)
	if s == "" {
		return types.CategoryDefault
	}
	if c, ok := symbolOverrides[s]; ok {
		return c
	}
	for _, p := range metalPrefixes {
		if strings.HasPrefix(s, p) {
			return types.CategoryMetals
		}
	}
	if strings.HasPrefix(s, "_") {
		return types.CategoryIndices
	}
	if len(s) == 6 && isUpperLetters(s) {
		if isForexCurrency(s[:3]) && isForexCurrency(s[3:]) {
			return types.CategoryForex
		}
		return types.CategoryCrypto
	}
	if isTicker(s) {
		return types.CategoryStocks
	}
	return types.CategoryDefault
}

func isForexCurrency(code string) bool {
	_, ok := forexCurrencies[code]
	return ok
}

func isUpperLetters(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func isTicker(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '#':
		default:
			return false
		}
	}
	return true
}
