package margin

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

// Tier charges volume up to UpTo cumulative lots at Leverage. A nil UpTo is unbounded.
type Tier struct {
	UpTo     *decimal.Decimal `json:"up_to,omitempty"`
	Leverage decimal.Decimal  `json:"leverage"`
}

type Schedule struct {
	DefaultLeverage decimal.Decimal `json:"default_leverage"`
	Tiers           []Tier          `json:"tiers"`
}

type Table map[types.Category]Schedule

func lots(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func lev(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func DefaultTable() Table {
	return Table{
		types.CategoryForex: {DefaultLeverage: lev(100), Tiers: []Tier{
			{UpTo: lots(20), Leverage: lev(500)},
			{UpTo: lots(50), Leverage: lev(200)},
			{Leverage: lev(100)},
		}},
		types.CategoryMetals: {DefaultLeverage: lev(50), Tiers: []Tier{
			{UpTo: lots(10), Leverage: lev(200)},
			{UpTo: lots(30), Leverage: lev(100)},
			{Leverage: lev(50)},
		}},
		types.CategoryCrypto: {DefaultLeverage: lev(5), Tiers: []Tier{
			{UpTo: lots(2), Leverage: lev(20)},
			{UpTo: lots(5), Leverage: lev(10)},
			{Leverage: lev(5)},
		}},
		types.CategoryIndices: {DefaultLeverage: lev(50), Tiers: []Tier{
			{UpTo: lots(20), Leverage: lev(200)},
			{UpTo: lots(50), Leverage: lev(100)},
			{Leverage: lev(50)},
		}},
		types.CategoryStocks: {DefaultLeverage: lev(10), Tiers: []Tier{
			{UpTo: lots(50), Leverage: lev(20)},
			{Leverage: lev(10)},
		}},
		types.CategoryEnergies: {DefaultLeverage: lev(20), Tiers: []Tier{
			{UpTo: lots(10), Leverage: lev(100)},
			{UpTo: lots(30), Leverage: lev(50)},
			{Leverage: lev(20)},
		}},
		types.CategoryAgricultural: {DefaultLeverage: lev(20), Tiers: []Tier{
			{UpTo: lots(10), Leverage: lev(50)},
			{Leverage: lev(20)},
		}},
		types.CategoryCommodities: {DefaultLeverage: lev(50), Tiers: []Tier{
			{UpTo: lots(10), Leverage: lev(100)},
			{Leverage: lev(50)},
		}},
		types.CategoryDefault: {DefaultLeverage: lev(10)},
	}
}

// LoadTable reads a JSON schedule file keyed by category and overlays it on the
// defaults. An empty path returns the defaults.
func LoadTable(path string) (Table, error) {
	table := DefaultTable()
	if strings.TrimSpace(path) == "" {
		return table, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read margin tiers: %w", err)
	}
	var overrides map[string]Schedule
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse margin tiers: %w", err)
	}
	for name, sched := range overrides {
		table[types.Category(strings.ToLower(strings.TrimSpace(name)))] = sched
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

func (t Table) Validate() error {
	for category, sched := range t {
		if !sched.DefaultLeverage.GreaterThan(decimal.Zero) {
			return fmt.Errorf("margin tiers: %s default leverage must be positive", category)
		}
		for i, tier := range sched.Tiers {
			if !tier.Leverage.GreaterThan(decimal.Zero) {
				return fmt.Errorf("margin tiers: %s tier %d leverage must be positive", category, i)
			}
			if tier.UpTo != nil && !tier.UpTo.GreaterThan(decimal.Zero) {
				return fmt.Errorf("margin tiers: %s tier %d up_to must be positive", category, i)
			}
		}
	}
	return nil
}

// normalized returns the tiers sorted by ceiling with unbounded tiers last.
// The final tier always acts as unbounded.
func (s Schedule) normalized() []Tier {
	tiers := make([]Tier, len(s.Tiers))
	copy(tiers, s.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		a, b := tiers[i].UpTo, tiers[j].UpTo
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.LessThan(*b)
		}
	})
	if n := len(tiers); n > 0 {
		tiers[n-1].UpTo = nil
	}
	return tiers
}
