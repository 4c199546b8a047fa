// Package margin computes required margin under volume-banded leverage.
//
// Margin for each additional lot depends on the exposure already open on the
// same instrument, so splitting one large order into several small ones costs
// exactly the same total margin.
package margin

import (
	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

type Input struct {
	Category       types.Category
	NewVolume      decimal.Decimal
	ExistingVolume decimal.Decimal
	Price          decimal.Decimal
	ContractSize   decimal.Decimal
	// LeverageCap limits every band's leverage when positive (manual account leverage).
	LeverageCap int
}

// Charge is the part of an order consumed by one band.
type Charge struct {
	Volume   decimal.Decimal `json:"volume"`
	Leverage decimal.Decimal `json:"leverage"`
	Margin   decimal.Decimal `json:"margin"`
}

type Result struct {
	Total   decimal.Decimal `json:"total"`
	Charges []Charge        `json:"charges"`
}

type Calculator struct {
	schedules map[types.Category]schedule
}

type schedule struct {
	defaultLeverage decimal.Decimal
	tiers           []Tier
}

func NewCalculator(table Table) *Calculator {
	if table == nil {
		table = DefaultTable()
	}
	c := &Calculator{schedules: make(map[types.Category]schedule, len(table))}
	for category, s := range table {
		c.schedules[category] = schedule{defaultLeverage: s.DefaultLeverage, tiers: s.normalized()}
	}
	return c
}

func (c *Calculator) scheduleFor(category types.Category) schedule {
	if s, ok := c.schedules[category]; ok {
		return s
	}
	if s, ok := c.schedules[types.CategoryDefault]; ok {
		return s
	}
	return schedule{defaultLeverage: decimal.NewFromInt(1)}
}

// MaxLeverage is the leverage of the first band, i.e. what a flat account sees.
func (c *Calculator) MaxLeverage(category types.Category) decimal.Decimal {
	s := c.scheduleFor(category)
	if len(s.tiers) == 0 {
		return s.defaultLeverage
	}
	return s.tiers[0].Leverage
}

func (c *Calculator) Required(in Input) (decimal.Decimal, error) {
	res, err := c.Calculate(in)
	if err != nil {
		return decimal.Zero, err
	}
	return res.Total, nil
}

func (c *Calculator) Calculate(in Input) (Result, error) {
	if !in.NewVolume.GreaterThan(decimal.Zero) {
		return Result{}, apperr.Validation("volume must be positive")
	}
	if in.ExistingVolume.LessThan(decimal.Zero) {
		return Result{}, apperr.Validation("existing volume must not be negative")
	}
	if !in.Price.GreaterThan(decimal.Zero) {
		return Result{}, apperr.Validation("price must be positive")
	}
	if !in.ContractSize.GreaterThan(decimal.Zero) {
		return Result{}, apperr.Validation("contract size must be positive")
	}

	notionalPerLot := in.ContractSize.Mul(in.Price)
	s := c.scheduleFor(in.Category)

	if len(s.tiers) == 0 {
		l := capLeverage(s.defaultLeverage, in.LeverageCap)
		m := in.NewVolume.Mul(notionalPerLot).Div(l)
		return Result{Total: m, Charges: []Charge{{Volume: in.NewVolume, Leverage: l, Margin: m}}}, nil
	}

	var res Result
	start := in.ExistingVolume
	remaining := in.NewVolume
	for _, tier := range s.tiers {
		if !remaining.GreaterThan(decimal.Zero) {
			break
		}
		available := remaining
		if tier.UpTo != nil {
			available = decimal.Max(decimal.Zero, tier.UpTo.Sub(start))
		}
		take := decimal.Min(remaining, available)
		if !take.GreaterThan(decimal.Zero) {
			continue
		}
		l := capLeverage(tier.Leverage, in.LeverageCap)
		m := take.Mul(notionalPerLot).Div(l)
		res.Total = res.Total.Add(m)
		res.Charges = append(res.Charges, Charge{Volume: take, Leverage: l, Margin: m})
		start = start.Add(take)
		remaining = remaining.Sub(take)
	}
	return res, nil
}

func capLeverage(l decimal.Decimal, maxLeverage int) decimal.Decimal {
	if maxLeverage <= 0 {
		return l
	}
	if c := decimal.NewFromInt(int64(maxLeverage)); l.GreaterThan(c) {
		return c
	}
	return l
}
