// Package impact implements the bounded price-impact model the trade
// executor applies after every fill.
//
// A trade of q shares against a stock with T total shares moves the price by
// the fraction
//
//	impact(q) = maxImpact * (1 - exp(-q / (depth * T)))
//
// which is zero for q = 0, monotone in q and strictly below maxImpact for
// any trade size. Buys scale the price by (1 + impact), sells by
// (1 - impact). The result never drops below Floor.
//
// All monetary values use shopspring/decimal. The exponential is evaluated
// in float64 with the result immediately converted back to decimal.
package impact

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidDepth is returned when depth <= 0.
	ErrInvalidDepth = errors.New("impact: depth must be positive")

	// ErrInvalidMaxImpact is returned when maxImpact is outside (0, 1).
	ErrInvalidMaxImpact = errors.New("impact: max impact must be in (0, 1)")

	// Floor is the lowest price impact can push a stock to.
	Floor = decimal.NewFromFloat(0.01)

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 4

	// FractionScale is the number of decimal places of the impact fraction.
	FractionScale int32 = 8
)

// Model is stateless; stock state is passed as arguments. The same
// (price, shares, totalShares) always produces the same result.
type Model struct {
	depth     decimal.Decimal
	maxImpact decimal.Decimal
}

// NewModel creates an impact model. depth is the fraction of the float a
// trade must reach to realize ~63% of maxImpact. Higher depth means a more
// liquid stock and a smaller move per share.
func NewModel(depth, maxImpact decimal.Decimal) (*Model, error) {
	if depth.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidDepth
	}
	if maxImpact.LessThanOrEqual(decimal.Zero) || maxImpact.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidMaxImpact
	}
	return &Model{depth: depth, maxImpact: maxImpact}, nil
}

// Depth returns the depth parameter.
func (m *Model) Depth() decimal.Decimal { return m.depth }

// MaxImpact returns the upper bound on a single trade's relative move.
func (m *Model) MaxImpact() decimal.Decimal { return m.maxImpact }

// Impact returns the relative price move caused by trading shares of a
// stock with totalShares outstanding.
func (m *Model) Impact(shares, totalShares int64) decimal.Decimal {
	if shares <= 0 || totalShares <= 0 {
		return decimal.Zero
	}
	scale := m.depth.InexactFloat64() * float64(totalShares)
	frac := m.maxImpact.InexactFloat64() * -math.Expm1(-float64(shares)/scale)
	return decimal.NewFromFloat(frac).Round(FractionScale)
}

// PriceAfterBuy returns the price after a buy of shares.
func (m *Model) PriceAfterBuy(price decimal.Decimal, shares, totalShares int64) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(m.Impact(shares, totalShares))
	return clamp(price.Mul(factor).Round(PriceScale))
}

// PriceAfterSell returns the price after a sell of shares.
func (m *Model) PriceAfterSell(price decimal.Decimal, shares, totalShares int64) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(m.Impact(shares, totalShares))
	return clamp(price.Mul(factor).Round(PriceScale))
}

func clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(Floor) {
		return Floor
	}
	return p
}
