package options

import "github.com/shopspring/decimal"

// PayoutModel prices a winning bet: the returned multiplier is applied to
// the wagered amount. The engine caps it and pays losing bets nothing.
type PayoutModel interface {
	Multiplier(settlement, strike decimal.Decimal) decimal.Decimal
}

// LinearMoneyness pays Base plus Leverage times the absolute moneyness
// |settlement − strike| / strike.
type LinearMoneyness struct {
	Base     decimal.Decimal
	Leverage decimal.Decimal
}

// DefaultPayout returns 1.5× at the money rising by 0.1× per percent of
// moneyness.
func DefaultPayout() LinearMoneyness {
	return LinearMoneyness{
		Base:     decimal.NewFromFloat(1.5),
		Leverage: decimal.NewFromInt(10),
	}
}

func (p LinearMoneyness) Multiplier(settlement, strike decimal.Decimal) decimal.Decimal {
	if !strike.IsPositive() {
		return p.Base
	}
	m := settlement.Sub(strike).Abs().Div(strike)
	return p.Base.Add(p.Leverage.Mul(m))
}
