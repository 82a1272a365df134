package options

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

// ChainConfig selects the expiries and strikes a chain is built for.
type ChainConfig struct {
	// ExpiryDays lists the offered expiries.
	ExpiryDays []int

	// StrikeOffsets are fractional distances from the current price; 0 is
	// the at-the-money strike.
	StrikeOffsets []float64

	// HistoryWindow is the number of trailing price samples volatility is
	// measured over.
	HistoryWindow int
}

// DefaultChainConfig offers 1/7/30/90 day expiries and strikes at the
// money and ±5%, ±10% and ±20% away.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		ExpiryDays:    []int{1, 7, 30, 90},
		StrikeOffsets: []float64{-0.20, -0.10, -0.05, 0, 0.05, 0.10, 0.20},
		HistoryWindow: 30,
	}
}

// Strikes returns the distinct, ascending strikes for spot. Strikes are
// rounded to cents and never below one cent.
func (c ChainConfig) Strikes(spot decimal.Decimal) []decimal.Decimal {
	cent := decimal.New(1, -2)
	out := make([]decimal.Decimal, 0, len(c.StrikeOffsets))
	for _, off := range c.StrikeOffsets {
		k := spot.Mul(decimal.NewFromFloat(1 + off)).Round(2)
		if k.LessThan(cent) {
			k = cent
		}
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b decimal.Decimal) int { return a.Cmp(b) })
	return slices.CompactFunc(out, func(a, b decimal.Decimal) bool { return a.Equal(b) })
}

// BuildChain synthesizes the chain for one stock from its current price and
// trailing history. It is a pure function of its inputs.
func BuildChain(stockID string, spot decimal.Decimal, history []decimal.Decimal, cfg ChainConfig, smile SmileModel) model.OptionChain {
	if smile == nil {
		smile = DefaultSmile()
	}
	base, samples := RealizedVolatility(history)
	s := spot.InexactFloat64()

	chain := model.OptionChain{
		StockID:            stockID,
		UnderlyingPrice:    spot,
		RealizedVolatility: decimal.NewFromFloat(base).Round(4),
		Samples:            samples,
	}
	strikes := cfg.Strikes(spot)
	for _, days := range cfg.ExpiryDays {
		years := float64(days) / DaysPerYear
		for _, k := range strikes {
			kf := k.InexactFloat64()
			iv := smile.ImpliedVolatility(base, s, kf, days)
			for _, typ := range []model.BetType{model.BetCall, model.BetPut} {
				g := BlackScholes(typ, s, kf, iv, years)
				chain.Entries = append(chain.Entries, model.OptionChainEntry{
					Symbol:            FormatSymbol(stockID, typ, k, days),
					Type:              typ,
					Strike:            k,
					ExpiryDays:        days,
					ImpliedVolatility: decimal.NewFromFloat(iv).Round(4),
					TheoreticalPrice:  decimal.NewFromFloat(g.Price).Round(4),
					Delta:             decimal.NewFromFloat(g.Delta).Round(4),
					Gamma:             decimal.NewFromFloat(g.Gamma).Round(6),
					Theta:             decimal.NewFromFloat(g.Theta).Round(4),
					Vega:              decimal.NewFromFloat(g.Vega).Round(4),
				})
			}
		}
	}
	return chain
}
