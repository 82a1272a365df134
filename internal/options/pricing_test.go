package options

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func prices(fs ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(fs))
	for i, f := range fs {
		out[i] = d(f)
	}
	return out
}

func TestRealizedVolatility(t *testing.T) {
	vol, n := RealizedVolatility(prices(100, 110, 100))
	assert.Equal(t, 2, n)
	// stddev(±ln 1.1) · √365
	assert.InDelta(t, 2.5751, vol, 1e-3)

	vol, n = RealizedVolatility(prices(100, 101))
	assert.Equal(t, 1, n)
	assert.Equal(t, DefaultVolatility, vol, "one return is not enough to measure")

	vol, _ = RealizedVolatility(nil)
	assert.Equal(t, DefaultVolatility, vol)

	vol, _ = RealizedVolatility(prices(50, 50, 50, 50))
	assert.Equal(t, MinVolatility, vol, "flat history clamps to the floor")

	vol, n = RealizedVolatility(prices(100, 0, 110, 100))
	assert.Equal(t, 2, n, "non-positive samples are skipped")
	assert.InDelta(t, 2.5751, vol, 1e-3)
}

func TestBlackScholes_AtTheMoney(t *testing.T) {
	call := BlackScholes(model.BetCall, 100, 100, 0.2, 1)
	put := BlackScholes(model.BetPut, 100, 100, 0.2, 1)

	assert.InDelta(t, 7.9656, call.Price, 1e-4)
	assert.InDelta(t, 0.5398, call.Delta, 1e-4)
	assert.InDelta(t, 0.019848, call.Gamma, 1e-6)
	assert.InDelta(t, 0.396953, call.Vega, 1e-6)
	assert.InDelta(t, -0.010875, call.Theta, 1e-6)

	assert.InDelta(t, call.Price, put.Price, 1e-9, "parity with r=0 at the money")
	assert.InDelta(t, call.Delta-1, put.Delta, 1e-12)
	assert.Equal(t, call.Gamma, put.Gamma)
	assert.Equal(t, call.Vega, put.Vega)
}

func TestBlackScholes_PutCallParity(t *testing.T) {
	for _, k := range []float64{80, 95, 100, 105, 120} {
		call := BlackScholes(model.BetCall, 100, k, 0.6, 30/DaysPerYear)
		put := BlackScholes(model.BetPut, 100, k, 0.6, 30/DaysPerYear)
		assert.InDelta(t, 100-k, call.Price-put.Price, 1e-9, "strike %v", k)
	}
}

func TestBlackScholes_Expired(t *testing.T) {
	assert.Equal(t, Greeks{Price: 10, Delta: 1}, BlackScholes(model.BetCall, 110, 100, 0.5, 0))
	assert.Equal(t, Greeks{}, BlackScholes(model.BetCall, 90, 100, 0.5, 0))
	assert.Equal(t, Greeks{Price: 10, Delta: -1}, BlackScholes(model.BetPut, 90, 100, 0.5, 0))
	assert.Equal(t, Greeks{}, BlackScholes(model.BetPut, 100, 100, 0.5, 0))
}

func TestQuadraticSmile(t *testing.T) {
	s := DefaultSmile()
	atm := s.ImpliedVolatility(0.5, 100, 100, 30)
	assert.InDelta(t, 0.5*(1+0.1/math.Sqrt(31)), atm, 1e-12)

	assert.Greater(t, s.ImpliedVolatility(0.5, 100, 120, 30), atm, "upside wing")
	assert.Greater(t, s.ImpliedVolatility(0.5, 100, 80, 30), atm, "downside wing")
	assert.Greater(t, s.ImpliedVolatility(0.5, 100, 80, 30), s.ImpliedVolatility(0.5, 100, 125, 30), "skew favors puts")
	assert.Greater(t, s.ImpliedVolatility(0.5, 100, 100, 1), s.ImpliedVolatility(0.5, 100, 100, 90), "term premium")

	assert.Equal(t, MaxVolatility, s.ImpliedVolatility(50, 100, 100, 1))
	assert.Equal(t, 0.5, FlatSmile{}.ImpliedVolatility(0.5, 100, 150, 7))
}

func TestLinearMoneyness(t *testing.T) {
	p := DefaultPayout()
	assert.True(t, p.Multiplier(d(110), d(100)).Equal(d(2.5)))
	assert.True(t, p.Multiplier(d(90), d(100)).Equal(d(2.5)))
	assert.True(t, p.Multiplier(d(100), d(100)).Equal(d(1.5)))
}

func TestBuildChain(t *testing.T) {
	hist := prices(100, 102, 99, 101, 103, 100)
	cfg := DefaultChainConfig()

	chain := BuildChain("luffy", d(100), hist, cfg, nil)
	again := BuildChain("luffy", d(100), hist, cfg, nil)
	require.Equal(t, chain, again, "chain must be a pure function of its inputs")

	require.Len(t, chain.Entries, 4*7*2)
	assert.Equal(t, 5, chain.Samples)

	for _, e := range chain.Entries {
		sym, err := ParseSymbol(e.Symbol)
		require.NoError(t, err, e.Symbol)
		assert.Equal(t, "luffy", sym.StockID)
		assert.Equal(t, e.Type, sym.Type)
		assert.True(t, sym.Strike.Equal(e.Strike))
		assert.Equal(t, e.ExpiryDays, sym.ExpiryDays)

		assert.True(t, e.ImpliedVolatility.IsPositive())
		assert.False(t, e.TheoreticalPrice.IsNegative())
		assert.False(t, e.Gamma.IsNegative())
		assert.False(t, e.Theta.IsPositive())
		if e.Type == model.BetCall {
			assert.True(t, e.Delta.GreaterThanOrEqual(d(0)) && e.Delta.LessThanOrEqual(d(1)), "call delta %s", e.Delta)
		} else {
			assert.True(t, e.Delta.GreaterThanOrEqual(d(-1)) && e.Delta.LessThanOrEqual(d(0)), "put delta %s", e.Delta)
		}
	}
}

func TestStrikes_CollapseAtTinyPrices(t *testing.T) {
	strikes := DefaultChainConfig().Strikes(d(0.01))
	require.Len(t, strikes, 1)
	assert.True(t, strikes[0].Equal(d(0.01)))

	strikes = DefaultChainConfig().Strikes(d(10))
	want := prices(8, 9, 9.5, 10, 10.5, 11, 12)
	require.Len(t, strikes, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(strikes[i]), "strike %d = %s, want %s", i, strikes[i], want[i])
	}
}
