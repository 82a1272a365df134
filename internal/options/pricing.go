// Package options synthesizes an informational option chain for each stock
// and runs directional call/put wagers: expiry confirmation, escrowed
// placement and idempotent settlement.
//
// Chain values are pure functions of the current price, the trailing price
// history and the configured expiries and strikes. Nothing is random and
// nothing is stored.
package options

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

const (
	// DaysPerYear annualizes volatility and converts expiry days to years.
	DaysPerYear = 365.0

	// DefaultVolatility is used when the history is too short to measure.
	DefaultVolatility = 0.5

	// MinVolatility and MaxVolatility bound realized and implied volatility.
	MinVolatility = 0.05
	MaxVolatility = 3.0
)

// RealizedVolatility returns the annualized sample standard deviation of
// the log returns between consecutive prices, and the number of returns it
// used. Non-positive prices are skipped. Fewer than two returns yield
// DefaultVolatility.
func RealizedVolatility(prices []decimal.Decimal) (float64, int) {
	var returns []float64
	prev := 0.0
	for _, p := range prices {
		f := p.InexactFloat64()
		if f <= 0 {
			continue
		}
		if prev > 0 {
			returns = append(returns, math.Log(f/prev))
		}
		prev = f
	}
	n := len(returns)
	if n < 2 {
		return DefaultVolatility, n
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	ss := 0.0
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	vol := math.Sqrt(ss/float64(n-1)) * math.Sqrt(DaysPerYear)
	return clampVol(vol), n
}

// Greeks is a Black-Scholes valuation with the risk-free rate fixed at 0.
// Theta is per calendar day and Vega per volatility point.
type Greeks struct {
	Price float64
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}

// BlackScholes values a European call or put. At or past expiry, or with
// no volatility, it returns intrinsic value and a step delta.
func BlackScholes(typ model.BetType, spot, strike, vol, years float64) Greeks {
	if spot <= 0 || strike <= 0 {
		return Greeks{}
	}
	if years <= 0 || vol <= 0 {
		return intrinsic(typ, spot, strike)
	}

	sqrtT := math.Sqrt(years)
	volT := vol * sqrtT
	d1 := (math.Log(spot/strike) + 0.5*vol*vol*years) / volT
	d2 := d1 - volT
	pdf := normPDF(d1)

	g := Greeks{
		Gamma: pdf / (spot * volT),
		Theta: -spot * pdf * vol / (2 * sqrtT) / DaysPerYear,
		Vega:  spot * pdf * sqrtT / 100,
	}
	if typ == model.BetPut {
		g.Price = strike*normCDF(-d2) - spot*normCDF(-d1)
		g.Delta = normCDF(d1) - 1
	} else {
		g.Price = spot*normCDF(d1) - strike*normCDF(d2)
		g.Delta = normCDF(d1)
	}
	g.Price = math.Max(g.Price, 0)
	return g
}

func intrinsic(typ model.BetType, spot, strike float64) Greeks {
	if typ == model.BetPut {
		if spot < strike {
			return Greeks{Price: strike - spot, Delta: -1}
		}
		return Greeks{}
	}
	if spot > strike {
		return Greeks{Price: spot - strike, Delta: 1}
	}
	return Greeks{}
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func clampVol(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultVolatility
	}
	return math.Min(math.Max(v, MinVolatility), MaxVolatility)
}
