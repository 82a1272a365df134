package options

import "math"

// SmileModel turns a base (realized) volatility into the implied
// volatility quoted for one strike and expiry. Implementations must be
// deterministic.
type SmileModel interface {
	ImpliedVolatility(base, spot, strike float64, expiryDays int) float64
}

// QuadraticSmile lifts volatility away from the money, tilts it toward
// downside strikes and adds a premium to short expiries:
//
//	m  = ln(strike/spot)
//	iv = base · (1 + Curvature·m² − Skew·m) · (1 + TermPremium/√(1+days))
type QuadraticSmile struct {
	Curvature   float64
	Skew        float64
	TermPremium float64
}

// DefaultSmile returns the smile used when none is configured.
func DefaultSmile() QuadraticSmile {
	return QuadraticSmile{Curvature: 1.5, Skew: 0.2, TermPremium: 0.1}
}

func (s QuadraticSmile) ImpliedVolatility(base, spot, strike float64, expiryDays int) float64 {
	if spot <= 0 || strike <= 0 {
		return clampVol(base)
	}
	m := math.Log(strike / spot)
	shape := 1 + s.Curvature*m*m - s.Skew*m
	term := 1 + s.TermPremium/math.Sqrt(1+float64(max(expiryDays, 0)))
	return clampVol(base * shape * term)
}

// FlatSmile quotes the base volatility for every strike and expiry.
type FlatSmile struct{}

func (FlatSmile) ImpliedVolatility(base, _, _ float64, _ int) float64 {
	return clampVol(base)
}
