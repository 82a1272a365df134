// Package exposure implements wager limits that account for correlation
// between stocks of the same anime.
//
// Characters from one show tend to move together (a new season lifts the
// whole cast), so a user betting on several of them carries correlated
// risk. The limiter caps open wagers per stock and in aggregate across each
// anime.
package exposure

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

var (
	// ErrPerStockLimitExceeded is returned when a wager would push the open
	// amount on a single stock beyond the per-stock maximum.
	ErrPerStockLimitExceeded = fmt.Errorf("exposure: per-stock wager limit exceeded: %w", model.ErrExposureLimit)

	// ErrPerAnimeLimitExceeded is returned when a wager would push the open
	// amount across all stocks of one anime beyond the correlated maximum.
	ErrPerAnimeLimitExceeded = fmt.Errorf("exposure: per-anime wager limit exceeded: %w", model.ErrExposureLimit)
)

// Position is an open wagered amount on one stock.
type Position struct {
	StockID string
	Anime   string
	Amount  decimal.Decimal
}

// Limiter enforces wager limits with correlation awareness. A zero limit
// disables that check.
type Limiter struct {
	// MaxPerStock is the maximum open wagered amount on any single stock.
	MaxPerStock decimal.Decimal

	// MaxPerAnime is the maximum aggregate open wagered amount across all
	// stocks sharing an anime (the correlated group).
	MaxPerAnime decimal.Decimal
}

// NewLimiter creates a limiter with the given per-stock and per-anime caps.
func NewLimiter(maxPerStock, maxPerAnime decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerStock: maxPerStock,
		MaxPerAnime: maxPerAnime,
	}
}

// CheckLimit validates whether a new wager respects the limits given the
// user's existing open positions. Returns nil if the wager is within limits.
func (l *Limiter) CheckLimit(wager Position, existing []Position) error {
	if l == nil {
		return nil
	}

	// 1. Per-stock limit.
	onStock := wager.Amount
	for _, p := range existing {
		if p.StockID == wager.StockID {
			onStock = onStock.Add(p.Amount)
		}
	}
	if l.MaxPerStock.IsPositive() && onStock.GreaterThan(l.MaxPerStock) {
		return ErrPerStockLimitExceeded
	}

	// 2. Correlated exposure: sum across stocks of the same anime.
	group := animeKey(wager.Anime)
	correlated := wager.Amount
	for _, p := range existing {
		if animeKey(p.Anime) == group {
			correlated = correlated.Add(p.Amount)
		}
	}
	if l.MaxPerAnime.IsPositive() && correlated.GreaterThan(l.MaxPerAnime) {
		return ErrPerAnimeLimitExceeded
	}

	return nil
}

// animeKey normalizes an anime title so trivial spelling differences land in
// the same group.
func animeKey(anime string) string {
	return strings.ToLower(strings.Join(strings.Fields(anime), " "))
}
