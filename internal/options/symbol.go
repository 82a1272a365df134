package options

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

// symbolRegex matches: OPT-{stockID}-{C|P}-{strike}-{N}D
// Example: OPT-luffy-C-105.5-30D
var symbolRegex = regexp.MustCompile(
	`^OPT-(.+)-([CP])-([0-9]+(?:\.[0-9]+)?)-(\d+)D$`,
)

var ErrInvalidSymbol = fmt.Errorf("options: invalid symbol: %w", model.ErrInvalidInput)

// Symbol is a parsed option symbol.
type Symbol struct {
	StockID    string          `json:"stock_id"`
	Type       model.BetType   `json:"type"`
	Strike     decimal.Decimal `json:"strike"`
	ExpiryDays int             `json:"expiry_days"`
}

// ParseSymbol parses and validates an option symbol.
// Format: OPT-{stockID}-{C|P}-{strike}-{N}D
func ParseSymbol(s string) (*Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected OPT-{stock}-{C|P}-{strike}-{N}D)", ErrInvalidSymbol, s)
	}

	typ := model.BetCall
	if matches[2] == "P" {
		typ = model.BetPut
	}

	strike, err := decimal.NewFromString(matches[3])
	if err != nil || !strike.IsPositive() {
		return nil, fmt.Errorf("%w: strike %s", ErrInvalidSymbol, matches[3])
	}

	days, err := strconv.Atoi(matches[4])
	if err != nil || days <= 0 {
		return nil, fmt.Errorf("%w: expiry %sD", ErrInvalidSymbol, matches[4])
	}

	return &Symbol{
		StockID:    matches[1],
		Type:       typ,
		Strike:     strike,
		ExpiryDays: days,
	}, nil
}

// String formats the symbol back to its canonical form.
func (s Symbol) String() string {
	return FormatSymbol(s.StockID, s.Type, s.Strike, s.ExpiryDays)
}

// FormatSymbol builds the symbol for one chain entry.
func FormatSymbol(stockID string, typ model.BetType, strike decimal.Decimal, expiryDays int) string {
	side := "C"
	if typ == model.BetPut {
		side = "P"
	}
	return fmt.Sprintf("OPT-%s-%s-%s-%dD", stockID, side, strike.String(), expiryDays)
}

// IsInvalidSymbol reports whether err came from ParseSymbol.
func IsInvalidSymbol(err error) bool {
	return errors.Is(err, ErrInvalidSymbol)
}
