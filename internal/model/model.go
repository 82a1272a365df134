// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the side of an executed trade.
type TransactionType string

const (
	TransactionBuy  TransactionType = "buy"
	TransactionSell TransactionType = "sell"
)

// Stock is a tradable synthetic security representing one anime character.
// TotalShares is fixed at creation; AvailableShares is the unowned pool.
type Stock struct {
	ID              string          `json:"id" db:"id"`
	CharacterName   string          `json:"character_name" db:"character_name"`
	Anime           string          `json:"anime" db:"anime"`
	CurrentPrice    decimal.Decimal `json:"current_price" db:"current_price"`
	TotalShares     int64           `json:"total_shares" db:"total_shares"`
	AvailableShares int64           `json:"available_shares" db:"available_shares"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// HeldShares is the number of shares currently sitting in portfolios.
func (s *Stock) HeldShares() int64 {
	return s.TotalShares - s.AvailableShares
}

// PriceHistoryEntry is one append-only price sample.
type PriceHistoryEntry struct {
	ID        string          `json:"id" db:"id"`
	StockID   string          `json:"stock_id" db:"stock_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Holding is a user's position in one stock. There is at most one per
// (user, stock) pair and it is removed when shares reach zero.
type Holding struct {
	UserID          string          `json:"user_id" db:"user_id"`
	StockID         string          `json:"stock_id" db:"stock_id"`
	Shares          int64           `json:"shares" db:"shares"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price" db:"average_buy_price"`
}

// Transaction is an immutable record of a trade execution.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	StockID       string          `json:"stock_id" db:"stock_id"`
	Type          TransactionType `json:"type" db:"type"`
	Shares        int64           `json:"shares" db:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// Portfolio aggregates a user's cash and holdings with mark-to-market values.
type Portfolio struct {
	UserID        string              `json:"user_id"`
	Balance       decimal.Decimal     `json:"balance"`
	Positions     []PortfolioPosition `json:"positions"`
	HoldingsValue decimal.Decimal     `json:"holdings_value"`
	UnrealizedPnL decimal.Decimal     `json:"unrealized_pnl"`
	NetWorth      decimal.Decimal     `json:"net_worth"`
}

// PortfolioPosition is a holding joined with the stock's live price.
type PortfolioPosition struct {
	Holding
	CharacterName string          `json:"character_name"`
	Anime         string          `json:"anime"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}
