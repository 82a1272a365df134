package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a discrete engine event consumed by external
// notification and audit systems.
type EventType string

const (
	EventTradeExecuted   EventType = "trade_executed"
	EventBuybackCreated  EventType = "buyback_created"
	EventBuybackAccepted EventType = "buyback_accepted"
	EventBuybackDeclined EventType = "buyback_declined"
	EventBuybackExpired  EventType = "buyback_expired"
	EventBetPlaced       EventType = "bet_placed"
	EventBetSettled      EventType = "bet_settled"
	EventDriftCompleted  EventType = "drift_completed"
)

// Event has a stable schema: type, subject ids, amounts, timestamp.
// Unused subject fields are left empty.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	StockID   string          `json:"stock_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	OfferID   string          `json:"offer_id,omitempty"`
	BetID     string          `json:"bet_id,omitempty"`
	Kind      string          `json:"kind,omitempty"` // buy/sell, call/put, terminal status
	Shares    int64           `json:"shares,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Succeeded int             `json:"succeeded,omitempty"`
	Failed    int             `json:"failed,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
