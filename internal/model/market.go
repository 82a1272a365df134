package model

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// OfferStatus is the lifecycle state of a buyback offer. Transitions only
// move away from OfferActive; there is no way back.
type OfferStatus string

const (
	OfferActive   OfferStatus = "active"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

// Terminal reports whether the status is final.
func (s OfferStatus) Terminal() bool {
	return s == OfferAccepted || s == OfferDeclined || s == OfferExpired
}

// BuybackOffer is an admin-issued standing offer to repurchase shares of one
// stock at a fixed price until ExpiresAt.
type BuybackOffer struct {
	ID             string          `json:"id" db:"id"`
	StockID        string          `json:"stock_id" db:"stock_id"`
	OfferedPrice   decimal.Decimal `json:"offered_price" db:"offered_price"`
	OfferedBy      string          `json:"offered_by" db:"offered_by"`
	TargetUsers    []string        `json:"target_users" db:"target_users"` // empty = every holder
	Status         OfferStatus     `json:"status" db:"status"`
	AcceptedShares int64           `json:"accepted_shares" db:"accepted_shares"`
	ExpiresAt      time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Eligible reports whether userID may respond to the offer.
func (o *BuybackOffer) Eligible(userID string) bool {
	if len(o.TargetUsers) == 0 {
		return true
	}
	return slices.Contains(o.TargetUsers, userID)
}

// ExpiredAt reports whether the offer window has closed at now.
func (o *BuybackOffer) ExpiredAt(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// ResponseStatus is a single user's answer to an offer.
type ResponseStatus string

const (
	ResponseAccepted ResponseStatus = "accepted"
	ResponseDeclined ResponseStatus = "declined"
)

// OfferResponse records one user's accept or decline of an offer.
type OfferResponse struct {
	OfferID     string          `json:"offer_id" db:"offer_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Status      ResponseStatus  `json:"status" db:"status"`
	Shares      int64           `json:"shares" db:"shares"`
	Price       decimal.Decimal `json:"price" db:"price"`
	RespondedAt time.Time       `json:"responded_at" db:"responded_at"`
}

// BetType is the direction of a wager.
type BetType string

const (
	BetCall BetType = "call"
	BetPut  BetType = "put"
)

// Valid reports whether t is a known bet type.
func (t BetType) Valid() bool {
	return t == BetCall || t == BetPut
}

// DirectionalBet is a wager that a stock's price will finish above (call) or
// below (put) Strike at ExpiresAt. The wager is escrowed at placement.
type DirectionalBet struct {
	ID                string           `json:"id" db:"id"`
	UserID            string           `json:"user_id" db:"user_id"`
	StockID           string           `json:"stock_id" db:"stock_id"`
	Type              BetType          `json:"type" db:"type"`
	Strike            decimal.Decimal  `json:"strike" db:"strike"`
	AmountWagered     decimal.Decimal  `json:"amount_wagered" db:"amount_wagered"`
	ExpiryDays        int              `json:"expiry_days" db:"expiry_days"`
	ExpiresAt         time.Time        `json:"expires_at" db:"expires_at"`
	PlacedAt          time.Time        `json:"placed_at" db:"placed_at"`
	ConfirmedExpiryAt time.Time        `json:"confirmed_expiry_at" db:"confirmed_expiry_at"`
	Settled           bool             `json:"settled" db:"settled"`
	Payout            *decimal.Decimal `json:"payout" db:"payout"`
	SettlementPrice   *decimal.Decimal `json:"settlement_price,omitempty" db:"settlement_price"`
	SettledAt         *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
}

// ExpiryConfirmation is the recorded confirmation of an expiry window that
// must precede placing a bet on that window.
type ExpiryConfirmation struct {
	UserID      string    `json:"user_id" db:"user_id"`
	StockID     string    `json:"stock_id" db:"stock_id"`
	ExpiryDays  int       `json:"expiry_days" db:"expiry_days"`
	ConfirmedAt time.Time `json:"confirmed_at" db:"confirmed_at"`
}

// OptionChainEntry is one synthesized strike/expiry combination. It is
// derived from price and history on every read and never stored.
type OptionChainEntry struct {
	Symbol            string          `json:"symbol"`
	Type              BetType         `json:"type"`
	Strike            decimal.Decimal `json:"strike"`
	ExpiryDays        int             `json:"expiry_days"`
	ImpliedVolatility decimal.Decimal `json:"implied_volatility"`
	TheoreticalPrice  decimal.Decimal `json:"theoretical_price"`
	Delta             decimal.Decimal `json:"delta"`
	Gamma             decimal.Decimal `json:"gamma"`
	Theta             decimal.Decimal `json:"theta"` // per calendar day
	Vega              decimal.Decimal `json:"vega"`  // per 1 vol point
}

// OptionChain is the full synthesized chain for one stock.
type OptionChain struct {
	StockID            string             `json:"stock_id"`
	UnderlyingPrice    decimal.Decimal    `json:"underlying_price"`
	RealizedVolatility decimal.Decimal    `json:"realized_volatility"`
	Samples            int                `json:"samples"`
	Entries            []OptionChainEntry `json:"entries"`
}
