// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every multi-record mutation runs inside Update. A store must detect
// read-modify-write conflicts on the records a transaction read and report
// them as model.ErrConflict so callers can retry the whole cycle.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

// Reader is the point-read surface shared by the store and its transactions.
// Missing records are reported as model.ErrNotFound.
type Reader interface {
	GetStock(ctx context.Context, id string) (*model.Stock, error)
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	GetHolding(ctx context.Context, userID, stockID string) (*model.Holding, error)
	GetOffer(ctx context.Context, id string) (*model.BuybackOffer, error)
	GetOfferResponse(ctx context.Context, offerID, userID string) (*model.OfferResponse, error)
	GetBet(ctx context.Context, id string) (*model.DirectionalBet, error)
	GetExpiryConfirmation(ctx context.Context, userID, stockID string) (*model.ExpiryConfirmation, error)

	// ListOpenBetsByUser returns the user's unsettled bets.
	ListOpenBetsByUser(ctx context.Context, userID string) ([]model.DirectionalBet, error)

	// ListOfferResponses returns every response recorded for an offer.
	ListOfferResponses(ctx context.Context, offerID string) ([]model.OfferResponse, error)

	// LatestPriceSample returns the stock's newest history entry.
	LatestPriceSample(ctx context.Context, stockID string) (*model.PriceHistoryEntry, error)
}

// Tx is a read-modify-write unit. Writes become visible to other readers
// only when Update commits.
type Tx interface {
	Reader

	// PutStock creates or replaces a stock.
	PutStock(ctx context.Context, s *model.Stock) error

	// PutBalance creates or replaces a user's cash balance.
	PutBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	// PutHolding creates or replaces a (user, stock) holding.
	PutHolding(ctx context.Context, h *model.Holding) error

	// DeleteHolding removes a (user, stock) holding.
	DeleteHolding(ctx context.Context, userID, stockID string) error

	// --- Append-only logs ---

	InsertTransaction(ctx context.Context, t *model.Transaction) error
	AppendPriceHistory(ctx context.Context, e *model.PriceHistoryEntry) error

	// --- Buyback offers ---

	PutOffer(ctx context.Context, o *model.BuybackOffer) error
	PutOfferResponse(ctx context.Context, r *model.OfferResponse) error

	// --- Directional bets ---

	PutBet(ctx context.Context, b *model.DirectionalBet) error
	PutExpiryConfirmation(ctx context.Context, c *model.ExpiryConfirmation) error
	DeleteExpiryConfirmation(ctx context.Context, userID, stockID string) error

	// SetMeta stores a small engine-level value such as the last drift run.
	SetMeta(ctx context.Context, key, value string) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// Update runs fn in a transaction and commits if fn returns nil.
	// Returns model.ErrConflict when a concurrent writer invalidated a
	// record fn read; nothing fn wrote is applied in that case.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// --- Collection reads ---

	ListStocks(ctx context.Context) ([]model.Stock, error)
	ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error)
	ListHoldingsByStock(ctx context.Context, stockID string) ([]model.Holding, error)

	// GetPriceHistory returns the most recent limit samples for a stock in
	// ascending timestamp order. limit <= 0 returns the whole history.
	GetPriceHistory(ctx context.Context, stockID string, limit int) ([]model.PriceHistoryEntry, error)

	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// ListOffers returns offers with the given status; "" returns all.
	ListOffers(ctx context.Context, status model.OfferStatus) ([]model.BuybackOffer, error)

	// ListDueBets returns unsettled bets whose expiry is at or before t.
	ListDueBets(ctx context.Context, t time.Time) ([]model.DirectionalBet, error)

	// GetMeta returns a value stored with Tx.SetMeta.
	GetMeta(ctx context.Context, key string) (string, bool, error)
}

// MetaLastDriftRun is the meta key holding the last drift run timestamp
// (RFC 3339, UTC).
const MetaLastDriftRun = "drift.last_run"
