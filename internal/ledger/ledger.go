// Package ledger owns stock share counts, prices and user cash balances.
//
// The ...Tx functions compose inside a store transaction so the trade,
// buyback and options engines can touch several records atomically. The
// Ledger type exposes each of them as a standalone operation that retries
// the whole read-modify-write on a write conflict.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/retry"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/store"
)

// MoneyScale is the number of decimal places balances are kept at.
const MoneyScale int32 = 2

// --- Transaction-composable operations ---

// GetStock returns the stock or model.ErrNotFound.
func GetStock(ctx context.Context, r store.Reader, stockID string) (*model.Stock, error) {
	return r.GetStock(ctx, stockID)
}

// AdjustSharesTx moves delta shares into (positive) or out of (negative)
// the stock's available pool. The pool must stay within [0, TotalShares].
func AdjustSharesTx(ctx context.Context, tx store.Tx, stockID string, delta int64) (*model.Stock, error) {
	st, err := tx.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	next := st.AvailableShares + delta
	if next < 0 || next > st.TotalShares {
		return nil, fmt.Errorf("stock %s: %d available, delta %d: %w",
			stockID, st.AvailableShares, delta, model.ErrInsufficientShares)
	}
	st.AvailableShares = next
	if err := tx.PutStock(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// SetPriceTx sets the stock's current price. Price history is the caller's
// responsibility (see AppendHistory).
func SetPriceTx(ctx context.Context, tx store.Tx, stockID string, price decimal.Decimal) (*model.Stock, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("stock %s: price %s: %w", stockID, price, model.ErrInvalidPrice)
	}
	st, err := tx.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	st.CurrentPrice = price
	if err := tx.PutStock(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// AdjustBalanceTx adds delta to the user's balance and returns the new
// balance. The balance may not go negative.
func AdjustBalanceTx(ctx context.Context, tx store.Tx, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	balance, err := tx.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	next := balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("user %s: balance %s, need %s: %w",
			userID, balance, delta.Neg(), model.ErrInsufficientFunds)
	}
	if err := tx.PutBalance(ctx, userID, next); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

// --- Standalone operations ---

// Ledger runs ledger operations as their own transactions.
type Ledger struct {
	store  store.Store
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetryPolicy overrides the conflict retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

// New creates a Ledger. A nil logger uses slog.Default().
func New(s store.Store, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:  s,
		policy: retry.Conflicts(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) update(ctx context.Context, fn func(tx store.Tx) error) error {
	return l.policy.Do(ctx, func(ctx context.Context) error {
		return l.store.Update(ctx, fn)
	})
}

// GetStock returns the stock or model.ErrNotFound.
func (l *Ledger) GetStock(ctx context.Context, stockID string) (*model.Stock, error) {
	return l.store.GetStock(ctx, stockID)
}

// ListStocks returns every stock ordered by id.
func (l *Ledger) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return l.store.ListStocks(ctx)
}

// AdjustShares atomically moves delta shares into or out of the pool.
func (l *Ledger) AdjustShares(ctx context.Context, stockID string, delta int64) (*model.Stock, error) {
	var out *model.Stock
	err := l.update(ctx, func(tx store.Tx) error {
		st, err := AdjustSharesTx(ctx, tx, stockID, delta)
		out = st
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetPrice atomically sets the price and records a history sample.
func (l *Ledger) SetPrice(ctx context.Context, stockID string, price decimal.Decimal) (*model.Stock, error) {
	var out *model.Stock
	err := l.update(ctx, func(tx store.Tx) error {
		st, err := SetPriceTx(ctx, tx, stockID, price)
		if err != nil {
			return err
		}
		out = st
		_, err = AppendHistory(ctx, tx, stockID, price, l.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AdjustBalance atomically adds delta to a user's balance.
func (l *Ledger) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := l.update(ctx, func(tx store.Tx) error {
		b, err := AdjustBalanceTx(ctx, tx, userID, delta)
		out = b
		return err
	})
	return out, err
}

// Balance returns the user's cash balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return l.store.GetBalance(ctx, userID)
}

// CreateStock lists a new stock with every share in the pool and records
// its initial price as the first history sample.
func (l *Ledger) CreateStock(ctx context.Context, characterName, anime string, price decimal.Decimal, totalShares int64) (*model.Stock, error) {
	characterName = strings.TrimSpace(characterName)
	anime = strings.TrimSpace(anime)
	if characterName == "" || anime == "" {
		return nil, fmt.Errorf("character name and anime are required: %w", model.ErrInvalidInput)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("initial price %s: %w", price, model.ErrInvalidPrice)
	}
	if totalShares <= 0 {
		return nil, fmt.Errorf("total shares %d: %w", totalShares, model.ErrInvalidQuantity)
	}

	now := l.now()
	st := &model.Stock{
		ID:              uuid.New().String(),
		CharacterName:   characterName,
		Anime:           anime,
		CurrentPrice:    price,
		TotalShares:     totalShares,
		AvailableShares: totalShares,
		CreatedAt:       now,
	}
	err := l.update(ctx, func(tx store.Tx) error {
		if err := tx.PutStock(ctx, st); err != nil {
			return err
		}
		_, err := AppendHistory(ctx, tx, st.ID, price, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("stock created",
		"stock_id", st.ID,
		"character", st.CharacterName,
		"anime", st.Anime,
		"price", price.String(),
		"total_shares", totalShares,
	)
	return st, nil
}

// OpenAccount creates a cash account. Opening an existing account is a
// no-op that returns the current balance.
func (l *Ledger) OpenAccount(ctx context.Context, userID string, initial decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(userID) == "" {
		return decimal.Zero, fmt.Errorf("user id is required: %w", model.ErrInvalidInput)
	}
	if initial.IsNegative() {
		return decimal.Zero, fmt.Errorf("initial balance %s: %w", initial, model.ErrInvalidInput)
	}

	var out decimal.Decimal
	err := l.update(ctx, func(tx store.Tx) error {
		b, err := tx.GetBalance(ctx, userID)
		if err == nil {
			out = b
			return nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		out = initial.Round(MoneyScale)
		return tx.PutBalance(ctx, userID, out)
	})
	return out, err
}

// Deposit credits a positive amount to an existing account.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("deposit %s: %w", amount, model.ErrInvalidInput)
	}
	return l.AdjustBalance(ctx, userID, amount.Round(MoneyScale))
}

// Transactions returns the user's trade log in timestamp order.
func (l *Ledger) Transactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return l.store.ListTransactionsByUser(ctx, userID)
}

// Portfolio values the user's holdings at current prices.
func (l *Ledger) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	balance, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings, err := l.store.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}

	p := &model.Portfolio{
		UserID:        userID,
		Balance:       balance,
		Positions:     make([]model.PortfolioPosition, 0, len(holdings)),
		HoldingsValue: decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
	for _, h := range holdings {
		st, err := l.store.GetStock(ctx, h.StockID)
		if err != nil {
			return nil, err
		}
		shares := decimal.NewFromInt(h.Shares)
		value := st.CurrentPrice.Mul(shares).Round(MoneyScale)
		pnl := value.Sub(h.AverageBuyPrice.Mul(shares)).Round(MoneyScale)

		p.Positions = append(p.Positions, model.PortfolioPosition{
			Holding:       h,
			CharacterName: st.CharacterName,
			Anime:         st.Anime,
			CurrentPrice:  st.CurrentPrice,
			MarketValue:   value,
			UnrealizedPnL: pnl,
		})
		p.HoldingsValue = p.HoldingsValue.Add(value)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(pnl)
	}
	p.NetWorth = p.Balance.Add(p.HoldingsValue)
	return p, nil
}
