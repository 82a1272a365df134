// Package trade executes buy and sell orders against the ledger.
//
// An order's balance, pool, holding and transaction-log writes commit in a
// single store transaction: a rejected or failed order leaves no trace.
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/events"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/impact"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/ledger"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/metrics"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/retry"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/store"
)

// AvgPriceScale is the precision of a holding's average buy price.
const AvgPriceScale int32 = 4

// Executor runs orders. It holds no locks across store calls; concurrent
// orders on the same keys are serialized by the store's conflict detection
// and retried here.
type Executor struct {
	store  store.Store
	impact *impact.Model // nil disables price impact
	sink   events.Sink
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithImpact enables the price-impact model.
func WithImpact(m *impact.Model) Option {
	return func(e *Executor) { e.impact = m }
}

// WithEvents sets the sink receiving trade_executed events.
func WithEvents(s events.Sink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithRetryPolicy overrides the conflict retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor. A nil logger uses slog.Default().
func NewExecutor(s store.Store, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:  s,
		policy: retry.Conflicts(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result describes a filled order.
type Result struct {
	Transaction model.Transaction `json:"transaction"`
	Balance     decimal.Decimal   `json:"balance"`
	Holding     *model.Holding    `json:"holding"` // nil when the position was closed
	Stock       model.Stock       `json:"stock"`   // after price impact
}

// Buy purchases shares from the stock's pool at its current price.
func (e *Executor) Buy(ctx context.Context, userID, stockID string, shares int64) (*Result, error) {
	return e.execute(ctx, model.TransactionBuy, userID, stockID, shares)
}

// Sell returns shares to the stock's pool at its current price.
func (e *Executor) Sell(ctx context.Context, userID, stockID string, shares int64) (*Result, error) {
	return e.execute(ctx, model.TransactionSell, userID, stockID, shares)
}

func (e *Executor) execute(ctx context.Context, typ model.TransactionType, userID, stockID string, shares int64) (*Result, error) {
	start := time.Now()
	op := string(typ)

	if shares <= 0 {
		return nil, e.reject(op, fmt.Errorf("%s %d shares: %w", op, shares, model.ErrInvalidQuantity))
	}
	if userID == "" || stockID == "" {
		return nil, e.reject(op, fmt.Errorf("user and stock are required: %w", model.ErrInvalidInput))
	}

	policy := e.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.StoreRetries.WithLabelValues(op, model.Code(err)).Inc()
		e.logger.Debug("retrying trade", "op", op, "attempt", attempt, "delay", delay, "err", err)
	}

	var res *Result
	err := policy.Do(ctx, func(ctx context.Context) error {
		return e.store.Update(ctx, func(tx store.Tx) error {
			var err error
			if typ == model.TransactionBuy {
				res, err = e.buyTx(ctx, tx, userID, stockID, shares)
			} else {
				res, err = e.sellTx(ctx, tx, userID, stockID, shares)
			}
			return err
		})
	})
	if err != nil {
		return nil, e.reject(op, err)
	}

	metrics.TradesTotal.WithLabelValues(op).Inc()
	metrics.TradeVolume.WithLabelValues(stockID, op).Add(float64(shares))
	metrics.TradeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	t := res.Transaction
	e.logger.Info("trade executed",
		"trade_id", t.ID,
		"user", userID,
		"stock", stockID,
		"type", op,
		"shares", shares,
		"price", t.PricePerShare.String(),
		"total", t.TotalAmount.String(),
		"new_price", res.Stock.CurrentPrice.String(),
	)
	events.Publish(ctx, e.sink, e.logger, model.Event{
		Type:      model.EventTradeExecuted,
		StockID:   stockID,
		UserID:    userID,
		Kind:      op,
		Shares:    shares,
		Amount:    t.TotalAmount,
		Price:     t.PricePerShare,
		Timestamp: t.Timestamp,
	})
	return res, nil
}

func (e *Executor) reject(op string, err error) error {
	metrics.Rejections.WithLabelValues(op, model.Code(err)).Inc()
	return err
}

func (e *Executor) buyTx(ctx context.Context, tx store.Tx, userID, stockID string, shares int64) (*Result, error) {
	st, err := tx.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	price := st.CurrentPrice
	qty := decimal.NewFromInt(shares)
	cost := price.Mul(qty).Round(ledger.MoneyScale)

	balance, err := tx.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(cost) {
		return nil, fmt.Errorf("buy %d %s at %s costs %s, balance %s: %w",
			shares, stockID, price, cost, balance, model.ErrInsufficientFunds)
	}
	if st.AvailableShares < shares {
		return nil, fmt.Errorf("buy %d %s, %d available: %w",
			shares, stockID, st.AvailableShares, model.ErrInsufficientShares)
	}

	newBalance, err := ledger.AdjustBalanceTx(ctx, tx, userID, cost.Neg())
	if err != nil {
		return nil, err
	}
	st, err = ledger.AdjustSharesTx(ctx, tx, stockID, -shares)
	if err != nil {
		return nil, err
	}

	h, err := tx.GetHolding(ctx, userID, stockID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		h = &model.Holding{UserID: userID, StockID: stockID, AverageBuyPrice: decimal.Zero}
	case err != nil:
		return nil, err
	}
	oldShares := decimal.NewFromInt(h.Shares)
	h.AverageBuyPrice = h.AverageBuyPrice.Mul(oldShares).Add(cost).
		Div(oldShares.Add(qty)).Round(AvgPriceScale)
	h.Shares += shares
	if err := tx.PutHolding(ctx, h); err != nil {
		return nil, err
	}

	now := e.now()
	t, err := insertTransaction(ctx, tx, model.TransactionBuy, userID, stockID, shares, price, cost, now)
	if err != nil {
		return nil, err
	}

	if e.impact != nil {
		next := e.impact.PriceAfterBuy(price, shares, st.TotalShares)
		if st, err = e.applyImpact(ctx, tx, st, next, now); err != nil {
			return nil, err
		}
	}
	return &Result{Transaction: *t, Balance: newBalance, Holding: h, Stock: *st}, nil
}

func (e *Executor) sellTx(ctx context.Context, tx store.Tx, userID, stockID string, shares int64) (*Result, error) {
	st, err := tx.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	price := st.CurrentPrice

	now := e.now()
	sold, err := sellAt(ctx, tx, userID, stockID, shares, price, now)
	if err != nil {
		return nil, err
	}

	st = sold.stock
	if e.impact != nil {
		next := e.impact.PriceAfterSell(price, shares, st.TotalShares)
		if st, err = e.applyImpact(ctx, tx, st, next, now); err != nil {
			return nil, err
		}
	}
	return &Result{Transaction: *sold.txn, Balance: sold.balance, Holding: sold.holding, Stock: *st}, nil
}

// applyImpact moves the price and records the sample. An unchanged price
// writes nothing.
func (e *Executor) applyImpact(ctx context.Context, tx store.Tx, st *model.Stock, next decimal.Decimal, ts time.Time) (*model.Stock, error) {
	if next.Equal(st.CurrentPrice) {
		return st, nil
	}
	updated, err := ledger.SetPriceTx(ctx, tx, st.ID, next)
	if err != nil {
		return nil, err
	}
	if _, err := ledger.AppendHistory(ctx, tx, st.ID, next, ts); err != nil {
		return nil, err
	}
	return updated, nil
}

// insertTransaction appends an immutable trade record inside tx.
func insertTransaction(ctx context.Context, tx store.Tx, typ model.TransactionType, userID, stockID string,
	shares int64, price, total decimal.Decimal, ts time.Time) (*model.Transaction, error) {
	t := &model.Transaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		StockID:       stockID,
		Type:          typ,
		Shares:        shares,
		PricePerShare: price,
		TotalAmount:   total,
		Timestamp:     ts,
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// RecordSale books a sale at a fixed price inside tx: the user is credited,
// the shares return to the pool, the holding shrinks or is removed and a
// sell transaction is logged. The stock's market price is not touched.
// Buyback acceptance uses it to sell at the offered price.
func RecordSale(ctx context.Context, tx store.Tx, userID, stockID string, shares int64, price decimal.Decimal, ts time.Time) (*model.Transaction, error) {
	if shares <= 0 {
		return nil, fmt.Errorf("sell %d shares: %w", shares, model.ErrInvalidQuantity)
	}
	sold, err := sellAt(ctx, tx, userID, stockID, shares, price, ts)
	if err != nil {
		return nil, err
	}
	return sold.txn, nil
}

type sale struct {
	txn     *model.Transaction
	balance decimal.Decimal
	holding *model.Holding // nil when the position was closed
	stock   *model.Stock
}

func sellAt(ctx context.Context, tx store.Tx, userID, stockID string, shares int64, price decimal.Decimal, ts time.Time) (*sale, error) {
	h, err := tx.GetHolding(ctx, userID, stockID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("sell %d %s, user holds none: %w", shares, stockID, model.ErrInsufficientShares)
	case err != nil:
		return nil, err
	}
	if h.Shares < shares {
		return nil, fmt.Errorf("sell %d %s, user holds %d: %w", shares, stockID, h.Shares, model.ErrInsufficientShares)
	}

	proceeds := price.Mul(decimal.NewFromInt(shares)).Round(ledger.MoneyScale)
	balance, err := ledger.AdjustBalanceTx(ctx, tx, userID, proceeds)
	if err != nil {
		return nil, err
	}
	st, err := ledger.AdjustSharesTx(ctx, tx, stockID, shares)
	if err != nil {
		return nil, err
	}

	var remaining *model.Holding
	if h.Shares == shares {
		err = tx.DeleteHolding(ctx, userID, stockID)
	} else {
		h.Shares -= shares
		err = tx.PutHolding(ctx, h)
		remaining = h
	}
	if err != nil {
		return nil, err
	}

	t, err := insertTransaction(ctx, tx, model.TransactionSell, userID, stockID, shares, price, proceeds, ts)
	if err != nil {
		return nil, err
	}
	return &sale{txn: t, balance: balance, holding: remaining, stock: st}, nil
}
