package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/store"
)

// sampleStep separates a sample from an older one it would otherwise tie
// with or precede. PostgreSQL timestamps keep microseconds.
const sampleStep = time.Microsecond

// AppendHistory records a price sample inside tx. Samples are never
// rewritten. A sample is always stamped after the stock's newest one, so
// the latest sample is the price the transaction leaves behind even when
// writers' clocks disagree; the returned entry carries the time used.
func AppendHistory(ctx context.Context, tx store.Tx, stockID string, price decimal.Decimal, ts time.Time) (*model.PriceHistoryEntry, error) {
	if price.IsNegative() {
		return nil, fmt.Errorf("history sample %s: %w", price, model.ErrInvalidPrice)
	}
	last, err := tx.LatestPriceSample(ctx, stockID)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		return nil, err
	case !ts.After(last.Timestamp):
		ts = last.Timestamp.Add(sampleStep)
	}
	e := &model.PriceHistoryEntry{
		ID:        uuid.New().String(),
		StockID:   stockID,
		Price:     price,
		Timestamp: ts,
	}
	if err := tx.AppendPriceHistory(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// History returns the most recent limit samples for a stock in ascending
// timestamp order. limit <= 0 returns everything.
func (l *Ledger) History(ctx context.Context, stockID string, limit int) ([]model.PriceHistoryEntry, error) {
	if _, err := l.store.GetStock(ctx, stockID); err != nil {
		return nil, err
	}
	return l.store.GetPriceHistory(ctx, stockID, limit)
}
