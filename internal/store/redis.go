package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for stocks and price history. Writes go to the primary store and
// invalidate the cache after commit; reads check Redis first then fall back
// to the primary.
//
// Cache entries are keyed by a per-stock generation. Invalidation bumps the
// generation instead of deleting entries, so a read that fetched from the
// primary before a commit can only populate a key no later read will use.
// Superseded entries expire after the TTL.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	touched := make(map[string]struct{})
	err := s.primary.Update(ctx, func(tx Tx) error {
		clear(touched) // the primary may re-run fn
		return fn(&trackingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	if len(touched) == 0 {
		return nil
	}
	// The commit happened; a cancelled caller must not skip invalidation.
	ctx = context.WithoutCancel(ctx)
	pipe := s.rdb.Pipeline()
	for id := range touched {
		pipe.Incr(ctx, generationKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("cache invalidation failed", "stocks", len(touched), "error", err)
	}
	return nil
}

// trackingTx records which stocks a transaction modified.
type trackingTx struct {
	Tx
	touched map[string]struct{}
}

func (t *trackingTx) PutStock(ctx context.Context, st *model.Stock) error {
	t.touched[st.ID] = struct{}{}
	return t.Tx.PutStock(ctx, st)
}

func (t *trackingTx) AppendPriceHistory(ctx context.Context, e *model.PriceHistoryEntry) error {
	t.touched[e.StockID] = struct{}{}
	return t.Tx.AppendPriceHistory(ctx, e)
}

// generation returns the stock's current cache generation. ok is false when
// Redis cannot be read and the cache should be bypassed.
func (s *CachedStore) generation(ctx context.Context, id string) (int64, bool) {
	gen, err := s.rdb.Get(ctx, generationKey(id)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, true
	case err != nil:
		s.logger.Debug("cache generation unavailable", "stock", id, "error", err)
		return 0, false
	}
	return gen, true
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	gen, ok := s.generation(ctx, id)
	if !ok {
		return s.primary.GetStock(ctx, id)
	}
	key := stockCacheKey(id, gen)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var st model.Stock
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	// Cache miss: read from primary.
	st, err := s.primary.GetStock(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return st, nil
}

// GetPriceHistory caches each requested window as a field of one hash per
// stock so a single delete drops every window.
func (s *CachedStore) GetPriceHistory(ctx context.Context, stockID string, limit int) ([]model.PriceHistoryEntry, error) {
	gen, ok := s.generation(ctx, stockID)
	if !ok {
		return s.primary.GetPriceHistory(ctx, stockID, limit)
	}
	key := historyCacheKey(stockID, gen)
	field := strconv.Itoa(max(limit, 0))

	data, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err == nil {
		var entries []model.PriceHistoryEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.GetPriceHistory(ctx, stockID, limit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, key, field, data)
		pipe.Expire(ctx, key, s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.GetBalance(ctx, userID)
}

func (s *CachedStore) GetHolding(ctx context.Context, userID, stockID string) (*model.Holding, error) {
	return s.primary.GetHolding(ctx, userID, stockID)
}

func (s *CachedStore) GetOffer(ctx context.Context, id string) (*model.BuybackOffer, error) {
	return s.primary.GetOffer(ctx, id)
}

func (s *CachedStore) GetOfferResponse(ctx context.Context, offerID, userID string) (*model.OfferResponse, error) {
	return s.primary.GetOfferResponse(ctx, offerID, userID)
}

func (s *CachedStore) GetBet(ctx context.Context, id string) (*model.DirectionalBet, error) {
	return s.primary.GetBet(ctx, id)
}

func (s *CachedStore) GetExpiryConfirmation(ctx context.Context, userID, stockID string) (*model.ExpiryConfirmation, error) {
	return s.primary.GetExpiryConfirmation(ctx, userID, stockID)
}

func (s *CachedStore) ListOpenBetsByUser(ctx context.Context, userID string) ([]model.DirectionalBet, error) {
	return s.primary.ListOpenBetsByUser(ctx, userID)
}

func (s *CachedStore) ListOfferResponses(ctx context.Context, offerID string) ([]model.OfferResponse, error) {
	return s.primary.ListOfferResponses(ctx, offerID)
}

func (s *CachedStore) LatestPriceSample(ctx context.Context, stockID string) (*model.PriceHistoryEntry, error) {
	return s.primary.LatestPriceSample(ctx, stockID)
}

func (s *CachedStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return s.primary.ListStocks(ctx)
}

func (s *CachedStore) ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	return s.primary.ListHoldingsByUser(ctx, userID)
}

func (s *CachedStore) ListHoldingsByStock(ctx context.Context, stockID string) ([]model.Holding, error) {
	return s.primary.ListHoldingsByStock(ctx, stockID)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

func (s *CachedStore) ListOffers(ctx context.Context, status model.OfferStatus) ([]model.BuybackOffer, error) {
	return s.primary.ListOffers(ctx, status)
}

func (s *CachedStore) ListDueBets(ctx context.Context, t time.Time) ([]model.DirectionalBet, error) {
	return s.primary.ListDueBets(ctx, t)
}

func (s *CachedStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	return s.primary.GetMeta(ctx, key)
}

// --- Cache helpers ---

func generationKey(id string) string { return fmt.Sprintf("asm:gen:%s", id) }

func stockCacheKey(id string, gen int64) string {
	return fmt.Sprintf("asm:stock:%s:%d", id, gen)
}

func historyCacheKey(id string, gen int64) string {
	return fmt.Sprintf("asm:history:%s:%d", id, gen)
}
