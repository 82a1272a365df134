package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

type pairKey struct {
	a, b string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are optimistic: reads record the version of every key they
// touch and commit fails with model.ErrConflict if any of those versions
// moved in the meantime.
type MemoryStore struct {
	mu        sync.RWMutex
	versions  map[string]uint64
	stocks    map[string]model.Stock
	balances  map[string]decimal.Decimal
	holdings  map[pairKey]model.Holding
	offers    map[string]model.BuybackOffer
	responses map[pairKey]model.OfferResponse
	bets      map[string]model.DirectionalBet
	confirms  map[pairKey]model.ExpiryConfirmation
	history   map[string][]model.PriceHistoryEntry
	txns      []model.Transaction
	meta      map[string]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions:  make(map[string]uint64),
		stocks:    make(map[string]model.Stock),
		balances:  make(map[string]decimal.Decimal),
		holdings:  make(map[pairKey]model.Holding),
		offers:    make(map[string]model.BuybackOffer),
		responses: make(map[pairKey]model.OfferResponse),
		bets:      make(map[string]model.DirectionalBet),
		confirms:  make(map[pairKey]model.ExpiryConfirmation),
		history:   make(map[string][]model.PriceHistoryEntry),
		meta:      make(map[string]string),
	}
}

// Version keys. Collection keys (bets:, responses:) are bumped whenever a
// member changes so list reads inside a transaction are conflict-checked too.
func stockKey(id string) string { return "stock:" + id }
func balanceKey(userID string) string { return "balance:" + userID }
func holdingKey(u, s string) string { return "holding:" + u + "/" + s }
func offerKey(id string) string { return "offer:" + id }
func responseKey(o, u string) string { return "response:" + o + "/" + u }
func responsesKey(offerID string) string { return "responses:" + offerID }
func betKey(id string) string { return "bet:" + id }
func userBetsKey(userID string) string { return "bets:" + userID }
func confirmKey(u, s string) string { return "confirm:" + u + "/" + s }

// --- Committed reads ---

func (s *MemoryStore) GetStock(_ context.Context, id string) (*model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stock(id)
}

func (s *MemoryStore) stock(id string) (*model.Stock, error) {
	st, ok := s.stocks[id]
	if !ok {
		return nil, fmt.Errorf("stock %s: %w", id, model.ErrNotFound)
	}
	return &st, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance(userID)
}

func (s *MemoryStore) balance(userID string) (decimal.Decimal, error) {
	b, ok := s.balances[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	return b, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, userID, stockID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holding(userID, stockID)
}

func (s *MemoryStore) holding(userID, stockID string) (*model.Holding, error) {
	h, ok := s.holdings[pairKey{userID, stockID}]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", userID, stockID, model.ErrNotFound)
	}
	return &h, nil
}

func (s *MemoryStore) GetOffer(_ context.Context, id string) (*model.BuybackOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offer(id)
}

func (s *MemoryStore) offer(id string) (*model.BuybackOffer, error) {
	o, ok := s.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, model.ErrNotFound)
	}
	o.TargetUsers = slices.Clone(o.TargetUsers)
	return &o, nil
}

func (s *MemoryStore) GetOfferResponse(_ context.Context, offerID, userID string) (*model.OfferResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.response(offerID, userID)
}

func (s *MemoryStore) response(offerID, userID string) (*model.OfferResponse, error) {
	r, ok := s.responses[pairKey{offerID, userID}]
	if !ok {
		return nil, fmt.Errorf("response %s/%s: %w", offerID, userID, model.ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) ListOfferResponses(_ context.Context, offerID string) ([]model.OfferResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortResponses(s.responsesOf(offerID)), nil
}

func (s *MemoryStore) responsesOf(offerID string) map[string]model.OfferResponse {
	out := make(map[string]model.OfferResponse)
	for k, r := range s.responses {
		if k.a == offerID {
			out[r.UserID] = r
		}
	}
	return out
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.DirectionalBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bet(id)
}

func (s *MemoryStore) bet(id string) (*model.DirectionalBet, error) {
	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, model.ErrNotFound)
	}
	return &b, nil
}

func (s *MemoryStore) ListOpenBetsByUser(_ context.Context, userID string) ([]model.DirectionalBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return openBets(s.betsOf(userID)), nil
}

func (s *MemoryStore) betsOf(userID string) map[string]model.DirectionalBet {
	out := make(map[string]model.DirectionalBet)
	for id, b := range s.bets {
		if b.UserID == userID {
			out[id] = b
		}
	}
	return out
}

func (s *MemoryStore) GetExpiryConfirmation(_ context.Context, userID, stockID string) (*model.ExpiryConfirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmation(userID, stockID)
}

func (s *MemoryStore) confirmation(userID, stockID string) (*model.ExpiryConfirmation, error) {
	c, ok := s.confirms[pairKey{userID, stockID}]
	if !ok {
		return nil, fmt.Errorf("expiry confirmation %s/%s: %w", userID, stockID, model.ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) ListStocks(_ context.Context) ([]model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stocks := make([]model.Stock, 0, len(s.stocks))
	for _, st := range s.stocks {
		stocks = append(stocks, st)
	}
	sort.Slice(stocks, func(i, j int) bool { return stocks[i].ID < stocks[j].ID })
	return stocks, nil
}

func (s *MemoryStore) ListHoldingsByUser(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for k, h := range s.holdings {
		if k.a == userID {
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StockID < result[j].StockID })
	return result, nil
}

func (s *MemoryStore) ListHoldingsByStock(_ context.Context, stockID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for k, h := range s.holdings {
		if k.b == stockID {
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (s *MemoryStore) GetPriceHistory(_ context.Context, stockID string, limit int) ([]model.PriceHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[stockID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return slices.Clone(h), nil
}

func (s *MemoryStore) LatestPriceSample(_ context.Context, stockID string) (*model.PriceHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestSample(stockID)
}

func (s *MemoryStore) latestSample(stockID string) (*model.PriceHistoryEntry, error) {
	h := s.history[stockID]
	if len(h) == 0 {
		return nil, fmt.Errorf("price history %s: %w", stockID, model.ErrNotFound)
	}
	e := h[len(h)-1]
	return &e, nil
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.txns {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListOffers(_ context.Context, status model.OfferStatus) ([]model.BuybackOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BuybackOffer
	for _, o := range s.offers {
		if status == "" || o.Status == status {
			o.TargetUsers = slices.Clone(o.TargetUsers)
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListDueBets(_ context.Context, t time.Time) ([]model.DirectionalBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DirectionalBet
	for _, b := range s.bets {
		if !b.Settled && !b.ExpiresAt.After(t) {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	return result, nil
}

func (s *MemoryStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	return v, ok, nil
}

// Snapshot serializes the complete committed state deterministically. Tests
// use it to assert that a rejected operation left no trace.
func (s *MemoryStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	holdings := make(map[string]model.Holding, len(s.holdings))
	for k, h := range s.holdings {
		holdings[k.a+"/"+k.b] = h
	}
	responses := make(map[string]model.OfferResponse, len(s.responses))
	for k, r := range s.responses {
		responses[k.a+"/"+k.b] = r
	}
	confirms := make(map[string]model.ExpiryConfirmation, len(s.confirms))
	for k, c := range s.confirms {
		confirms[k.a+"/"+k.b] = c
	}
	return json.Marshal(struct {
		Stocks    map[string]model.Stock               `json:"stocks"`
		Balances  map[string]decimal.Decimal           `json:"balances"`
		Holdings  map[string]model.Holding             `json:"holdings"`
		Offers    map[string]model.BuybackOffer        `json:"offers"`
		Responses map[string]model.OfferResponse       `json:"responses"`
		Bets      map[string]model.DirectionalBet      `json:"bets"`
		Confirms  map[string]model.ExpiryConfirmation  `json:"confirms"`
		History   map[string][]model.PriceHistoryEntry `json:"history"`
		Txns      []model.Transaction                  `json:"transactions"`
		Meta      map[string]string                    `json:"meta"`
	}{s.stocks, s.balances, holdings, s.offers, responses, s.bets, confirms, s.history, s.txns, s.meta})
}

// Update runs fn against a staged view of the store and commits atomically.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:      s,
		reads:  make(map[string]uint64),
		writes: make(map[string]pending),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// --- Transactions ---

type pending struct {
	val     any
	deleted bool
	bump    []string
	apply   func(s *MemoryStore)
}

type memTx struct {
	s       *MemoryStore
	reads   map[string]uint64
	writes  map[string]pending
	order   []string
	appends []func(s *MemoryStore)
	samples map[string]model.PriceHistoryEntry // newest staged sample per stock
}

// observe records the committed version of key. Callers hold s.mu.
func (tx *memTx) observe(key string) {
	if _, seen := tx.reads[key]; !seen {
		tx.reads[key] = tx.s.versions[key]
	}
}

func (tx *memTx) stage(key string, p pending) {
	if _, ok := tx.writes[key]; !ok {
		tx.order = append(tx.order, key)
	}
	tx.writes[key] = p
}

func (tx *memTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, v := range tx.reads {
		if s.versions[key] != v {
			return fmt.Errorf("%s: %w", key, model.ErrConflict)
		}
	}
	for _, key := range tx.order {
		p := tx.writes[key]
		p.apply(s)
		s.versions[key]++
		for _, b := range p.bump {
			s.versions[b]++
		}
	}
	for _, fn := range tx.appends {
		fn(s)
	}
	return nil
}

// txRead returns the staged value for key if fn already wrote it, otherwise
// the committed value, recording its version.
func txRead[T any](tx *memTx, key string, committed func() (T, error), notFound error) (T, error) {
	if p, ok := tx.writes[key]; ok {
		var zero T
		if p.deleted {
			return zero, notFound
		}
		return p.val.(T), nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	tx.observe(key)
	return committed()
}

func (tx *memTx) GetStock(_ context.Context, id string) (*model.Stock, error) {
	st, err := txRead(tx, stockKey(id), func() (model.Stock, error) {
		st, err := tx.s.stock(id)
		if err != nil {
			return model.Stock{}, err
		}
		return *st, nil
	}, fmt.Errorf("stock %s: %w", id, model.ErrNotFound))
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (tx *memTx) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	return txRead(tx, balanceKey(userID), func() (decimal.Decimal, error) {
		return tx.s.balance(userID)
	}, fmt.Errorf("account %s: %w", userID, model.ErrNotFound))
}

func (tx *memTx) GetHolding(_ context.Context, userID, stockID string) (*model.Holding, error) {
	h, err := txRead(tx, holdingKey(userID, stockID), func() (model.Holding, error) {
		h, err := tx.s.holding(userID, stockID)
		if err != nil {
			return model.Holding{}, err
		}
		return *h, nil
	}, fmt.Errorf("holding %s/%s: %w", userID, stockID, model.ErrNotFound))
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (tx *memTx) GetOffer(_ context.Context, id string) (*model.BuybackOffer, error) {
	o, err := txRead(tx, offerKey(id), func() (model.BuybackOffer, error) {
		o, err := tx.s.offer(id)
		if err != nil {
			return model.BuybackOffer{}, err
		}
		return *o, nil
	}, fmt.Errorf("offer %s: %w", id, model.ErrNotFound))
	if err != nil {
		return nil, err
	}
	o.TargetUsers = slices.Clone(o.TargetUsers)
	return &o, nil
}

func (tx *memTx) GetOfferResponse(_ context.Context, offerID, userID string) (*model.OfferResponse, error) {
	r, err := txRead(tx, responseKey(offerID, userID), func() (model.OfferResponse, error) {
		r, err := tx.s.response(offerID, userID)
		if err != nil {
			return model.OfferResponse{}, err
		}
		return *r, nil
	}, fmt.Errorf("response %s/%s: %w", offerID, userID, model.ErrNotFound))
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (tx *memTx) ListOfferResponses(_ context.Context, offerID string) ([]model.OfferResponse, error) {
	tx.s.mu.RLock()
	tx.observe(responsesKey(offerID))
	byUser := tx.s.responsesOf(offerID)
	tx.s.mu.RUnlock()

	for _, key := range tx.order {
		if r, ok := tx.writes[key].val.(model.OfferResponse); ok && r.OfferID == offerID {
			byUser[r.UserID] = r
		}
	}
	return sortResponses(byUser), nil
}

// LatestPriceSample reads committed history; every history writer also
// writes the stock, so the stock's version guards it.
func (tx *memTx) LatestPriceSample(_ context.Context, stockID string) (*model.PriceHistoryEntry, error) {
	tx.s.mu.RLock()
	tx.observe(stockKey(stockID))
	e, err := tx.s.latestSample(stockID)
	tx.s.mu.RUnlock()

	if staged, ok := tx.samples[stockID]; ok && (err != nil || !staged.Timestamp.Before(e.Timestamp)) {
		return &staged, nil
	}
	return e, err
}

func (tx *memTx) GetBet(_ context.Context, id string) (*model.DirectionalBet, error) {
	b, err := txRead(tx, betKey(id), func() (model.DirectionalBet, error) {
		b, err := tx.s.bet(id)
		if err != nil {
			return model.DirectionalBet{}, err
		}
		return *b, nil
	}, fmt.Errorf("bet %s: %w", id, model.ErrNotFound))
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (tx *memTx) ListOpenBetsByUser(_ context.Context, userID string) ([]model.DirectionalBet, error) {
	tx.s.mu.RLock()
	tx.observe(userBetsKey(userID))
	byID := tx.s.betsOf(userID)
	tx.s.mu.RUnlock()

	for _, key := range tx.order {
		if b, ok := tx.writes[key].val.(model.DirectionalBet); ok && b.UserID == userID {
			byID[b.ID] = b
		}
	}
	return openBets(byID), nil
}

func (tx *memTx) GetExpiryConfirmation(_ context.Context, userID, stockID string) (*model.ExpiryConfirmation, error) {
	c, err := txRead(tx, confirmKey(userID, stockID), func() (model.ExpiryConfirmation, error) {
		c, err := tx.s.confirmation(userID, stockID)
		if err != nil {
			return model.ExpiryConfirmation{}, err
		}
		return *c, nil
	}, fmt.Errorf("expiry confirmation %s/%s: %w", userID, stockID, model.ErrNotFound))
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (tx *memTx) PutStock(_ context.Context, st *model.Stock) error {
	v := *st
	tx.stage(stockKey(v.ID), pending{val: v, apply: func(s *MemoryStore) { s.stocks[v.ID] = v }})
	return nil
}

func (tx *memTx) PutBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	tx.stage(balanceKey(userID), pending{val: balance, apply: func(s *MemoryStore) { s.balances[userID] = balance }})
	return nil
}

func (tx *memTx) PutHolding(_ context.Context, h *model.Holding) error {
	v := *h
	k := pairKey{v.UserID, v.StockID}
	tx.stage(holdingKey(v.UserID, v.StockID), pending{val: v, apply: func(s *MemoryStore) { s.holdings[k] = v }})
	return nil
}

func (tx *memTx) DeleteHolding(_ context.Context, userID, stockID string) error {
	k := pairKey{userID, stockID}
	tx.stage(holdingKey(userID, stockID), pending{deleted: true, apply: func(s *MemoryStore) { delete(s.holdings, k) }})
	return nil
}

func (tx *memTx) InsertTransaction(_ context.Context, t *model.Transaction) error {
	v := *t
	tx.appends = append(tx.appends, func(s *MemoryStore) { s.txns = append(s.txns, v) })
	return nil
}

func (tx *memTx) AppendPriceHistory(_ context.Context, e *model.PriceHistoryEntry) error {
	v := *e
	if last, ok := tx.samples[v.StockID]; !ok || !v.Timestamp.Before(last.Timestamp) {
		if tx.samples == nil {
			tx.samples = make(map[string]model.PriceHistoryEntry)
		}
		tx.samples[v.StockID] = v
	}
	tx.appends = append(tx.appends, func(s *MemoryStore) {
		h := s.history[v.StockID]
		// Keep ascending timestamp order; equal timestamps keep insertion order.
		i := sort.Search(len(h), func(i int) bool { return h[i].Timestamp.After(v.Timestamp) })
		s.history[v.StockID] = slices.Insert(h, i, v)
	})
	return nil
}

func (tx *memTx) PutOffer(_ context.Context, o *model.BuybackOffer) error {
	v := *o
	v.TargetUsers = slices.Clone(o.TargetUsers)
	tx.stage(offerKey(v.ID), pending{val: v, apply: func(s *MemoryStore) { s.offers[v.ID] = v }})
	return nil
}

func (tx *memTx) PutOfferResponse(_ context.Context, r *model.OfferResponse) error {
	v := *r
	k := pairKey{v.OfferID, v.UserID}
	tx.stage(responseKey(v.OfferID, v.UserID), pending{
		val:   v,
		bump:  []string{responsesKey(v.OfferID)},
		apply: func(s *MemoryStore) { s.responses[k] = v },
	})
	return nil
}

func (tx *memTx) PutBet(_ context.Context, b *model.DirectionalBet) error {
	v := *b
	tx.stage(betKey(v.ID), pending{
		val:   v,
		bump:  []string{userBetsKey(v.UserID)},
		apply: func(s *MemoryStore) { s.bets[v.ID] = v },
	})
	return nil
}

func (tx *memTx) PutExpiryConfirmation(_ context.Context, c *model.ExpiryConfirmation) error {
	v := *c
	k := pairKey{v.UserID, v.StockID}
	tx.stage(confirmKey(v.UserID, v.StockID), pending{val: v, apply: func(s *MemoryStore) { s.confirms[k] = v }})
	return nil
}

func (tx *memTx) DeleteExpiryConfirmation(_ context.Context, userID, stockID string) error {
	k := pairKey{userID, stockID}
	tx.stage(confirmKey(userID, stockID), pending{deleted: true, apply: func(s *MemoryStore) { delete(s.confirms, k) }})
	return nil
}

func (tx *memTx) SetMeta(_ context.Context, key, value string) error {
	tx.stage("meta:"+key, pending{val: value, apply: func(s *MemoryStore) { s.meta[key] = value }})
	return nil
}

func openBets(byID map[string]model.DirectionalBet) []model.DirectionalBet {
	var result []model.DirectionalBet
	for _, b := range byID {
		if !b.Settled {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PlacedAt.Before(result[j].PlacedAt) })
	return result
}

func sortResponses(byUser map[string]model.OfferResponse) []model.OfferResponse {
	result := make([]model.OfferResponse, 0, len(byUser))
	for _, r := range byUser {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}
