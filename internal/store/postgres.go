package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

//go:embed schema.sql
var schema string

// PoolConfig tunes the pgx connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Connect opens and pings a PostgreSQL pool.
func Connect(ctx context.Context, databaseURL string, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pc.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Update runs at SERIALIZABLE isolation and locks every row it reads.
type PostgresStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// pgReader implements Reader. Inside a transaction lock is " FOR UPDATE".
type pgReader struct {
	q    querier
	lock string
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{pgReader{q: tx, lock: " FOR UPDATE"}}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError translates driver failures into the store's sentinel errors.
// Errors that already carry a model sentinel pass through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%w: %v", model.ErrConflict, err)
		case pgErr.Code == "53300" || pgErr.Code == "53400":
			return fmt.Errorf("%w: %v", model.ErrRateLimited, err)
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08", pgErr.Code == "57P01", pgErr.Code == "57014":
			return fmt.Errorf("%w: %v", model.ErrTransientStore, err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", model.ErrTransientStore, err)
	}
	return err
}

// rowErr maps pgx.ErrNoRows to model.ErrNotFound and everything else
// through mapError.
func rowErr(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, model.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, mapError(err))...)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func decPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := dec(*s)
	return &d
}

func decArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// --- Column lists and scanners ---

const stockCols = `id, character_name, anime, current_price::TEXT, total_shares, available_shares, created_at`

func scanStock(row scanner) (*model.Stock, error) {
	var st model.Stock
	var price string
	if err := row.Scan(&st.ID, &st.CharacterName, &st.Anime, &price,
		&st.TotalShares, &st.AvailableShares, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.CurrentPrice = dec(price)
	return &st, nil
}

const holdingCols = `user_id, stock_id, shares, average_buy_price::TEXT`

func scanHolding(row scanner) (*model.Holding, error) {
	var h model.Holding
	var avg string
	if err := row.Scan(&h.UserID, &h.StockID, &h.Shares, &avg); err != nil {
		return nil, err
	}
	h.AverageBuyPrice = dec(avg)
	return &h, nil
}

const offerCols = `id, stock_id, offered_price::TEXT, offered_by, target_users, status, accepted_shares, expires_at, created_at`

func scanOffer(row scanner) (*model.BuybackOffer, error) {
	var o model.BuybackOffer
	var price string
	if err := row.Scan(&o.ID, &o.StockID, &price, &o.OfferedBy, &o.TargetUsers,
		&o.Status, &o.AcceptedShares, &o.ExpiresAt, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.OfferedPrice = dec(price)
	return &o, nil
}

const responseCols = `offer_id, user_id, status, shares, price::TEXT, responded_at`

func scanResponse(row scanner) (*model.OfferResponse, error) {
	var r model.OfferResponse
	var price string
	if err := row.Scan(&r.OfferID, &r.UserID, &r.Status, &r.Shares, &price, &r.RespondedAt); err != nil {
		return nil, err
	}
	r.Price = dec(price)
	return &r, nil
}

const betCols = `id, user_id, stock_id, type, strike::TEXT, amount_wagered::TEXT, expiry_days,
	expires_at, placed_at, confirmed_expiry_at, settled, payout::TEXT, settlement_price::TEXT, settled_at`

func scanBet(row scanner) (*model.DirectionalBet, error) {
	var b model.DirectionalBet
	var strike, amount string
	var payout, settlement *string
	if err := row.Scan(&b.ID, &b.UserID, &b.StockID, &b.Type, &strike, &amount, &b.ExpiryDays,
		&b.ExpiresAt, &b.PlacedAt, &b.ConfirmedExpiryAt, &b.Settled, &payout, &settlement, &b.SettledAt); err != nil {
		return nil, err
	}
	b.Strike = dec(strike)
	b.AmountWagered = dec(amount)
	b.Payout = decPtr(payout)
	b.SettlementPrice = decPtr(settlement)
	return &b, nil
}

func collect[T any](rows pgx.Rows, scan func(scanner) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, *v)
	}
	return out, mapError(rows.Err())
}

// --- Reader ---

func (r pgReader) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	st, err := scanStock(r.q.QueryRow(ctx,
		`SELECT `+stockCols+` FROM stocks WHERE id = $1`+r.lock, id))
	if err != nil {
		return nil, rowErr(err, "get stock %s", id)
	}
	return st, nil
}

func (r pgReader) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance string
	err := r.q.QueryRow(ctx,
		`SELECT balance::TEXT FROM accounts WHERE user_id = $1`+r.lock, userID).Scan(&balance)
	if err != nil {
		return decimal.Zero, rowErr(err, "get balance %s", userID)
	}
	return dec(balance), nil
}

func (r pgReader) GetHolding(ctx context.Context, userID, stockID string) (*model.Holding, error) {
	h, err := scanHolding(r.q.QueryRow(ctx,
		`SELECT `+holdingCols+` FROM holdings WHERE user_id = $1 AND stock_id = $2`+r.lock, userID, stockID))
	if err != nil {
		return nil, rowErr(err, "get holding %s/%s", userID, stockID)
	}
	return h, nil
}

func (r pgReader) GetOffer(ctx context.Context, id string) (*model.BuybackOffer, error) {
	o, err := scanOffer(r.q.QueryRow(ctx,
		`SELECT `+offerCols+` FROM buyback_offers WHERE id = $1`+r.lock, id))
	if err != nil {
		return nil, rowErr(err, "get offer %s", id)
	}
	return o, nil
}

func (r pgReader) GetOfferResponse(ctx context.Context, offerID, userID string) (*model.OfferResponse, error) {
	resp, err := scanResponse(r.q.QueryRow(ctx,
		`SELECT `+responseCols+` FROM offer_responses WHERE offer_id = $1 AND user_id = $2`+r.lock, offerID, userID))
	if err != nil {
		return nil, rowErr(err, "get response %s/%s", offerID, userID)
	}
	return resp, nil
}

func (r pgReader) GetBet(ctx context.Context, id string) (*model.DirectionalBet, error) {
	b, err := scanBet(r.q.QueryRow(ctx,
		`SELECT `+betCols+` FROM directional_bets WHERE id = $1`+r.lock, id))
	if err != nil {
		return nil, rowErr(err, "get bet %s", id)
	}
	return b, nil
}

func (r pgReader) GetExpiryConfirmation(ctx context.Context, userID, stockID string) (*model.ExpiryConfirmation, error) {
	var c model.ExpiryConfirmation
	err := r.q.QueryRow(ctx,
		`SELECT user_id, stock_id, expiry_days, confirmed_at
		 FROM expiry_confirmations WHERE user_id = $1 AND stock_id = $2`+r.lock, userID, stockID).
		Scan(&c.UserID, &c.StockID, &c.ExpiryDays, &c.ConfirmedAt)
	if err != nil {
		return nil, rowErr(err, "get expiry confirmation %s/%s", userID, stockID)
	}
	return &c, nil
}

func (r pgReader) ListOpenBetsByUser(ctx context.Context, userID string) ([]model.DirectionalBet, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+betCols+` FROM directional_bets
		 WHERE user_id = $1 AND NOT settled ORDER BY placed_at`+r.lock, userID)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanBet)
}

func (r pgReader) ListOfferResponses(ctx context.Context, offerID string) ([]model.OfferResponse, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+responseCols+` FROM offer_responses WHERE offer_id = $1 ORDER BY user_id`+r.lock, offerID)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanResponse)
}

func (r pgReader) LatestPriceSample(ctx context.Context, stockID string) (*model.PriceHistoryEntry, error) {
	var (
		e     model.PriceHistoryEntry
		price string
	)
	err := r.q.QueryRow(ctx,
		`SELECT id, stock_id, price::TEXT, timestamp FROM price_history
		 WHERE stock_id = $1 ORDER BY timestamp DESC, seq DESC LIMIT 1`+r.lock, stockID).
		Scan(&e.ID, &e.StockID, &price, &e.Timestamp)
	if err != nil {
		return nil, rowErr(err, "price history %s", stockID)
	}
	e.Price = dec(price)
	return &e, nil
}

// --- Collection reads ---

func (s *PostgresStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stockCols+` FROM stocks ORDER BY id`)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanStock)
}

func (s *PostgresStore) ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingCols+` FROM holdings WHERE user_id = $1 ORDER BY stock_id`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanHolding)
}

func (s *PostgresStore) ListHoldingsByStock(ctx context.Context, stockID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingCols+` FROM holdings WHERE stock_id = $1 ORDER BY user_id`, stockID)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanHolding)
}

func (s *PostgresStore) GetPriceHistory(ctx context.Context, stockID string, limit int) ([]model.PriceHistoryEntry, error) {
	var lim any // NULL means no limit
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, stock_id, price, timestamp FROM (
		     SELECT seq, id, stock_id, price::TEXT AS price, timestamp
		     FROM price_history WHERE stock_id = $1
		     ORDER BY timestamp DESC, seq DESC LIMIT $2
		 ) recent ORDER BY timestamp, seq`, stockID, lim)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, func(row scanner) (*model.PriceHistoryEntry, error) {
		var e model.PriceHistoryEntry
		var price string
		if err := row.Scan(&e.ID, &e.StockID, &price, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Price = dec(price)
		return &e, nil
	})
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, stock_id, type, shares, price_per_share::TEXT, total_amount::TEXT, timestamp
		 FROM transactions WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, func(row scanner) (*model.Transaction, error) {
		var t model.Transaction
		var price, total string
		if err := row.Scan(&t.ID, &t.UserID, &t.StockID, &t.Type, &t.Shares, &price, &total, &t.Timestamp); err != nil {
			return nil, err
		}
		t.PricePerShare = dec(price)
		t.TotalAmount = dec(total)
		return &t, nil
	})
}

func (s *PostgresStore) ListOffers(ctx context.Context, status model.OfferStatus) ([]model.BuybackOffer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+offerCols+` FROM buyback_offers
		 WHERE $1 = '' OR status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanOffer)
}

func (s *PostgresStore) ListDueBets(ctx context.Context, t time.Time) ([]model.DirectionalBet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betCols+` FROM directional_bets
		 WHERE NOT settled AND expires_at <= $1 ORDER BY expires_at`, t)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanBet)
}

func (s *PostgresStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM engine_meta WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapError(err)
	}
	return v, true, nil
}

// --- Transaction writes ---

type pgTx struct {
	pgReader
}

func (tx *pgTx) exec(ctx context.Context, sql string, args ...any) error {
	_, err := tx.q.Exec(ctx, sql, args...)
	return mapError(err)
}

func (tx *pgTx) PutStock(ctx context.Context, st *model.Stock) error {
	return tx.exec(ctx,
		`INSERT INTO stocks (id, character_name, anime, current_price, total_shares, available_shares, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     character_name = EXCLUDED.character_name, anime = EXCLUDED.anime,
		     current_price = EXCLUDED.current_price, total_shares = EXCLUDED.total_shares,
		     available_shares = EXCLUDED.available_shares`,
		st.ID, st.CharacterName, st.Anime, st.CurrentPrice.String(),
		st.TotalShares, st.AvailableShares, st.CreatedAt)
}

func (tx *pgTx) PutBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	return tx.exec(ctx,
		`INSERT INTO accounts (user_id, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance`,
		userID, balance.String())
}

func (tx *pgTx) PutHolding(ctx context.Context, h *model.Holding) error {
	return tx.exec(ctx,
		`INSERT INTO holdings (user_id, stock_id, shares, average_buy_price) VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (user_id, stock_id) DO UPDATE SET
		     shares = EXCLUDED.shares, average_buy_price = EXCLUDED.average_buy_price`,
		h.UserID, h.StockID, h.Shares, h.AverageBuyPrice.String())
}

func (tx *pgTx) DeleteHolding(ctx context.Context, userID, stockID string) error {
	return tx.exec(ctx, `DELETE FROM holdings WHERE user_id = $1 AND stock_id = $2`, userID, stockID)
}

func (tx *pgTx) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	return tx.exec(ctx,
		`INSERT INTO transactions (id, user_id, stock_id, type, shares, price_per_share, total_amount, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		t.ID, t.UserID, t.StockID, t.Type, t.Shares,
		t.PricePerShare.String(), t.TotalAmount.String(), t.Timestamp)
}

func (tx *pgTx) AppendPriceHistory(ctx context.Context, e *model.PriceHistoryEntry) error {
	return tx.exec(ctx,
		`INSERT INTO price_history (id, stock_id, price, timestamp) VALUES ($1, $2, $3::NUMERIC, $4)`,
		e.ID, e.StockID, e.Price.String(), e.Timestamp)
}

func (tx *pgTx) PutOffer(ctx context.Context, o *model.BuybackOffer) error {
	targets := o.TargetUsers
	if targets == nil {
		targets = []string{}
	}
	return tx.exec(ctx,
		`INSERT INTO buyback_offers (id, stock_id, offered_price, offered_by, target_users, status, accepted_shares, expires_at, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, accepted_shares = EXCLUDED.accepted_shares`,
		o.ID, o.StockID, o.OfferedPrice.String(), o.OfferedBy, targets,
		o.Status, o.AcceptedShares, o.ExpiresAt, o.CreatedAt)
}

func (tx *pgTx) PutOfferResponse(ctx context.Context, r *model.OfferResponse) error {
	return tx.exec(ctx,
		`INSERT INTO offer_responses (offer_id, user_id, status, shares, price, responded_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		r.OfferID, r.UserID, r.Status, r.Shares, r.Price.String(), r.RespondedAt)
}

func (tx *pgTx) PutBet(ctx context.Context, b *model.DirectionalBet) error {
	return tx.exec(ctx,
		`INSERT INTO directional_bets (id, user_id, stock_id, type, strike, amount_wagered, expiry_days,
		     expires_at, placed_at, confirmed_expiry_at, settled, payout, settlement_price, settled_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12::NUMERIC, $13::NUMERIC, $14)
		 ON CONFLICT (id) DO UPDATE SET
		     settled = EXCLUDED.settled, payout = EXCLUDED.payout,
		     settlement_price = EXCLUDED.settlement_price, settled_at = EXCLUDED.settled_at`,
		b.ID, b.UserID, b.StockID, b.Type, b.Strike.String(), b.AmountWagered.String(), b.ExpiryDays,
		b.ExpiresAt, b.PlacedAt, b.ConfirmedExpiryAt, b.Settled,
		decArg(b.Payout), decArg(b.SettlementPrice), b.SettledAt)
}

func (tx *pgTx) PutExpiryConfirmation(ctx context.Context, c *model.ExpiryConfirmation) error {
	return tx.exec(ctx,
		`INSERT INTO expiry_confirmations (user_id, stock_id, expiry_days, confirmed_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, stock_id) DO UPDATE SET
		     expiry_days = EXCLUDED.expiry_days, confirmed_at = EXCLUDED.confirmed_at`,
		c.UserID, c.StockID, c.ExpiryDays, c.ConfirmedAt)
}

func (tx *pgTx) DeleteExpiryConfirmation(ctx context.Context, userID, stockID string) error {
	return tx.exec(ctx, `DELETE FROM expiry_confirmations WHERE user_id = $1 AND stock_id = $2`, userID, stockID)
}

func (tx *pgTx) SetMeta(ctx context.Context, key, value string) error {
	return tx.exec(ctx,
		`INSERT INTO engine_meta (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
}
