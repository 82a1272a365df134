package options

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/events"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/exposure"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/ledger"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/metrics"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/retry"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/store"
)

// Config controls bet placement and settlement.
type Config struct {
	Chain ChainConfig

	// ConfirmationTTL is how long a confirmed expiry stays usable.
	ConfirmationTTL time.Duration

	// MaxMultiplier caps the payout multiplier whatever the payout model
	// returns.
	MaxMultiplier decimal.Decimal
}

// DefaultConfig returns the default chain, a 10 minute confirmation window
// and a 5× payout cap.
func DefaultConfig() Config {
	return Config{
		Chain:           DefaultChainConfig(),
		ConfirmationTTL: 10 * time.Minute,
		MaxMultiplier:   decimal.NewFromInt(5),
	}
}

// Engine serves option chains and runs directional bets.
type Engine struct {
	store   store.Store
	cfg     Config
	smile   SmileModel
	payout  PayoutModel
	limiter *exposure.Limiter
	sink    events.Sink
	policy  retry.Policy
	batch   retry.Policy
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSmile replaces the implied volatility model.
func WithSmile(m SmileModel) Option {
	return func(e *Engine) { e.smile = m }
}

// WithPayout replaces the payout model.
func WithPayout(m PayoutModel) Option {
	return func(e *Engine) { e.payout = m }
}

// WithLimiter enables wager exposure limits.
func WithLimiter(l *exposure.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithEvents sets the sink receiving bet events.
func WithEvents(s events.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetryPolicies overrides the user-facing and batch retry policies.
func WithRetryPolicies(user, batch retry.Policy) Option {
	return func(e *Engine) {
		e.policy = user
		e.batch = batch
	}
}

// NewEngine creates an options engine. Zero config fields fall back to
// DefaultConfig.
func NewEngine(s store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if len(cfg.Chain.ExpiryDays) == 0 {
		cfg.Chain.ExpiryDays = def.Chain.ExpiryDays
	}
	if len(cfg.Chain.StrikeOffsets) == 0 {
		cfg.Chain.StrikeOffsets = def.Chain.StrikeOffsets
	}
	if cfg.Chain.HistoryWindow <= 0 {
		cfg.Chain.HistoryWindow = def.Chain.HistoryWindow
	}
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = def.ConfirmationTTL
	}
	if !cfg.MaxMultiplier.IsPositive() {
		cfg.MaxMultiplier = def.MaxMultiplier
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  s,
		cfg:    cfg,
		smile:  DefaultSmile(),
		payout: DefaultPayout(),
		policy: retry.Conflicts(),
		batch:  retry.Batch(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Chain synthesizes the option chain for a stock.
func (e *Engine) Chain(ctx context.Context, stockID string) (*model.OptionChain, error) {
	st, err := e.store.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	// Window+1 samples give Window returns.
	hist, err := e.store.GetPriceHistory(ctx, stockID, e.cfg.Chain.HistoryWindow+1)
	if err != nil {
		return nil, fmt.Errorf("price history: %w", err)
	}
	prices := make([]decimal.Decimal, len(hist))
	for i, h := range hist {
		prices[i] = h.Price
	}
	chain := BuildChain(st.ID, st.CurrentPrice, prices, e.cfg.Chain, e.smile)
	return &chain, nil
}

// BetRequest describes a wager.
type BetRequest struct {
	UserID     string
	StockID    string
	Type       model.BetType
	Strike     decimal.Decimal
	Amount     decimal.Decimal
	ExpiryDays int
}

// SettleReport summarizes a settlement batch.
type SettleReport struct {
	Settled int             `json:"settled"`
	Won     int             `json:"won"`
	Failed  int             `json:"failed"`
	PaidOut decimal.Decimal `json:"paid_out"`
}

func (e *Engine) validExpiry(days int) error {
	if !slices.Contains(e.cfg.Chain.ExpiryDays, days) {
		return fmt.Errorf("expiry %d days is not offered (%v): %w", days, e.cfg.Chain.ExpiryDays, model.ErrInvalidInput)
	}
	return nil
}

// ConfirmExpiry records that the user confirmed the expiry window for a
// stock. The confirmation is consumed by the next PlaceBet on that stock.
func (e *Engine) ConfirmExpiry(ctx context.Context, userID, stockID string, expiryDays int) (*model.ExpiryConfirmation, error) {
	if userID == "" || stockID == "" {
		return nil, e.reject("confirm", fmt.Errorf("user and stock are required: %w", model.ErrInvalidInput))
	}
	if err := e.validExpiry(expiryDays); err != nil {
		return nil, e.reject("confirm", err)
	}

	c := &model.ExpiryConfirmation{
		UserID:      userID,
		StockID:     stockID,
		ExpiryDays:  expiryDays,
		ConfirmedAt: e.now(),
	}
	err := e.update(ctx, "confirm", func(tx store.Tx) error {
		if _, err := tx.GetStock(ctx, stockID); err != nil {
			return err
		}
		if _, err := tx.GetBalance(ctx, userID); err != nil {
			return err
		}
		return tx.PutExpiryConfirmation(ctx, c)
	})
	if err != nil {
		return nil, e.reject("confirm", err)
	}
	e.logger.Debug("expiry confirmed", "user", userID, "stock", stockID, "days", expiryDays)
	return c, nil
}

// PlaceBet escrows the wager and opens the bet. It needs a fresh expiry
// confirmation for the same stock and window.
func (e *Engine) PlaceBet(ctx context.Context, req BetRequest) (*model.DirectionalBet, error) {
	switch {
	case !req.Type.Valid():
		return nil, e.reject("place", fmt.Errorf("bet type %q: %w", req.Type, model.ErrInvalidInput))
	case !req.Strike.IsPositive():
		return nil, e.reject("place", fmt.Errorf("strike %s: %w", req.Strike, model.ErrInvalidPrice))
	case !req.Amount.IsPositive():
		return nil, e.reject("place", fmt.Errorf("wager %s: %w", req.Amount, model.ErrInvalidInput))
	case req.UserID == "" || req.StockID == "":
		return nil, e.reject("place", fmt.Errorf("user and stock are required: %w", model.ErrInvalidInput))
	}
	if err := e.validExpiry(req.ExpiryDays); err != nil {
		return nil, e.reject("place", err)
	}
	amount := req.Amount.Round(ledger.MoneyScale)

	var bet *model.DirectionalBet
	err := e.update(ctx, "place", func(tx store.Tx) error {
		bet = nil
		now := e.now()

		st, err := tx.GetStock(ctx, req.StockID)
		if err != nil {
			return err
		}
		conf, err := e.confirmation(ctx, tx, req, now)
		if err != nil {
			return err
		}
		if err := e.checkExposure(ctx, tx, req.UserID, st, amount); err != nil {
			return err
		}
		if _, err := ledger.AdjustBalanceTx(ctx, tx, req.UserID, amount.Neg()); err != nil {
			return err
		}
		if err := tx.DeleteExpiryConfirmation(ctx, req.UserID, req.StockID); err != nil {
			return err
		}

		bet = &model.DirectionalBet{
			ID:                uuid.New().String(),
			UserID:            req.UserID,
			StockID:           req.StockID,
			Type:              req.Type,
			Strike:            req.Strike,
			AmountWagered:     amount,
			ExpiryDays:        req.ExpiryDays,
			ExpiresAt:         now.Add(time.Duration(req.ExpiryDays) * 24 * time.Hour),
			PlacedAt:          now,
			ConfirmedExpiryAt: conf.ConfirmedAt,
		}
		return tx.PutBet(ctx, bet)
	})
	if err != nil {
		if errors.Is(err, model.ErrExposureLimit) {
			metrics.ExposureRejections.Inc()
		}
		return nil, e.reject("place", err)
	}

	metrics.BetsPlaced.WithLabelValues(string(bet.Type)).Inc()
	e.logger.Info("bet placed",
		"bet_id", bet.ID,
		"user", bet.UserID,
		"stock", bet.StockID,
		"type", bet.Type,
		"strike", bet.Strike.String(),
		"amount", bet.AmountWagered.String(),
		"expires_at", bet.ExpiresAt,
	)
	events.Publish(ctx, e.sink, e.logger, model.Event{
		Type:      model.EventBetPlaced,
		StockID:   bet.StockID,
		UserID:    bet.UserID,
		BetID:     bet.ID,
		Kind:      string(bet.Type),
		Amount:    bet.AmountWagered,
		Price:     bet.Strike,
		Timestamp: bet.PlacedAt,
	})
	return bet, nil
}

// PlaceBetBySymbol places a bet on the contract an option symbol names.
func (e *Engine) PlaceBetBySymbol(ctx context.Context, userID, symbol string, amount decimal.Decimal) (*model.DirectionalBet, error) {
	sym, err := ParseSymbol(symbol)
	if err != nil {
		return nil, e.reject("place", err)
	}
	return e.PlaceBet(ctx, BetRequest{
		UserID:     userID,
		StockID:    sym.StockID,
		Type:       sym.Type,
		Strike:     sym.Strike,
		Amount:     amount,
		ExpiryDays: sym.ExpiryDays,
	})
}

func (e *Engine) confirmation(ctx context.Context, tx store.Tx, req BetRequest, now time.Time) (*model.ExpiryConfirmation, error) {
	c, err := tx.GetExpiryConfirmation(ctx, req.UserID, req.StockID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("no confirmation for %s: %w", req.StockID, model.ErrExpiryNotConfirmed)
	case err != nil:
		return nil, err
	}
	if c.ExpiryDays != req.ExpiryDays {
		return nil, fmt.Errorf("confirmed %d days, bet is %d days: %w", c.ExpiryDays, req.ExpiryDays, model.ErrExpiryNotConfirmed)
	}
	if now.Sub(c.ConfirmedAt) > e.cfg.ConfirmationTTL {
		return nil, fmt.Errorf("confirmation from %s is stale: %w", c.ConfirmedAt.Format(time.RFC3339), model.ErrExpiryNotConfirmed)
	}
	return c, nil
}

func (e *Engine) checkExposure(ctx context.Context, tx store.Tx, userID string, st *model.Stock, amount decimal.Decimal) error {
	if e.limiter == nil {
		return nil
	}
	open, err := tx.ListOpenBetsByUser(ctx, userID)
	if err != nil {
		return err
	}
	anime := map[string]string{st.ID: st.Anime}
	existing := make([]exposure.Position, 0, len(open))
	for _, b := range open {
		a, ok := anime[b.StockID]
		if !ok {
			other, err := tx.GetStock(ctx, b.StockID)
			if err != nil {
				return err
			}
			a = other.Anime
			anime[b.StockID] = a
		}
		existing = append(existing, exposure.Position{StockID: b.StockID, Anime: a, Amount: b.AmountWagered})
	}
	return e.limiter.CheckLimit(exposure.Position{StockID: st.ID, Anime: st.Anime, Amount: amount}, existing)
}

// GetBet returns a bet by id.
func (e *Engine) GetBet(ctx context.Context, betID string) (*model.DirectionalBet, error) {
	return e.store.GetBet(ctx, betID)
}

// OpenBets returns the user's unsettled bets.
func (e *Engine) OpenBets(ctx context.Context, userID string) ([]model.DirectionalBet, error) {
	return e.store.ListOpenBetsByUser(ctx, userID)
}

// SettleBet settles a bet at the stock's current price. A call wins when
// the price is strictly above the strike, a put when strictly below; a
// winner is credited the wager times the capped payout multiplier, a loser
// gets nothing. Settling an already settled bet returns it unchanged.
func (e *Engine) SettleBet(ctx context.Context, betID string) (*model.DirectionalBet, error) {
	bet, _, err := e.settle(ctx, e.policy, betID)
	if err != nil {
		return nil, e.reject("settle", err)
	}
	return bet, nil
}

// SettlePending settles every bet due at the current time. Each bet is
// retried independently; failures are counted and logged.
func (e *Engine) SettlePending(ctx context.Context) (*SettleReport, error) {
	due, err := e.store.ListDueBets(ctx, e.now())
	if err != nil {
		return nil, fmt.Errorf("list due bets: %w", err)
	}
	report := &SettleReport{PaidOut: decimal.Zero}
	for _, b := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		bet, settledNow, err := e.settle(ctx, e.batch, b.ID)
		if err != nil {
			report.Failed++
			e.logger.Warn("settlement skipped bet", "bet_id", b.ID, "code", model.Code(err), "err", err)
			continue
		}
		if !settledNow {
			continue
		}
		report.Settled++
		if bet.Payout.IsPositive() {
			report.Won++
			report.PaidOut = report.PaidOut.Add(*bet.Payout)
		}
	}
	e.logger.Info("bet settlement completed",
		"settled", report.Settled,
		"won", report.Won,
		"failed", report.Failed,
		"paid_out", report.PaidOut.String(),
	)
	return report, nil
}

// settle reports settledNow=false when the bet was already settled.
func (e *Engine) settle(ctx context.Context, policy retry.Policy, betID string) (*model.DirectionalBet, bool, error) {
	var (
		bet        *model.DirectionalBet
		settledNow bool
	)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.StoreRetries.WithLabelValues("bet_settle", model.Code(err)).Inc()
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		return e.store.Update(ctx, func(tx store.Tx) error {
			bet, settledNow = nil, false
			b, err := tx.GetBet(ctx, betID)
			if err != nil {
				return err
			}
			if b.Settled {
				bet = b
				return nil
			}
			now := e.now()
			if now.Before(b.ExpiresAt) {
				return fmt.Errorf("bet %s expires at %s: %w", betID, b.ExpiresAt.Format(time.RFC3339), model.ErrBetNotExpired)
			}
			st, err := tx.GetStock(ctx, b.StockID)
			if err != nil {
				return err
			}

			price := st.CurrentPrice
			payout := e.Payout(b, price)
			if payout.IsPositive() {
				if _, err := ledger.AdjustBalanceTx(ctx, tx, b.UserID, payout); err != nil {
					return err
				}
			}
			b.Settled = true
			b.Payout = &payout
			b.SettlementPrice = &price
			b.SettledAt = &now
			if err := tx.PutBet(ctx, b); err != nil {
				return err
			}
			bet, settledNow = b, true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	if settledNow {
		e.settled(ctx, bet)
	}
	return bet, settledNow, nil
}

// Payout returns what bet pays if settled at price.
func (e *Engine) Payout(bet *model.DirectionalBet, price decimal.Decimal) decimal.Decimal {
	won := false
	switch bet.Type {
	case model.BetCall:
		won = price.GreaterThan(bet.Strike)
	case model.BetPut:
		won = price.LessThan(bet.Strike)
	}
	if !won {
		return decimal.Zero
	}
	mult := e.payout.Multiplier(price, bet.Strike)
	if mult.GreaterThan(e.cfg.MaxMultiplier) {
		mult = e.cfg.MaxMultiplier
	}
	if mult.IsNegative() {
		mult = decimal.Zero
	}
	return bet.AmountWagered.Mul(mult).Round(ledger.MoneyScale)
}

func (e *Engine) settled(ctx context.Context, b *model.DirectionalBet) {
	result := "loss"
	if b.Payout.IsPositive() {
		result = "win"
	}
	metrics.BetsSettled.WithLabelValues(result).Inc()
	e.logger.Info("bet settled",
		"bet_id", b.ID,
		"user", b.UserID,
		"stock", b.StockID,
		"result", result,
		"settlement_price", b.SettlementPrice.String(),
		"payout", b.Payout.String(),
	)
	events.Publish(ctx, e.sink, e.logger, model.Event{
		Type:      model.EventBetSettled,
		StockID:   b.StockID,
		UserID:    b.UserID,
		BetID:     b.ID,
		Kind:      result,
		Amount:    *b.Payout,
		Price:     *b.SettlementPrice,
		Timestamp: *b.SettledAt,
	})
}

func (e *Engine) update(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	policy := e.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.StoreRetries.WithLabelValues("bet_"+op, model.Code(err)).Inc()
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		return e.store.Update(ctx, fn)
	})
}

func (e *Engine) reject(op string, err error) error {
	metrics.Rejections.WithLabelValues("bet_"+op, model.Code(err)).Inc()
	return err
}
