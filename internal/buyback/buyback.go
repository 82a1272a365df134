// Package buyback runs the tender-offer lifecycle: an admin offers to buy
// back shares of one stock at a fixed price until a deadline, and eligible
// holders accept (selling at the offered price) or decline.
//
// An offer stays active until it expires; each eligible user answers at
// most once. When the window closes the offer becomes accepted if anyone
// sold into it and expired otherwise. A targeted offer closes as soon as
// every target has answered.
package buyback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/events"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/metrics"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/retry"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/store"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/trade"
)

// Engine manages buyback offers.
type Engine struct {
	store  store.Store
	sink   events.Sink
	policy retry.Policy
	batch  retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents sets the sink receiving buyback events.
func WithEvents(s events.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetryPolicies overrides the user-facing and sweep retry policies.
func WithRetryPolicies(user, batch retry.Policy) Option {
	return func(e *Engine) {
		e.policy = user
		e.batch = batch
	}
}

// NewEngine creates a buyback engine. A nil logger uses slog.Default().
func NewEngine(s store.Store, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  s,
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

// OfferRequest describes a new offer.
type OfferRequest struct {
	StockID      string
	OfferedPrice decimal.Decimal
	OfferedBy    string
	TargetUsers  []string // empty = every holder
	ExpiresAt    time.Time
}

// AcceptResult describes a completed acceptance.
type AcceptResult struct {
	Offer       model.BuybackOffer  `json:"offer"`
	Response    model.OfferResponse `json:"response"`
	Transaction model.Transaction   `json:"transaction"`
	Balance     decimal.Decimal     `json:"balance"`
}

// SweepReport summarizes an expiry sweep.
type SweepReport struct {
	Expired int      `json:"expired"`
	Failed  int      `json:"failed"`
	Closed  []string `json:"closed"`
}

// CreateOffer validates and stores a new active offer.
func (e *Engine) CreateOffer(ctx context.Context, req OfferRequest) (*model.BuybackOffer, error) {
	now := e.now()
	if !req.OfferedPrice.IsPositive() {
		return nil, e.reject("create", fmt.Errorf("offered price %s: %w", req.OfferedPrice, model.ErrInvalidPrice))
	}
	if strings.TrimSpace(req.OfferedBy) == "" || req.StockID == "" {
		return nil, e.reject("create", fmt.Errorf("stock and offering admin are required: %w", model.ErrInvalidInput))
	}
	if !req.ExpiresAt.After(now) {
		return nil, e.reject("create", fmt.Errorf("expiry %s is not in the future: %w", req.ExpiresAt.Format(time.RFC3339), model.ErrInvalidInput))
	}

	targets := slices.Clone(req.TargetUsers)
	slices.Sort(targets)
	targets = slices.Compact(targets)
	targets = slices.DeleteFunc(targets, func(u string) bool { return strings.TrimSpace(u) == "" })

	o := &model.BuybackOffer{
		ID:           uuid.New().String(),
		StockID:      req.StockID,
		OfferedPrice: req.OfferedPrice,
		OfferedBy:    req.OfferedBy,
		TargetUsers:  targets,
		Status:       model.OfferActive,
		ExpiresAt:    req.ExpiresAt.UTC(),
		CreatedAt:    now,
	}
	err := e.update(ctx, "create", func(tx store.Tx) error {
		if _, err := tx.GetStock(ctx, req.StockID); err != nil {
			return err
		}
		return tx.PutOffer(ctx, o)
	})
	if err != nil {
		return nil, e.reject("create", err)
	}

	e.logger.Info("buyback offer created",
		"offer_id", o.ID,
		"stock", o.StockID,
		"price", o.OfferedPrice.String(),
		"targets", len(o.TargetUsers),
		"expires_at", o.ExpiresAt,
	)
	events.Publish(ctx, e.sink, e.logger, model.Event{
		Type:      model.EventBuybackCreated,
		StockID:   o.StockID,
		UserID:    o.OfferedBy,
		OfferID:   o.ID,
		Price:     o.OfferedPrice,
		Timestamp: now,
	})
	return o, nil
}

// GetOffer returns the offer, closing it first if its window has passed.
func (e *Engine) GetOffer(ctx context.Context, offerID string) (*model.BuybackOffer, error) {
	o, err := e.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() || !o.ExpiredAt(e.now()) {
		return o, nil
	}
	closed, ok, err := e.expire(ctx, e.policy, offerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Someone else closed it first; reread.
		return e.store.GetOffer(ctx, offerID)
	}
	return closed, nil
}

// ListOffers returns offers with the given status ("" for all). Active
// offers past their deadline are reported with the status they will close
// with; the sweep persists it.
func (e *Engine) ListOffers(ctx context.Context, status model.OfferStatus) ([]model.BuybackOffer, error) {
	all, err := e.store.ListOffers(ctx, "")
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]model.BuybackOffer, 0, len(all))
	for _, o := range all {
		if o.Status == model.OfferActive && o.ExpiredAt(now) {
			o.Status = expiryStatus(&o)
		}
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	return out, nil
}

// Responses returns every answer recorded for an offer.
func (e *Engine) Responses(ctx context.Context, offerID string) ([]model.OfferResponse, error) {
	if _, err := e.store.GetOffer(ctx, offerID); err != nil {
		return nil, err
	}
	return e.store.ListOfferResponses(ctx, offerID)
}

// Accept sells shares of the user's holding into the offer at the offered
// price. The stock's market price is not affected. Accepting after the
// deadline closes the offer and fails with model.ErrOfferExpired.
func (e *Engine) Accept(ctx context.Context, offerID, userID string, shares int64) (*AcceptResult, error) {
	if shares <= 0 {
		return nil, e.reject("accept", fmt.Errorf("accept %d shares: %w", shares, model.ErrInvalidQuantity))
	}
	if userID == "" {
		return nil, e.reject("accept", fmt.Errorf("user is required: %w", model.ErrInvalidInput))
	}

	var (
		res     *AcceptResult
		closing *model.BuybackOffer
		expired bool
	)
	err := e.update(ctx, "accept", func(tx store.Tx) error {
		res, closing, expired = nil, nil, false
		now := e.now()

		o, err := e.respondable(ctx, tx, offerID, userID, now)
		if errors.Is(err, errDeadlinePassed) {
			expired = true
			closing, err = closeOffer(ctx, tx, o, expiryStatus(o))
			return err
		}
		if err != nil {
			return err
		}

		t, err := trade.RecordSale(ctx, tx, userID, o.StockID, shares, o.OfferedPrice, now)
		if err != nil {
			return err
		}
		balance, err := tx.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		r := &model.OfferResponse{
			OfferID:     o.ID,
			UserID:      userID,
			Status:      model.ResponseAccepted,
			Shares:      shares,
			Price:       o.OfferedPrice,
			RespondedAt: now,
		}
		if err := tx.PutOfferResponse(ctx, r); err != nil {
			return err
		}
		o.AcceptedShares += shares
		if closing, err = e.record(ctx, tx, o); err != nil {
			return err
		}
		res = &AcceptResult{Offer: *o, Response: *r, Transaction: *t, Balance: balance}
		return nil
	})
	if err != nil {
		return nil, e.reject("accept", err)
	}
	if expired {
		e.closed(ctx, closing, true)
		return nil, e.reject("accept", fmt.Errorf("offer %s closed at %s: %w",
			offerID, closing.ExpiresAt.Format(time.RFC3339), model.ErrOfferExpired))
	}

	metrics.BuybackResponses.WithLabelValues(string(model.ResponseAccepted)).Inc()
	e.logger.Info("buyback accepted",
		"offer_id", offerID,
		"user", userID,
		"stock", res.Offer.StockID,
		"shares", shares,
		"price", res.Offer.OfferedPrice.String(),
		"total", res.Transaction.TotalAmount.String(),
	)
	events.Publish(ctx, e.sink, e.logger, model.Event{
		Type:      model.EventBuybackAccepted,
		StockID:   res.Offer.StockID,
		UserID:    userID,
		OfferID:   offerID,
		Shares:    shares,
		Amount:    res.Transaction.TotalAmount,
		Price:     res.Offer.OfferedPrice,
		Timestamp: res.Response.RespondedAt,
	})
	if closing != nil {
		e.closed(ctx, closing, false)
	}
	return res, nil
}

// Decline records that the user will not sell into the offer. The offer
// stays open for everyone else.
func (e *Engine) Decline(ctx context.Context, offerID, userID string) (*model.OfferResponse, error) {
	if userID == "" {
		return nil, e.reject("decline", fmt.Errorf("user is required: %w", model.ErrInvalidInput))
	}

	var (
		resp    *model.OfferResponse
		offer   *model.BuybackOffer
		closing *model.BuybackOffer
		expired bool
	)
	err := e.update(ctx, "decline", func(tx store.Tx) error {
		resp, offer, closing, expired = nil, nil, nil, false
		now := e.now()

		o, err := e.respondable(ctx, tx, offerID, userID, now)
		if errors.Is(err, errDeadlinePassed) {
			expired = true
			closing, err = closeOffer(ctx, tx, o, expiryStatus(o))
			return err
		}
		if err != nil {
			return err
		}

		r := &model.OfferResponse{
			OfferID:     o.ID,
			UserID:      userID,
			Status:      model.ResponseDeclined,
			Price:       o.OfferedPrice,
			RespondedAt: now,
		}
		if err := tx.PutOfferResponse(ctx, r); err != nil {
			return err
		}
		if closing, err = e.record(ctx, tx, o); err != nil {
			return err
		}
		resp, offer = r, o
		return nil
	})
	if err != nil {
		return nil, e.reject("decline", err)
	}
	if expired {
		e.closed(ctx, closing, true)
		return nil, e.reject("decline", fmt.Errorf("offer %s closed at %s: %w",
			offerID, closing.ExpiresAt.Format(time.RFC3339), model.ErrOfferExpired))
	}

	metrics.BuybackResponses.WithLabelValues(string(model.ResponseDeclined)).Inc()
	e.logger.Info("buyback declined", "offer_id", offerID, "user", userID)
	events.Publish(ctx, e.sink, e.logger, model.Event{
		Type:      model.EventBuybackDeclined,
		StockID:   offer.StockID,
		UserID:    userID,
		OfferID:   offerID,
		Price:     offer.OfferedPrice,
		Timestamp: resp.RespondedAt,
	})
	if closing != nil {
		e.closed(ctx, closing, false)
	}
	return resp, nil
}

// SweepExpired closes every active offer whose deadline has passed. Each
// offer is retried independently; a failure is counted and logged and
// does not stop the sweep. Safe to run concurrently with itself.
func (e *Engine) SweepExpired(ctx context.Context) (*SweepReport, error) {
	active, err := e.store.ListOffers(ctx, model.OfferActive)
	if err != nil {
		return nil, fmt.Errorf("list active offers: %w", err)
	}
	now := e.now()
	report := &SweepReport{Closed: []string{}}
	for _, o := range active {
		if !o.ExpiredAt(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		closed, ok, err := e.expire(ctx, e.batch, o.ID)
		if err != nil {
			report.Failed++
			e.logger.Warn("buyback sweep skipped offer", "offer_id", o.ID, "code", model.Code(err), "err", err)
			continue
		}
		if ok {
			report.Expired++
			report.Closed = append(report.Closed, closed.ID)
		}
	}
	e.logger.Info("buyback sweep completed", "expired", report.Expired, "failed", report.Failed)
	return report, nil
}

// expire closes an offer whose deadline has passed. ok is false when the
// offer was already closed.
func (e *Engine) expire(ctx context.Context, policy retry.Policy, offerID string) (*model.BuybackOffer, bool, error) {
	var closed *model.BuybackOffer
	err := policy.Do(ctx, func(ctx context.Context) error {
		closed = nil
		return e.store.Update(ctx, func(tx store.Tx) error {
			o, err := tx.GetOffer(ctx, offerID)
			if err != nil {
				return err
			}
			if o.Status.Terminal() || !o.ExpiredAt(e.now()) {
				return nil
			}
			closed, err = closeOffer(ctx, tx, o, expiryStatus(o))
			return err
		})
	})
	if err != nil || closed == nil {
		return nil, false, err
	}
	e.closed(ctx, closed, true)
	return closed, true, nil
}

var errDeadlinePassed = errors.New("offer deadline passed")

// respondable loads the offer and checks userID may answer it now. When
// the deadline has passed it returns the still-active offer together with
// errDeadlinePassed so the caller can close it.
func (e *Engine) respondable(ctx context.Context, tx store.Tx, offerID, userID string, now time.Time) (*model.BuybackOffer, error) {
	o, err := tx.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	switch {
	case o.Status == model.OfferExpired,
		o.Status.Terminal() && o.ExpiredAt(now):
		return nil, fmt.Errorf("offer %s: %w", offerID, model.ErrOfferExpired)
	case o.Status.Terminal():
		return nil, fmt.Errorf("offer %s is %s: %w", offerID, o.Status, model.ErrOfferClosed)
	case o.ExpiredAt(now):
		return o, errDeadlinePassed
	}
	if !o.Eligible(userID) {
		return nil, fmt.Errorf("user %s, offer %s: %w", userID, offerID, model.ErrNotEligible)
	}
	_, err = tx.GetOfferResponse(ctx, offerID, userID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("user %s, offer %s: %w", userID, offerID, model.ErrAlreadyResponded)
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}
	return o, nil
}

// record saves o after a response, closing it early when it is targeted and
// every target has now answered. Returns the closed offer, if any.
func (e *Engine) record(ctx context.Context, tx store.Tx, o *model.BuybackOffer) (*model.BuybackOffer, error) {
	if len(o.TargetUsers) > 0 {
		responses, err := tx.ListOfferResponses(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		answered := make(map[string]bool, len(responses))
		for _, r := range responses {
			answered[r.UserID] = true
		}
		done := true
		for _, u := range o.TargetUsers {
			if !answered[u] {
				done = false
				break
			}
		}
		if done {
			status := model.OfferDeclined
			if o.AcceptedShares > 0 {
				status = model.OfferAccepted
			}
			return closeOffer(ctx, tx, o, status)
		}
	}
	return nil, tx.PutOffer(ctx, o)
}

// expiryStatus is the terminal status an offer takes when its window ends.
func expiryStatus(o *model.BuybackOffer) model.OfferStatus {
	if o.AcceptedShares > 0 {
		return model.OfferAccepted
	}
	return model.OfferExpired
}

func closeOffer(ctx context.Context, tx store.Tx, o *model.BuybackOffer, status model.OfferStatus) (*model.BuybackOffer, error) {
	o.Status = status
	if err := tx.PutOffer(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// closed reports an offer that reached a terminal status.
func (e *Engine) closed(ctx context.Context, o *model.BuybackOffer, byExpiry bool) {
	metrics.BuybackClosed.WithLabelValues(string(o.Status)).Inc()
	e.logger.Info("buyback offer closed",
		"offer_id", o.ID,
		"status", o.Status,
		"accepted_shares", o.AcceptedShares,
		"by_expiry", byExpiry,
	)
	if !byExpiry {
		return
	}
	events.Publish(ctx, e.sink, e.logger, model.Event{
		Type:      model.EventBuybackExpired,
		StockID:   o.StockID,
		OfferID:   o.ID,
		Kind:      string(o.Status),
		Shares:    o.AcceptedShares,
		Price:     o.OfferedPrice,
		Timestamp: e.now(),
	})
}

func (e *Engine) update(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	policy := e.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.StoreRetries.WithLabelValues("buyback_"+op, model.Code(err)).Inc()
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		return e.store.Update(ctx, fn)
	})
}

func (e *Engine) reject(op string, err error) error {
	metrics.Rejections.WithLabelValues("buyback_"+op, model.Code(err)).Inc()
	return err
}
