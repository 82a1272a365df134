// Package drift applies bounded random price perturbation to every stock.
//
// Draws come from an injected random source in stock-id order before any
// store work starts, so a fixed seed reproduces a run exactly regardless of
// how the per-stock updates are scheduled.
package drift

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/events"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/impact"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/ledger"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/metrics"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/retry"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/store"
)

// Config controls a drift run.
type Config struct {
	// MaxDrift is δ: each stock moves by a uniform draw in [-δ, +δ].
	MaxDrift float64

	// Floor is the lowest price drift may produce.
	Floor decimal.Decimal

	// Concurrency is both the chunk size and the number of concurrent
	// stock updates within a chunk.
	Concurrency int

	// ChunkDelay is the pause between chunks.
	ChunkDelay time.Duration

	// Policy retries a single stock's update.
	Policy retry.Policy
}

// DefaultConfig returns ±5% drift, a 0.01 floor and five concurrent updates.
func DefaultConfig() Config {
	return Config{
		MaxDrift:    0.05,
		Floor:       impact.Floor,
		Concurrency: 5,
		ChunkDelay:  250 * time.Millisecond,
		Policy:      retry.Batch(),
	}
}

// Outcome is the result of drifting one stock.
type Outcome struct {
	StockID  string          `json:"stock_id"`
	Drift    float64         `json:"drift"`
	OldPrice decimal.Decimal `json:"old_price"`
	NewPrice decimal.Decimal `json:"new_price"`
	At       time.Time       `json:"at"`
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
}

// Report summarizes a run. Outcomes are in stock-id order.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Simulator runs drift batches.
type Simulator struct {
	store  store.Store
	cfg    Config
	sink   events.Sink
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithRand injects the random source. Tests pass a seeded source.
func WithRand(r *rand.Rand) Option {
	return func(s *Simulator) { s.rng = r }
}

// WithEvents sets the sink receiving drift_completed events.
func WithEvents(sink events.Sink) Option {
	return func(s *Simulator) { s.sink = sink }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// NewSimulator creates a simulator. Zero config fields fall back to
// DefaultConfig.
func NewSimulator(s store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Simulator {
	def := DefaultConfig()
	if cfg.MaxDrift <= 0 {
		cfg.MaxDrift = def.MaxDrift
	}
	if !cfg.Floor.IsPositive() {
		cfg.Floor = def.Floor
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = def.Policy
	}
	if logger == nil {
		logger = slog.Default()
	}
	sim := &Simulator{
		store:  s,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(sim)
	}
	return sim
}

// Draw returns a uniform value in [-maxDrift, +maxDrift].
func Draw(r *rand.Rand, maxDrift float64) float64 {
	return (2*r.Float64() - 1) * maxDrift
}

// Step applies drift to price: max(floor, price·(1+drift)), rounded to
// the price scale.
func Step(price decimal.Decimal, drift float64, floor decimal.Decimal) decimal.Decimal {
	next := price.Mul(decimal.NewFromFloat(1 + drift)).Round(impact.PriceScale)
	if next.LessThan(floor) {
		return floor
	}
	return next
}

// RunDrift perturbs every stock once. A stock whose update exhausts its
// retries is reported as failed and skipped; the run itself only returns an
// error when the stock list cannot be read or ctx is cancelled, and even
// then the partial report is returned.
func (s *Simulator) RunDrift(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{StartedAt: s.now()}

	stocks, err := s.store.ListStocks(ctx)
	if err != nil {
		return report, fmt.Errorf("list stocks: %w", err)
	}
	slices.SortFunc(stocks, func(a, b model.Stock) int { return strings.Compare(a.ID, b.ID) })

	report.Outcomes = make([]Outcome, len(stocks))
	s.mu.Lock()
	for i, st := range stocks {
		report.Outcomes[i] = Outcome{StockID: st.ID, Drift: Draw(s.rng, s.cfg.MaxDrift)}
	}
	s.mu.Unlock()

	var runErr error
	for lo := 0; lo < len(stocks); lo += s.cfg.Concurrency {
		if lo > 0 && s.cfg.ChunkDelay > 0 {
			if err := retry.Sleep(ctx, s.cfg.ChunkDelay); err != nil {
				runErr = err
				s.abandon(report.Outcomes[lo:], err)
				break
			}
		}
		hi := min(lo+s.cfg.Concurrency, len(stocks))

		var g errgroup.Group
		g.SetLimit(s.cfg.Concurrency)
		for i := lo; i < hi; i++ {
			out := &report.Outcomes[i]
			g.Go(func() error {
				s.driftOne(ctx, out)
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, o := range report.Outcomes {
		if o.OK {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	report.FinishedAt = s.now()

	if err := s.recordLastRun(ctx, report.FinishedAt); err != nil {
		s.logger.Warn("failed to record last drift run", "err", err)
	}

	metrics.DriftDuration.Observe(time.Since(start).Seconds())
	metrics.LastDriftRun.Set(float64(report.FinishedAt.Unix()))
	s.logger.Info("drift run completed",
		"stocks", len(stocks),
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"duration", time.Since(start),
	)
	events.Publish(ctx, s.sink, s.logger, model.Event{
		Type:      model.EventDriftCompleted,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Timestamp: report.FinishedAt,
	})
	return report, runErr
}

// driftOne applies the pre-drawn drift to the stock's price as read inside
// the transaction, so a concurrent trade is never overwritten. The sample is
// stamped inside the transaction, after any trade that landed earlier in the
// run.
func (s *Simulator) driftOne(ctx context.Context, out *Outcome) {
	policy := s.cfg.Policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.StoreRetries.WithLabelValues("drift", model.Code(err)).Inc()
		s.logger.Debug("retrying drift", "stock", out.StockID, "attempt", attempt, "delay", delay, "err", err)
	}

	err := policy.Do(ctx, func(ctx context.Context) error {
		return s.store.Update(ctx, func(tx store.Tx) error {
			st, err := tx.GetStock(ctx, out.StockID)
			if err != nil {
				return err
			}
			out.OldPrice = st.CurrentPrice
			out.NewPrice = Step(st.CurrentPrice, out.Drift, s.cfg.Floor)
			if _, err := ledger.SetPriceTx(ctx, tx, out.StockID, out.NewPrice); err != nil {
				return err
			}
			e, err := ledger.AppendHistory(ctx, tx, out.StockID, out.NewPrice, s.now())
			if err != nil {
				return err
			}
			out.At = e.Timestamp
			return nil
		})
	})
	if err != nil {
		out.OK = false
		out.Error = err.Error()
		metrics.DriftItems.WithLabelValues("failed").Inc()
		s.logger.Warn("drift skipped stock", "stock", out.StockID, "code", model.Code(err), "err", err)
		return
	}
	out.OK = true
	metrics.DriftItems.WithLabelValues("succeeded").Inc()
}

func (s *Simulator) abandon(outs []Outcome, err error) {
	for i := range outs {
		outs[i].Error = err.Error()
		metrics.DriftItems.WithLabelValues("abandoned").Inc()
	}
}

func (s *Simulator) recordLastRun(ctx context.Context, at time.Time) error {
	// A cancelled run still records when it finished.
	ctx = context.WithoutCancel(ctx)
	return s.cfg.Policy.Do(ctx, func(ctx context.Context) error {
		return s.store.Update(ctx, func(tx store.Tx) error {
			return tx.SetMeta(ctx, store.MetaLastDriftRun, at.UTC().Format(time.RFC3339Nano))
		})
	})
}

// LastRun returns the time of the last completed run, if any.
func LastRun(ctx context.Context, s store.Store) (time.Time, bool, error) {
	v, ok, err := s.GetMeta(ctx, store.MetaLastDriftRun)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last drift run %q: %w", v, err)
	}
	return t, true, nil
}
