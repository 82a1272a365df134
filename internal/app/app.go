// Package app wires the engine's components from configuration. Both
// binaries build the same stack through it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/redis/go-redis/v9"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/api"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/buyback"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/config"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/drift"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/events"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/ledger"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/options"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/scheduler"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/store"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/trade"
)

// App is a fully wired engine.
type App struct {
	Config    *config.Config
	Store     store.Store
	Hub       *events.Hub
	Sink      events.Sink
	Ledger    *ledger.Ledger
	Trades    *trade.Executor
	Buybacks  *buyback.Engine
	Options   *options.Engine
	Drift     *drift.Simulator
	Scheduler *scheduler.Scheduler

	logger  *slog.Logger
	withHub bool
	cleanup []func()
}

// Option configures an App.
type Option func(*App)

// WithHub adds the websocket hub to the event sinks. The caller runs it.
func WithHub() Option {
	return func(a *App) { a.withHub = true }
}

// New connects the store and event sinks and builds every engine. ctx
// bounds the lifetime of scheduled jobs. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	// --- Initialize store ---
	var rdb *redis.Client
	if cfg.Database.URL != "" {
		pool, err := store.Connect(ctx, cfg.Database.URL, cfg.PoolConfig())
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		if cfg.Database.Migrate {
			if err := store.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		a.Store = store.NewPostgresStore(pool)
		a.logger.Info("connected to PostgreSQL")
	} else {
		a.logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		// Caching the in-memory store would only add a round trip.
		if cfg.Database.URL != "" {
			a.Store = store.NewCachedStore(a.Store, rdb, cfg.Redis.CacheTTL, a.logger)
			a.logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	}

	// --- Event sinks ---
	var sinks events.Multi
	if a.withHub {
		a.Hub = events.NewHub(a.logger)
		sinks = append(sinks, a.Hub)
	}
	if cfg.Events.Log {
		sinks = append(sinks, events.LogSink{Logger: a.logger})
	}
	if cfg.Events.SQLitePath != "" {
		audit, err := events.NewSQLiteSink(cfg.Events.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("event audit log: %w", err)
		}
		a.cleanup = append(a.cleanup, func() { audit.Close() })
		sinks = append(sinks, audit)
		a.logger.Info("event audit log enabled", "path", cfg.Events.SQLitePath)
	}
	a.Sink = sinks

	// --- Engines ---
	im, err := cfg.ImpactModel()
	if err != nil {
		return fmt.Errorf("price impact: %w", err)
	}
	tradeOpts := []trade.Option{trade.WithEvents(a.Sink)}
	if im != nil {
		tradeOpts = append(tradeOpts, trade.WithImpact(im))
	}

	a.Ledger = ledger.New(a.Store, a.logger)
	a.Trades = trade.NewExecutor(a.Store, a.logger, tradeOpts...)
	a.Buybacks = buyback.NewEngine(a.Store, a.logger, buyback.WithEvents(a.Sink))

	optOpts := []options.Option{
		options.WithEvents(a.Sink),
		options.WithSmile(cfg.Smile()),
		options.WithPayout(cfg.Payout()),
	}
	if lim := cfg.Limiter(); lim != nil {
		optOpts = append(optOpts, options.WithLimiter(lim))
	}
	a.Options = options.NewEngine(a.Store, cfg.OptionsConfig(), a.logger, optOpts...)

	driftOpts := []drift.Option{drift.WithEvents(a.Sink)}
	if cfg.Drift.Seed != 0 {
		driftOpts = append(driftOpts, drift.WithRand(rand.New(rand.NewPCG(cfg.Drift.Seed, cfg.Drift.Seed))))
	}
	a.Drift = drift.NewSimulator(a.Store, cfg.DriftConfig(), a.logger, driftOpts...)

	// --- Scheduler ---
	var lock scheduler.Lock = scheduler.NewLocalLock()
	if rdb != nil {
		lock = scheduler.NewRedisLock(rdb)
	}
	a.Scheduler = scheduler.New(ctx, scheduler.Jobs{
		Drift:   a.Drift,
		Buyback: a.Buybacks,
		Options: a.Options,
	}, lock, cfg.Schedule.LockTTL, a.logger)
	return nil
}

// API returns the HTTP server over this app's engines.
func (a *App) API() *api.Server {
	return api.NewServer(api.Deps{
		Ledger:         a.Ledger,
		Trades:         a.Trades,
		Buybacks:       a.Buybacks,
		Options:        a.Options,
		Jobs:           a.Scheduler,
		Hub:            a.Hub,
		InitialBalance: a.Config.InitialBalance(),
		RequestTimeout: a.Config.Server.RequestTimeout,
		JobTimeout:     a.Config.Server.JobTimeout,
	}, a.logger)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
