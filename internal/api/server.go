// Package api exposes the market engine over HTTP/JSON.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/buyback"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/drift"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/events"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/ledger"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/metrics"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/options"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/trade"
)

// Jobs runs the batch jobs on demand. *scheduler.Scheduler implements it.
type Jobs interface {
	RunDrift(ctx context.Context) (*drift.Report, error)
	RunSweep(ctx context.Context) (*buyback.SweepReport, error)
	RunSettle(ctx context.Context) (*options.SettleReport, error)
}

// Deps are the engines the API serves.
type Deps struct {
	Ledger   *ledger.Ledger
	Trades   *trade.Executor
	Buybacks *buyback.Engine
	Options  *options.Engine
	Jobs     Jobs
	Hub      *events.Hub // nil disables /ws

	// InitialBalance funds newly opened accounts.
	InitialBalance decimal.Decimal
	// RequestTimeout bounds each request; zero uses 30s.
	RequestTimeout time.Duration
	// JobTimeout bounds an on-demand batch job; zero uses 10m. Admin job
	// routes are exempt from RequestTimeout.
	JobTimeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
}

// NewServer creates the API server. A nil logger uses slog.Default().
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	if deps.JobTimeout <= 0 {
		deps.JobTimeout = 10 * time.Minute
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		deps:     deps,
		validate: v,
		logger:   logger,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "anime-stock-market"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket stays open past any request timeout.
		if s.deps.Hub != nil {
			r.Get("/ws", s.deps.Hub.HandleWS)
		}

		// Batch jobs outlive both the request timeout and the client.
		r.Post("/admin/drift", s.RunDrift)
		r.Post("/admin/sweep", s.RunSweep)
		r.Post("/admin/settle", s.RunSettle)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.deps.RequestTimeout))

			r.Get("/stocks", s.ListStocks)
			r.Post("/stocks", s.CreateStock)
			r.Get("/stocks/{stockID}", s.GetStock)
			r.Get("/stocks/{stockID}/history", s.GetHistory)
			r.Get("/stocks/{stockID}/chain", s.GetChain)

			r.Post("/accounts", s.OpenAccount)
			r.Post("/accounts/{userID}/deposit", s.Deposit)
			r.Get("/accounts/{userID}/portfolio", s.GetPortfolio)
			r.Get("/accounts/{userID}/transactions", s.ListTransactions)
			r.Get("/accounts/{userID}/bets", s.ListOpenBets)

			r.Post("/trades/buy", s.Buy)
			r.Post("/trades/sell", s.Sell)

			r.Get("/buybacks", s.ListOffers)
			r.Post("/buybacks", s.CreateOffer)
			r.Get("/buybacks/{offerID}", s.GetOffer)
			r.Get("/buybacks/{offerID}/responses", s.ListResponses)
			r.Post("/buybacks/{offerID}/accept", s.AcceptOffer)
			r.Post("/buybacks/{offerID}/decline", s.DeclineOffer)

			r.Post("/bets/confirm", s.ConfirmExpiry)
			r.Post("/bets", s.PlaceBet)
			r.Get("/bets/{betID}", s.GetBet)
			r.Post("/bets/{betID}/settle", s.SettleBet)
		})
	})
	return r
}
