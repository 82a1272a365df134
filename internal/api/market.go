package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

// CreateStockRequest is the JSON body for POST /stocks.
type CreateStockRequest struct {
	CharacterName string          `json:"character_name" validate:"required"`
	Anime         string          `json:"anime" validate:"required"`
	Price         decimal.Decimal `json:"price"`
	TotalShares   int64           `json:"total_shares" validate:"gt=0"`
}

// TradeRequest is the JSON body for POST /trades/buy and /trades/sell.
type TradeRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	StockID string `json:"stock_id" validate:"required"`
	Shares  int64  `json:"shares" validate:"gt=0"`
}

// ListStocks handles GET /api/v1/stocks
func (s *Server) ListStocks(w http.ResponseWriter, r *http.Request) {
	stocks, err := s.deps.Ledger.ListStocks(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if stocks == nil {
		stocks = []model.Stock{}
	}
	writeJSON(w, http.StatusOK, stocks)
}

// CreateStock handles POST /api/v1/stocks
func (s *Server) CreateStock(w http.ResponseWriter, r *http.Request) {
	var req CreateStockRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.deps.Ledger.CreateStock(r.Context(), req.CharacterName, req.Anime, req.Price, req.TotalShares)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// GetStock handles GET /api/v1/stocks/{stockID}
func (s *Server) GetStock(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Ledger.GetStock(r.Context(), chi.URLParam(r, "stockID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetHistory handles GET /api/v1/stocks/{stockID}/history?limit=N
// A missing limit returns the full history.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", "invalid_input", http.StatusBadRequest)
			return
		}
		limit = n
	}
	h, err := s.deps.Ledger.History(r.Context(), chi.URLParam(r, "stockID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if h == nil {
		h = []model.PriceHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, h)
}

// GetChain handles GET /api/v1/stocks/{stockID}/chain
func (s *Server) GetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.deps.Options.Chain(r.Context(), chi.URLParam(r, "stockID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// Buy handles POST /api/v1/trades/buy
func (s *Server) Buy(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, true)
}

// Sell handles POST /api/v1/trades/sell
func (s *Server) Sell(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, false)
}

func (s *Server) trade(w http.ResponseWriter, r *http.Request, buy bool) {
	var req TradeRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	exec := s.deps.Trades.Sell
	if buy {
		exec = s.deps.Trades.Buy
	}
	res, err := exec(r.Context(), req.UserID, req.StockID, req.Shares)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
