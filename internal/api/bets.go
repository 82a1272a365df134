package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/options"
)

// ConfirmExpiryRequest is the JSON body for POST /bets/confirm.
type ConfirmExpiryRequest struct {
	UserID     string `json:"user_id" validate:"required"`
	StockID    string `json:"stock_id" validate:"required"`
	ExpiryDays int    `json:"expiry_days" validate:"gt=0"`
}

// PlaceBetRequest is the JSON body for POST /bets. Either Symbol or the
// StockID/Type/Strike/ExpiryDays group names the contract.
type PlaceBetRequest struct {
	UserID     string          `json:"user_id" validate:"required"`
	Symbol     string          `json:"symbol,omitempty"`
	StockID    string          `json:"stock_id,omitempty" validate:"required_without=Symbol"`
	Type       model.BetType   `json:"type,omitempty" validate:"required_without=Symbol"`
	Strike     decimal.Decimal `json:"strike"`
	Amount     decimal.Decimal `json:"amount"`
	ExpiryDays int             `json:"expiry_days,omitempty" validate:"required_without=Symbol"`
}

// ConfirmExpiry handles POST /api/v1/bets/confirm
func (s *Server) ConfirmExpiry(w http.ResponseWriter, r *http.Request) {
	var req ConfirmExpiryRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.deps.Options.ConfirmExpiry(r.Context(), req.UserID, req.StockID, req.ExpiryDays)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// PlaceBet handles POST /api/v1/bets
func (s *Server) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	var (
		bet *model.DirectionalBet
		err error
	)
	if req.Symbol != "" {
		bet, err = s.deps.Options.PlaceBetBySymbol(r.Context(), req.UserID, req.Symbol, req.Amount)
	} else {
		bet, err = s.deps.Options.PlaceBet(r.Context(), options.BetRequest{
			UserID:     req.UserID,
			StockID:    req.StockID,
			Type:       req.Type,
			Strike:     req.Strike,
			Amount:     req.Amount,
			ExpiryDays: req.ExpiryDays,
		})
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

// GetBet handles GET /api/v1/bets/{betID}
func (s *Server) GetBet(w http.ResponseWriter, r *http.Request) {
	bet, err := s.deps.Options.GetBet(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

// SettleBet handles POST /api/v1/bets/{betID}/settle
func (s *Server) SettleBet(w http.ResponseWriter, r *http.Request) {
	bet, err := s.deps.Options.SettleBet(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}
