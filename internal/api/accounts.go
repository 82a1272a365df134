package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// DepositRequest is the JSON body for POST /accounts/{userID}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BalanceResponse reports an account balance.
type BalanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// OpenAccount handles POST /api/v1/accounts
// Opening an existing account returns its balance unchanged.
func (s *Server) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.deps.Ledger.OpenAccount(r.Context(), req.UserID, s.deps.InitialBalance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: req.UserID, Balance: b})
}

// Deposit handles POST /api/v1/accounts/{userID}/deposit
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req DepositRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.deps.Ledger.Deposit(r.Context(), userID, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: b})
}

// GetPortfolio handles GET /api/v1/accounts/{userID}/portfolio
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Ledger.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListTransactions handles GET /api/v1/accounts/{userID}/transactions
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.deps.Ledger.Transactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// ListOpenBets handles GET /api/v1/accounts/{userID}/bets
func (s *Server) ListOpenBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.deps.Options.OpenBets(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if bets == nil {
		bets = []model.DirectionalBet{}
	}
	writeJSON(w, http.StatusOK, bets)
}
