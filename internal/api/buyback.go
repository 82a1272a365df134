package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/buyback"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

// CreateOfferRequest is the JSON body for POST /buybacks.
type CreateOfferRequest struct {
	StockID      string          `json:"stock_id" validate:"required"`
	OfferedPrice decimal.Decimal `json:"offered_price"`
	OfferedBy    string          `json:"offered_by" validate:"required"`
	TargetUsers  []string        `json:"target_users" validate:"omitempty,dive,required"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// AcceptOfferRequest is the JSON body for POST /buybacks/{offerID}/accept.
type AcceptOfferRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Shares int64  `json:"shares" validate:"gt=0"`
}

// DeclineOfferRequest is the JSON body for POST /buybacks/{offerID}/decline.
type DeclineOfferRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// CreateOffer handles POST /api/v1/buybacks
func (s *Server) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req CreateOfferRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	offer, err := s.deps.Buybacks.CreateOffer(r.Context(), buyback.OfferRequest{
		StockID:      req.StockID,
		OfferedPrice: req.OfferedPrice,
		OfferedBy:    req.OfferedBy,
		TargetUsers:  req.TargetUsers,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

// ListOffers handles GET /api/v1/buybacks?status=active
// An empty status lists every offer.
func (s *Server) ListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.deps.Buybacks.ListOffers(r.Context(), model.OfferStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if offers == nil {
		offers = []model.BuybackOffer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// GetOffer handles GET /api/v1/buybacks/{offerID}
func (s *Server) GetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := s.deps.Buybacks.GetOffer(r.Context(), chi.URLParam(r, "offerID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// ListResponses handles GET /api/v1/buybacks/{offerID}/responses
func (s *Server) ListResponses(w http.ResponseWriter, r *http.Request) {
	resps, err := s.deps.Buybacks.Responses(r.Context(), chi.URLParam(r, "offerID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if resps == nil {
		resps = []model.OfferResponse{}
	}
	writeJSON(w, http.StatusOK, resps)
}

// AcceptOffer handles POST /api/v1/buybacks/{offerID}/accept
func (s *Server) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req AcceptOfferRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Buybacks.Accept(r.Context(), chi.URLParam(r, "offerID"), req.UserID, req.Shares)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeclineOffer handles POST /api/v1/buybacks/{offerID}/decline
func (s *Server) DeclineOffer(w http.ResponseWriter, r *http.Request) {
	var req DeclineOfferRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.deps.Buybacks.Decline(r.Context(), chi.URLParam(r, "offerID"), req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
