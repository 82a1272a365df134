package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/scheduler"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

// fail maps an engine error to its status and stable code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := model.Code(err)
	if errors.Is(err, scheduler.ErrLocked) {
		code = "job_running"
	}
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", code, status)
		return
	}
	writeError(w, err.Error(), code, status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidPrice),
		errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, model.ErrOfferExpired),
		errors.Is(err, model.ErrOfferClosed):
		return http.StatusGone
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, model.ErrExpiryNotConfirmed),
		errors.Is(err, model.ErrExposureLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrAlreadyResponded),
		errors.Is(err, model.ErrBetNotExpired),
		errors.Is(err, model.ErrConflict),
		errors.Is(err, scheduler.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, model.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrTransientStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into dst and validates its tags.
func (s *Server) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", model.ErrInvalidInput)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid fields %s: %w", strings.Join(fields, ", "), model.ErrInvalidInput)
		}
		return fmt.Errorf("%v: %w", err, model.ErrInvalidInput)
	}
	return nil
}
