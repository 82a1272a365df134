package model

import "errors"

// Rejection reasons surfaced to callers. Wrap with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrInvalidQuantity    = errors.New("share quantity must be positive")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotEligible        = errors.New("user is not eligible for this offer")
	ErrOfferExpired       = errors.New("offer has expired")
	ErrOfferClosed        = errors.New("offer is closed")
	ErrAlreadyResponded   = errors.New("user already responded to this offer")
	ErrExpiryNotConfirmed = errors.New("expiry window was not confirmed")
	ErrBetNotExpired      = errors.New("bet has not reached expiry")
	ErrExposureLimit      = errors.New("wager exposure limit exceeded")
)

// Store-level failures. These are retryable by batch jobs; user-facing
// operations only retry ErrConflict.
var (
	ErrConflict       = errors.New("write conflict")
	ErrTransientStore = errors.New("transient store error")
	ErrRateLimited    = errors.New("store rate limited")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInsufficientShares, "insufficient_shares"},
	{ErrInvalidPrice, "invalid_price"},
	{ErrInvalidQuantity, "invalid_quantity"},
	{ErrInvalidInput, "invalid_input"},
	{ErrNotEligible, "not_eligible"},
	{ErrOfferExpired, "offer_expired"},
	{ErrOfferClosed, "offer_closed"},
	{ErrAlreadyResponded, "already_responded"},
	{ErrExpiryNotConfirmed, "expiry_not_confirmed"},
	{ErrBetNotExpired, "bet_not_expired"},
	{ErrExposureLimit, "exposure_limit"},
	{ErrConflict, "conflict"},
	{ErrTransientStore, "transient_store_error"},
	{ErrRateLimited, "rate_limited"},
}

// Code returns the stable machine-readable code for err, or "internal".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// Retryable reports whether a batch job should retry after err.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrTransientStore) ||
		errors.Is(err, ErrRateLimited)
}
