package options

import (
	"errors"
	"testing"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

func TestParseSymbol_Valid(t *testing.T) {
	s, err := ParseSymbol("OPT-5f0c-41d2-P-97.5-30D")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.StockID != "5f0c-41d2" {
		t.Errorf("expected stock_id=5f0c-41d2, got %s", s.StockID)
	}
	if s.Type != model.BetPut {
		t.Errorf("expected type=put, got %s", s.Type)
	}
	if !s.Strike.Equal(d(97.5)) {
		t.Errorf("expected strike=97.5, got %s", s.Strike)
	}
	if s.ExpiryDays != 30 {
		t.Errorf("expected expiry_days=30, got %d", s.ExpiryDays)
	}
	if got := s.String(); got != "OPT-5f0c-41d2-P-97.5-30D" {
		t.Errorf("round trip = %s", got)
	}
}

func TestParseSymbol_Invalid(t *testing.T) {
	tests := []string{
		"",
		"OPT-luffy-X-100-30D",  // bad side
		"OPT-luffy-C-100-30",   // missing D
		"OPT--C-100-30D",       // empty stock
		"OPT-luffy-C-0-30D",    // zero strike
		"OPT-luffy-C-100-0D",   // zero expiry
		"opt-luffy-C-100-30D",  // lowercase prefix
		"OPT-luffy-C-1e2-30D",  // exponent strike
		"OPT-luffy-C--100-30D", // negative strike
	}
	for _, s := range tests {
		_, err := ParseSymbol(s)
		if err == nil {
			t.Errorf("ParseSymbol(%q) should fail", s)
			continue
		}
		if !errors.Is(err, ErrInvalidSymbol) || !errors.Is(err, model.ErrInvalidInput) {
			t.Errorf("ParseSymbol(%q) err = %v, want ErrInvalidSymbol", s, err)
		}
	}
}

func TestFormatSymbol(t *testing.T) {
	got := FormatSymbol("zoro", model.BetCall, d(105).Round(2), 7)
	if got != "OPT-zoro-C-105-7D" {
		t.Errorf("got %s", got)
	}
}
