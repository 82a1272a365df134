// Package events delivers engine events to external consumers. Delivery is
// best effort: a failing sink is logged and counted, never retried, and never
// fails the operation that produced the event.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/metrics"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

// Sink consumes engine events.
type Sink interface {
	Emit(ctx context.Context, e model.Event) error
}

// Publish stamps e with an id and timestamp (if unset) and hands it to sink.
// Failures are logged. A nil sink drops the event.
func Publish(ctx context.Context, sink Sink, logger *slog.Logger, e model.Event) {
	if sink == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := sink.Emit(ctx, e); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("event delivery failed", "event_id", e.ID, "type", e.Type, "err", err)
	}
}

// Multi fans an event out to every sink. Every sink is attempted; the
// returned error joins the individual failures.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e model.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			metrics.EventSinkFailures.WithLabelValues(fmt.Sprintf("%T", s)).Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(_ context.Context, e model.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"event_id", e.ID, "type", e.Type}
	if e.StockID != "" {
		attrs = append(attrs, "stock_id", e.StockID)
	}
	if e.UserID != "" {
		attrs = append(attrs, "user_id", e.UserID)
	}
	if e.OfferID != "" {
		attrs = append(attrs, "offer_id", e.OfferID)
	}
	if e.BetID != "" {
		attrs = append(attrs, "bet_id", e.BetID)
	}
	if e.Kind != "" {
		attrs = append(attrs, "kind", e.Kind)
	}
	if e.Shares != 0 {
		attrs = append(attrs, "shares", e.Shares)
	}
	if e.Type == model.EventDriftCompleted {
		attrs = append(attrs, "succeeded", e.Succeeded, "failed", e.Failed)
	} else {
		attrs = append(attrs, "amount", e.Amount.String(), "price", e.Price.String())
	}
	logger.Info("event", attrs...)
	return nil
}

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, e model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t model.EventType) []model.Event {
	var out []model.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
