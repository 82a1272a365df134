// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by type (buy/sell).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_trades_total",
		Help: "Total number of trades executed",
	}, []string{"type"})

	// TradeLatency tracks trade execution latency including conflict retries.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "asm_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TradeVolume tracks cumulative traded shares per stock.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_trade_volume_shares_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"stock_id", "type"})

	// Rejections counts user-facing operations rejected with a typed error.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_rejections_total",
		Help: "Operations rejected, by operation and error code",
	}, []string{"op", "code"})

	// StoreRetries counts store attempts that failed and were retried.
	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_store_retries_total",
		Help: "Store attempts retried, by operation and error code",
	}, []string{"op", "code"})

	// DriftItems counts per-stock drift outcomes.
	DriftItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_drift_items_total",
		Help: "Per-stock drift outcomes",
	}, []string{"outcome"})

	// DriftDuration tracks the wall time of a full drift run.
	DriftDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asm_drift_duration_seconds",
		Help:    "Duration of a drift run in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// LastDriftRun is the unix time of the last completed drift run.
	LastDriftRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asm_drift_last_run_timestamp_seconds",
		Help: "Unix time of the last completed drift run",
	})

	// BuybackResponses counts buyback responses by status.
	BuybackResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_buyback_responses_total",
		Help: "Buyback offer responses by status",
	}, []string{"status"})

	// BuybackClosed counts offers reaching a terminal status.
	BuybackClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_buyback_closed_total",
		Help: "Buyback offers closed, by terminal status",
	}, []string{"status"})

	// BetsPlaced counts placed bets by type.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_bets_placed_total",
		Help: "Directional bets placed, by type",
	}, []string{"type"})

	// BetsSettled counts settled bets by result (win/loss).
	BetsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_bets_settled_total",
		Help: "Directional bets settled, by result",
	}, []string{"result"})

	// ExposureRejections counts bets rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asm_exposure_limit_rejections_total",
		Help: "Bets rejected by the exposure limiter",
	})

	// EventSinkFailures counts event deliveries that failed, by sink.
	EventSinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_event_sink_failures_total",
		Help: "Event deliveries that failed, by sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// SchedulerRuns counts scheduled job runs by job and outcome.
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_scheduler_runs_total",
		Help: "Scheduled job runs, by job and outcome",
	}, []string{"job", "outcome"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "asm_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over connections served through
// the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
