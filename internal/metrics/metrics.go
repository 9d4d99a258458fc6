// Package metrics provides Prometheus instrumentation for the raffle engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicketTradesTotal counts bonding-curve ticket trades by action.
	TicketTradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_ticket_trades_total",
		Help: "Total number of ticket buys and sells",
	}, []string{"action"})

	// ShareTradesTotal counts derivative-market share trades by side/action.
	ShareTradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_share_trades_total",
		Help: "Total number of share trades executed",
	}, []string{"side", "action"})

	// MarketsCreatedTotal counts derivative markets provisioned by
	// threshold crossings.
	MarketsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raffle_markets_created_total",
		Help: "Derivative markets created by probability threshold crossings",
	})

	// RoundsSettledTotal counts fully settled rounds.
	RoundsSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raffle_rounds_settled_total",
		Help: "Rounds whose settlement completed",
	})

	// SettlementFailuresTotal counts per-market resolution failures during
	// round settlement.
	SettlementFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raffle_settlement_failures_total",
		Help: "Per-market resolution failures during round settlement",
	})

	// InvariantViolationsTotal counts fatal numeric invariant breaks. Any
	// nonzero value is an alarm condition.
	InvariantViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raffle_invariant_violations_total",
		Help: "Fatal numeric invariant violations detected",
	})

	// ActiveRounds tracks the number of rounds open for trading.
	ActiveRounds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "raffle_active_rounds",
		Help: "Number of rounds currently open for trading",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "raffle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "raffle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// ExposureLimitRejections counts share trades rejected by the limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raffle_exposure_limit_rejections_total",
		Help: "Share trades rejected by the exposure limiter",
	})
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

		// Use the raw path for the label; route cardinality is low here.
		path := r.URL.Path
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
