// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts submitted orders by kind and outcome
	// (admitted, rejected, failed).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "share_engine_orders_total",
		Help: "Orders submitted, by kind and outcome",
	}, []string{"kind", "outcome"})

	// ValidationRejections counts intake rejections by rule.
	ValidationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "share_engine_validation_rejections_total",
		Help: "Orders rejected at intake, by rule",
	}, []string{"rule"})

	// SettlementLatency tracks the time spent settling one operation.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "share_engine_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// SharesSettled tracks cumulative settled quantity per share and kind.
	SharesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "share_engine_shares_settled_total",
		Help: "Cumulative settled shares",
	}, []string{"share_id", "kind"})

	// BatchesTotal counts sell settlement batches by final status.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "share_engine_batches_total",
		Help: "Sell settlement batches, by final status",
	}, []string{"status"})

	// LockTimeouts counts operations that gave up waiting for a lock.
	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "share_engine_lock_timeouts_total",
		Help: "Operations aborted on lock contention",
	})

	// ReconciliationDrift counts corrected projections by ledger
	// (wallet, share).
	ReconciliationDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "share_engine_reconciliation_drift_total",
		Help: "Projections corrected by reconciliation",
	}, []string{"ledger"})

	// InvariantViolations counts conservation failures that froze a share.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "share_engine_invariant_violations_total",
		Help: "Conservation checks that failed",
	})

	// TradingHalted is 1 while a scope is halted.
	TradingHalted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "share_engine_trading_halted",
		Help: "1 while trading is halted for the scope",
	}, []string{"scope"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "share_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "share_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "share_engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveSince records the latency of a settlement operation.
func ObserveSince(kind string, start time.Time) {
	SettlementLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// SetHalted updates the halt gauge of a scope.
func SetHalted(scope string, halted bool) {
	v := 0.0
	if halted {
		v = 1
	}
	TradingHalted.WithLabelValues(scope).Set(v)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// The route pattern keeps ids out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
