// Package metrics provides Prometheus instrumentation for the trade engine.
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
	// TradesTotal counts trade intents processed, partitioned by kind and
	// receipt status.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_total",
		Help: "Total trade intents processed",
	}, []string{"kind", "status"})

	// TradeLatency tracks end-to-end execution latency per intent kind.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// RejectionsTotal counts rejections by reason code.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_rejections_total",
		Help: "Trade rejections by reason code",
	}, []string{"reason"})

	// LiquidationsTotal counts forced closures per instrument.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_liquidations_total",
		Help: "Forced position closures",
	}, []string{"ticker"})

	// FundingSettlementsTotal counts funding settlement passes per instrument.
	FundingSettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_funding_settlements_total",
		Help: "Funding settlement passes applied",
	}, []string{"ticker"})

	// OpenPerpPositions tracks open leveraged positions per instrument.
	OpenPerpPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_open_perp_positions",
		Help: "Number of open perpetual positions",
	}, []string{"ticker"})

	// ActivePools tracks the number of open prediction pools.
	ActivePools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_active_pools",
		Help: "Number of open prediction market pools",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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
