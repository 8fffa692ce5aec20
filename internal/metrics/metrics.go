// Package metrics provides Prometheus instrumentation for the escrow engine.
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
	// TradesTotal counts completed trades, partitioned by action (open/close).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_trades_total",
		Help: "Total number of positions opened and closed",
	}, []string{"action"})

	// TradeLatency tracks trade execution latency by action.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// TradeRejections counts failed trade operations by action and reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_trade_rejections_total",
		Help: "Trade operations rejected, by reason",
	}, []string{"action", "reason"})

	// OpenPositions tracks open positions. It is seeded from the store at
	// startup and then moved by opens and closes.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_open_positions",
		Help: "Number of open positions",
	})

	// CommodityVolume tracks cumulative opened quantity per commodity.
	CommodityVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_commodity_volume_total",
		Help: "Cumulative opened quantity per commodity",
	}, []string{"commodity_id"})

	// EscrowFlow tracks funds moved into and out of escrow.
	EscrowFlow = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_flow_total",
		Help: "Cumulative escrow deposits and withdrawals",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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
