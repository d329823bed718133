// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"bufio"
	"errors"
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
	// TradesTotal counts settlement attempts by outcome
	// ("committed", "replayed", or the rejection reason).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldx_trades_total",
		Help: "Settlement attempts by outcome",
	}, []string{"outcome"})

	// SettlementLatency tracks end-to-end settlement time.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worldx_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	// LockAcquisitions counts lease acquisition results
	// ("acquired", "timeout", "unavailable", "fail_open").
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldx_lock_acquisitions_total",
		Help: "Lock acquisition results",
	}, []string{"result"})

	// LockReleaseLost counts releases that found the lease already gone or re-owned.
	LockReleaseLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldx_lock_release_lost_total",
		Help: "Releases where the lease had expired or changed owner",
	})

	// LockedDecrementsLost counts leased settlements whose offer decrement was refused.
	LockedDecrementsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldx_locked_decrements_lost_total",
		Help: "Trades voided because the offer changed while the lease was held",
	})

	// RateCacheLookups counts exchange-rate cache hits and misses.
	RateCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldx_rate_cache_lookups_total",
		Help: "Exchange-rate cache lookups by result",
	}, []string{"result"})

	// RecomputeDuration tracks each recomputation pass.
	RecomputeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worldx_recompute_duration_seconds",
		Help:    "Recomputation pass duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"pass"})

	// RecomputeFailures counts per-item failures skipped within a pass.
	RecomputeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldx_recompute_failures_total",
		Help: "Items skipped by a recomputation pass due to errors",
	}, []string{"pass"})

	// ExchangeRate exposes the current rate per currency.
	ExchangeRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worldx_exchange_rate",
		Help: "Units of currency per unit of the base currency",
	}, []string{"currency"})

	// OffersExpired counts offers flipped to expired, by path ("lazy", "sweep").
	OffersExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldx_offers_expired_total",
		Help: "Offers moved to expired",
	}, []string{"path"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worldx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// BroadcastDropped counts trade events dropped by a full broadcast buffer.
	BroadcastDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldx_broadcast_dropped_total",
		Help: "Trade events dropped before delivery",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worldx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
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

		// Route patterns keep label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
