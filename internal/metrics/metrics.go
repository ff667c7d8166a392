// Package metrics provides Prometheus instrumentation for the energy engine.
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
	// OperationsTotal counts engine operations, partitioned by kind and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_operations_total",
		Help: "Total number of engine operations",
	}, []string{"kind", "result"})

	// OperationLatency tracks time spent executing an operation.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "energy_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// PenaltiesTotal is the cumulative penalty charged, in token units.
	PenaltiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_penalties_total",
		Help: "Cumulative early-exit and reduction penalties in token units",
	}, []string{"kind"})

	// FeesFlushedTotal is the cumulative amount handed to the fee collector.
	FeesFlushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_fees_flushed_total",
		Help: "Cumulative weekly fees handed to the fee collector",
	})

	// FeeFlushes counts flushed weekly buckets.
	FeeFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_fee_flushes_total",
		Help: "Number of weekly fee buckets flushed",
	})

	// PendingFeeBuckets tracks open weekly fee buckets.
	PendingFeeBuckets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_pending_fee_buckets",
		Help: "Number of open weekly fee buckets",
	})

	// LockedPositions tracks the number of live lock positions.
	LockedPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_locked_positions",
		Help: "Number of live lock positions",
	})

	// SettlementFailures counts external transfers or notifications that failed
	// after an operation committed.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_settlement_failures_total",
		Help: "Committed operations whose payouts or fee notifications failed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "energy_http_request_duration_seconds",
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

// Hijack lets the websocket upgrader take over connections passing through
// the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
