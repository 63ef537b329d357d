// Package metrics provides Prometheus instrumentation for the trade engine.
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
	// EventsIngested counts Ingest outcomes: new, duplicate, error.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wkf_events_ingested_total",
		Help: "Events passed to Ingest, partitioned by outcome",
	}, []string{"outcome"})

	// IngestRuns counts scheduler ticks that called the event source.
	IngestRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wkf_ingest_runs_total",
		Help: "Ingestion runs by status",
	}, []string{"status"})

	// FanoutMessages counts new-event notifications by direction.
	FanoutMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wkf_fanout_messages_total",
		Help: "Fan-out notifications published, received or dropped",
	}, []string{"direction"})

	// PipelineSteps counts analysis step outcomes per consumer.
	PipelineSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wkf_pipeline_steps_total",
		Help: "Analysis pipeline step outcomes",
	}, []string{"consumer", "step", "outcome"})

	// CapabilityRetries counts retried external calls.
	CapabilityRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wkf_capability_retries_total",
		Help: "External capability calls retried after a transient failure",
	}, []string{"capability"})

	// CapabilityLatency tracks external call latency, retries included.
	CapabilityLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wkf_capability_latency_seconds",
		Help:    "External capability call latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"capability"})

	// Orders counts brokerage orders by side and outcome.
	Orders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wkf_orders_total",
		Help: "Brokerage orders by side and outcome",
	}, []string{"consumer", "side", "outcome"})

	// PositionsClosed counts closes by reason.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wkf_positions_closed_total",
		Help: "Positions closed, partitioned by close reason",
	}, []string{"consumer", "reason"})

	// OpenPositions tracks opened positions per consumer after each sweep.
	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wkf_open_positions",
		Help: "Number of currently opened positions",
	}, []string{"consumer"})

	// MonitorTickDuration tracks one Buy + Sell sweep.
	MonitorTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wkf_monitor_tick_seconds",
		Help:    "Monitoring loop tick duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"consumer"})

	// QuoteCache counts shared quote cache lookups.
	QuoteCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wkf_quote_cache_total",
		Help: "Quote cache lookups by result",
	}, []string{"result"})

	// StoreUp is 1 while the store answers pings.
	StoreUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wkf_store_up",
		Help: "Whether the shared store answered the last ping",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wkf_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wkf_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wkf_http_request_duration_seconds",
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
