// Package metrics provides Prometheus instrumentation for the simulation core.
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
	// EventsDispatched counts events that ran, by kind.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macrosim_events_dispatched_total",
		Help: "Events dispatched to a live target",
	}, []string{"kind"})

	// EventsDropped counts events whose target was gone at dispatch.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macrosim_events_dropped_total",
		Help: "Events dropped because the target no longer resolves",
	})

	// EventFaults counts handler errors and recovered panics.
	EventFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macrosim_event_faults_total",
		Help: "Event handlers that failed",
	}, []string{"kind"})

	// EventsLate counts events dispatched past their tolerance window.
	EventsLate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macrosim_events_late_total",
		Help: "Events dispatched later than their tolerance allows",
	})

	// BudgetExhausted counts drains cut short by the work budget.
	BudgetExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macrosim_drain_budget_exhausted_total",
		Help: "Drains that stopped with due events still queued",
	})

	// PendingEvents tracks the event queue length.
	PendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "macrosim_pending_events",
		Help: "Events waiting in the queue",
	})

	// TradesTotal counts executions per commodity.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macrosim_trades_total",
		Help: "Trades executed",
	}, []string{"commodity"})

	// TradeVolume tracks cumulative units traded per commodity.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macrosim_trade_volume_total",
		Help: "Cumulative units traded",
	}, []string{"commodity"})

	// MatchAborts counts matches abandoned because a party was dead.
	MatchAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macrosim_match_aborts_total",
		Help: "Matches aborted before settlement",
	})

	// InvariantViolations counts broken ledger invariants.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macrosim_invariant_violations_total",
		Help: "Ledger invariant violations detected",
	})

	// SimTime tracks the current simulated time in days.
	SimTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "macrosim_sim_time_days",
		Help: "Current simulated time",
	})

	// LiveEntities tracks the number of live entities.
	LiveEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "macrosim_live_entities",
		Help: "Live entities in the registry",
	})

	// TickDuration tracks real time spent in one driver tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "macrosim_tick_duration_seconds",
		Help:    "Wall time spent per real-time tick",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	// WebSocketClients tracks connected firehose clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "macrosim_websocket_clients",
		Help: "Connected trade firehose clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macrosim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "macrosim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// statusWriter captures the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so WebSocket upgrades work behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
