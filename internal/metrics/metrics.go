package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hotelgate"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector owns the gateway's Prometheus collectors. Each Collector has
// its own registry so tests and multiple gateways in one process never
// collide on registration.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	forwardsTotal    *prometheus.CounterVec
	forwardDuration  *prometheus.HistogramVec
	gateDecisions    *prometheus.CounterVec
	restrictedLogins *prometheus.CounterVec
	wsConnections    *prometheus.GaugeVec
	wsSessions       *prometheus.HistogramVec
}

// NewCollector creates a collector with the Go runtime and process
// collectors already registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests handled by the gateway listener",
		}, []string{"method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of requests handled by the gateway listener",
			Buckets:   DefaultBuckets,
		}, []string{"method"}),
		forwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_forwards_total",
			Help:      "Upstream forwards by route, target and outcome",
		}, []string{"route", "target", "outcome"}),
		forwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_forward_duration_seconds",
			Help:      "Time from forward start until the response body was relayed",
			Buckets:   DefaultBuckets,
		}, []string{"target"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Access gate decisions by outcome and reason",
		}, []string{"outcome", "reason"}),
		restrictedLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restricted_attempts_total",
			Help:      "Restricted area password attempts by result",
		}, []string{"result"}),
		wsConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open relayed WebSocket connections",
		}, []string{"target"}),
		wsSessions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "websocket_session_duration_seconds",
			Help:      "Lifetime of relayed WebSocket connections",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600},
		}, []string{"target"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDuration,
		c.forwardsTotal,
		c.forwardDuration,
		c.gateDecisions,
		c.restrictedLogins,
		c.wsConnections,
		c.wsSessions,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordRequest records a completed request on the main listener
func (c *Collector) RecordRequest(method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordForward records one upstream forward.
func (c *Collector) RecordForward(route, target, outcome string, duration time.Duration) {
	c.forwardsTotal.WithLabelValues(route, target, outcome).Inc()
	c.forwardDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordGateDecision counts an access gate verdict.
func (c *Collector) RecordGateDecision(outcome, reason string) {
	c.gateDecisions.WithLabelValues(outcome, reason).Inc()
}

// RecordRestrictedAttempt counts a restricted area password attempt.
// result is one of "granted", "denied" or "throttled".
func (c *Collector) RecordRestrictedAttempt(result string) {
	c.restrictedLogins.WithLabelValues(result).Inc()
}

// WebSocketOpened marks a relayed connection as open.
func (c *Collector) WebSocketOpened(target string) {
	c.wsConnections.WithLabelValues(target).Inc()
}

// WebSocketClosed marks a relayed connection as closed after d.
func (c *Collector) WebSocketClosed(target string, d time.Duration) {
	c.wsConnections.WithLabelValues(target).Dec()
	c.wsSessions.WithLabelValues(target).Observe(d.Seconds())
}

// TrackInFlight exports the current in-flight count of a target's
// upstream limiter.
func (c *Collector) TrackInFlight(target string, inFlight func() int64) error {
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "upstream_in_flight",
		Help:        "Upstream requests currently holding a slot",
		ConstLabels: prometheus.Labels{"target": target},
	}, func() float64 {
		return float64(inFlight())
	}))
}
