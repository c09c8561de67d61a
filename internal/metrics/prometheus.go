// Package metrics provides a Prometheus metrics registry for the platform.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// platform_inflight_requests
	inFlight prometheus.Gauge

	// platform_requests_total{pattern,mode,status}
	requestsTotal *prometheus.CounterVec

	// platform_request_duration_seconds{pattern,mode}
	requestDuration *prometheus.HistogramVec

	// platform_upstream_attempts_total{outcome}
	upstreamAttempts *prometheus.CounterVec

	// platform_upstream_attempt_duration_seconds{outcome}
	upstreamDuration *prometheus.HistogramVec

	// platform_mock_responses_total{pattern,reason}
	mockResponses *prometheus.CounterVec

	// platform_failover_events_total{pattern}
	failoverEvents *prometheus.CounterVec

	// platform_drift_alerts_total{pattern,severity}
	driftAlerts *prometheus.CounterVec

	// platform_learning_observations_total{result}
	learningObservations *prometheus.CounterVec

	// platform_learning_buffer_depth
	bufferDepth prometheus.Gauge

	// platform_latency_anomalies_total{pattern}
	latencyAnomalies *prometheus.CounterVec

	// platform_endpoint_health_score{pattern}
	endpointHealth *prometheus.GaugeVec

	// platform_global_health_score
	globalHealth prometheus.Gauge

	// platform_websocket_subscribers
	wsSubscribers prometheus.Gauge

	// platform_circuit_breaker_state — 0=closed, 1=open, 2=half-open
	circuitBreakerState prometheus.Gauge

	// platform_circuit_breaker_transitions_total{to_state}
	cbTransitions *prometheus.CounterVec

	// platform_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState float64
	cbSeen      bool

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "platform_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_requests_total",
				Help: "Total requests handled, by endpoint pattern, serving mode, and status",
			},
			[]string{"pattern", "mode", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "platform_request_duration_seconds",
				Help:    "End-to-end request duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"pattern", "mode"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_upstream_attempts_total",
				Help: "Upstream forward attempts by outcome (ok, error, network_error)",
			},
			[]string{"outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "platform_upstream_attempt_duration_seconds",
				Help:    "Upstream forward attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"outcome"},
		),

		mockResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_mock_responses_total",
				Help: "Synthesized responses by endpoint pattern and reason (mode, header, failover, chaos)",
			},
			[]string{"pattern", "reason"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_failover_events_total",
				Help: "Requests served from the learned model because the upstream was unreachable",
			},
			[]string{"pattern"},
		),

		driftAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_drift_alerts_total",
				Help: "Contract drift alerts raised, by endpoint pattern and worst severity",
			},
			[]string{"pattern", "severity"},
		),

		learningObservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_learning_observations_total",
				Help: "Observations processed by the learning worker (ok, error)",
			},
			[]string{"result"},
		),

		bufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "platform_learning_buffer_depth",
			Help: "Observations currently staged in the learning buffer",
		}),

		latencyAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_latency_anomalies_total",
				Help: "Latency observations flagged anomalous by the adaptive detector",
			},
			[]string{"pattern"},
		),

		endpointHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "platform_endpoint_health_score",
				Help: "Latest endpoint health score (0-100)",
			},
			[]string{"pattern"},
		),

		globalHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "platform_global_health_score",
			Help: "Aggregated platform health score (0-100)",
		}),

		wsSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "platform_websocket_subscribers",
			Help: "Currently connected live log subscribers",
		}),

		circuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "platform_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed,1=open,2=half-open)",
		}),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"to_state"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "platform_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.mockResponses,
		r.failoverEvents,
		r.driftAlerts,
		r.learningObservations,
		r.bufferDepth,
		r.latencyAnomalies,
		r.endpointHealth,
		r.globalHealth,
		r.wsSubscribers,
		r.circuitBreakerState,
		r.cbTransitions,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveRequest records one handled request.
func (r *Registry) ObserveRequest(pattern, mode string, statusCode int, dur time.Duration) {
	r.requestsTotal.WithLabelValues(pattern, mode, strconv.Itoa(statusCode)).Inc()
	r.requestDuration.WithLabelValues(pattern, mode).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one forward attempt.
func (r *Registry) ObserveUpstreamAttempt(outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(outcome).Inc()
	r.upstreamDuration.WithLabelValues(outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordMockResponse(pattern, reason string) {
	r.mockResponses.WithLabelValues(pattern, reason).Inc()
}

func (r *Registry) RecordFailover(pattern string) {
	r.failoverEvents.WithLabelValues(pattern).Inc()
}

func (r *Registry) RecordDriftAlert(pattern, severity string) {
	r.driftAlerts.WithLabelValues(pattern, severity).Inc()
}

func (r *Registry) RecordLearningObservation(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.learningObservations.WithLabelValues(result).Inc()
}

func (r *Registry) SetBufferDepth(n int) {
	r.bufferDepth.Set(float64(n))
}

func (r *Registry) RecordLatencyAnomaly(pattern string) {
	r.latencyAnomalies.WithLabelValues(pattern).Inc()
}

func (r *Registry) SetEndpointHealth(pattern string, score float64) {
	r.endpointHealth.WithLabelValues(pattern).Set(score)
}

func (r *Registry) SetGlobalHealth(score float64) {
	r.globalHealth.Set(score)
}

func (r *Registry) SetSubscribers(n int) {
	r.wsSubscribers.Set(float64(n))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(state int64) {
	r.circuitBreakerState.Set(float64(state))

	r.cbMu.Lock()
	if !r.cbSeen || r.lastCBState != float64(state) {
		r.cbSeen = true
		r.lastCBState = float64(state)
		r.cbTransitions.WithLabelValues(strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
