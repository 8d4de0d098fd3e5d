// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// runestone_inflight_requests
	inFlight prometheus.Gauge

	// runestone_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// runestone_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// runestone_admission_total{result,reason}
	admissionTotal *prometheus.CounterVec

	// runestone_upstream_attempts_total{provider,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// runestone_upstream_attempt_duration_seconds{provider,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// runestone_provider_errors_total{provider,error_class}
	providerErrors *prometheus.CounterVec

	// runestone_circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// runestone_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// runestone_circuit_breaker_rejections_total{provider}
	cbRejections *prometheus.CounterVec

	// runestone_failover_events_total{group,from,to,reason}
	failoverEvents *prometheus.CounterVec

	// runestone_failover_success_total{group,to}
	failoverSuccess *prometheus.CounterVec

	// runestone_failover_exhausted_total{group}
	failoverExhausted *prometheus.CounterVec

	// runestone_stream_frames_total{provider}
	streamFrames *prometheus.CounterVec

	// runestone_stream_terminations_total{provider,reason}
	streamTerminations *prometheus.CounterVec

	// runestone_overflow_jobs_total{event} — enqueued|duplicate|drained|failed|dropped
	overflowJobs *prometheus.CounterVec

	// runestone_overflow_depth
	overflowDepth prometheus.Gauge

	// runestone_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// runestone_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// runestone_build_info{version}
	buildInfo *prometheus.GaugeVec

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
			Name: "runestone_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runestone_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_admission_total",
				Help: "Admission decisions (result=allowed|denied|queued, reason=rpm|rph|concurrency|none)",
			},
			[]string{"result", "reason"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_upstream_attempts_total",
				Help: "Upstream provider attempts by outcome",
			},
			[]string{"provider", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runestone_upstream_attempt_duration_seconds",
				Help:    "Duration of individual upstream attempts",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"provider", "route", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_provider_errors_total",
				Help: "Provider errors by classification",
			},
			[]string{"provider", "error_class"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "runestone_circuit_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"provider", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_circuit_breaker_rejections_total",
				Help: "Requests rejected because the provider's breaker was not closed",
			},
			[]string{"provider"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_failover_events_total",
				Help: "Failover switches between providers",
			},
			[]string{"group", "from", "to", "reason"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_failover_success_total",
				Help: "Requests served by a non-primary provider after failover",
			},
			[]string{"group", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_failover_exhausted_total",
				Help: "Requests for which every candidate provider failed",
			},
			[]string{"group"},
		),

		streamFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_stream_frames_total",
				Help: "SSE content frames relayed to clients",
			},
			[]string{"provider"},
		),

		streamTerminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_stream_terminations_total",
				Help: "Stream terminations by reason (done|error|idle_timeout|deadline|disconnect)",
			},
			[]string{"provider", "reason"},
		),

		overflowJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_overflow_jobs_total",
				Help: "Overflow queue events (enqueued|duplicate|drained|failed|dropped)",
			},
			[]string{"event"},
		),

		overflowDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runestone_overflow_depth",
			Help: "Jobs currently waiting in the overflow queue",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runestone_tokens_total",
				Help: "Tokens processed, by direction (input|output)",
			},
			[]string{"provider", "direction"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "runestone_provider_health",
				Help: "Provider health score from active probes (0..1)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "runestone_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.admissionTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.failoverEvents,
		r.failoverSuccess,
		r.failoverExhausted,
		r.streamFrames,
		r.streamTerminations,
		r.overflowJobs,
		r.overflowDepth,
		r.tokensTotal,
		r.providerHealth,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)
	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) RecordAdmission(result, reason string) {
	if reason == "" {
		reason = "none"
	}
	r.admissionTotal.WithLabelValues(result, reason).Inc()
}

func (r *Registry) ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordProviderError(provider, class string) {
	r.providerErrors.WithLabelValues(provider, class).Inc()
}

func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func (r *Registry) RecordCircuitBreakerTransition(provider, toState string) {
	r.cbTransitions.WithLabelValues(provider, toState).Inc()
}

func (r *Registry) RecordCircuitBreakerRejection(provider string) {
	r.cbRejections.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordFailover(group, from, to, reason string) {
	r.failoverEvents.WithLabelValues(group, from, to, reason).Inc()
}

func (r *Registry) RecordFailoverSuccess(group, to string) {
	r.failoverSuccess.WithLabelValues(group, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(group string) {
	r.failoverExhausted.WithLabelValues(group).Inc()
}

func (r *Registry) AddStreamFrames(provider string, n int) {
	r.streamFrames.WithLabelValues(provider).Add(float64(n))
}

func (r *Registry) RecordStreamTermination(provider, reason string) {
	r.streamTerminations.WithLabelValues(provider, reason).Inc()
}

func (r *Registry) RecordOverflow(event string) {
	r.overflowJobs.WithLabelValues(event).Inc()
}

func (r *Registry) SetOverflowDepth(n int64) {
	r.overflowDepth.Set(float64(n))
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetProviderHealth(provider string, score float64) {
	r.providerHealth.WithLabelValues(provider).Set(score)
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
