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

	"github.com/runestonehq/runestone/internal/telemetry"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_upstream_attempts_total{instance,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{instance,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_provider_errors_total{instance,class}
	providerErrors *prometheus.CounterVec

	// gateway_circuit_breaker_state{instance} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{instance,route,direction,estimated}
	tokensTotal *prometheus.CounterVec

	// gateway_overflow_jobs_total{event}
	overflowJobs *prometheus.CounterVec

	// gateway_overflow_queue_depth
	overflowDepth prometheus.Gauge

	// gateway_stream_chunks_total
	streamChunks prometheus.Counter

	// gateway_events_total{event} — raw telemetry taxonomy counters
	eventsTotal *prometheus.CounterVec

	// gateway_build_info{version}
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
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes stream drain)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes failovers)",
			},
			[]string{"instance", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"instance", "route", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_errors_total",
				Help: "Total classified provider errors",
			},
			[]string{"instance", "class"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"instance"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals from provider usage fields or estimation",
			},
			[]string{"instance", "route", "direction", "estimated"},
		),

		overflowJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_overflow_jobs_total",
				Help: "Overflow queue job events",
			},
			[]string{"event"},
		),

		overflowDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_overflow_queue_depth",
			Help: "Jobs currently persisted in the overflow queue",
		}),

		streamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_chunks_total",
			Help: "SSE content chunks relayed to clients",
		}),

		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_events_total",
				Help: "Telemetry events by taxonomy name",
			},
			[]string{"event"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.circuitBreakerState,
		r.rateLimitTotal,
		r.tokensTotal,
		r.overflowJobs,
		r.overflowDepth,
		r.streamChunks,
		r.eventsTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(instance, route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(instance, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(instance, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordError(instance, class string) {
	r.providerErrors.WithLabelValues(instance, class).Inc()
}

// SetCircuitBreaker sets the state gauge: 0=closed, 1=open, 2=half-open.
func (r *Registry) SetCircuitBreaker(instance string, state int64) {
	r.circuitBreakerState.WithLabelValues(instance).Set(float64(state))
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// AddTokens records token usage. estimated marks heuristic counts so derived
// billing dashboards can exclude them.
func (r *Registry) AddTokens(instance, route string, inputTokens, outputTokens int, estimated bool) {
	est := strconv.FormatBool(estimated)
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(instance, route, "input", est).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(instance, route, "output", est).Add(float64(outputTokens))
	}
}

func (r *Registry) RecordOverflow(event string) {
	r.overflowJobs.WithLabelValues(event).Inc()
}

func (r *Registry) SetOverflowDepth(n int) {
	r.overflowDepth.Set(float64(n))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

// Emit implements telemetry.Sink: every taxonomy event increments its counter,
// and a few events update dedicated series.
func (r *Registry) Emit(event string, m telemetry.Measurements, md telemetry.Metadata) {
	r.eventsTotal.WithLabelValues(event).Inc()

	switch event {
	case telemetry.StreamChunk:
		r.streamChunks.Inc()
	case telemetry.RateLimitAllow:
		r.RecordRateLimit("allowed")
	case telemetry.RateLimitBlock:
		r.RecordRateLimit("blocked")
	case telemetry.OverflowEnqueue:
		r.RecordOverflow("enqueue")
	case telemetry.OverflowDrainStop:
		r.RecordOverflow("drained")
	case telemetry.OverflowDrainGiveup:
		r.RecordOverflow("giveup")
	case telemetry.ProviderRequestError:
		if inst, ok := md["instance"]; ok {
			r.RecordError(inst, md["class"])
		}
	case telemetry.CircuitOpen:
		if inst, ok := md["instance"]; ok {
			r.SetCircuitBreaker(inst, 1)
		}
	case telemetry.CircuitClose:
		if inst, ok := md["instance"]; ok {
			r.SetCircuitBreaker(inst, 0)
		}
	case telemetry.CircuitHalfOpen:
		if inst, ok := md["instance"]; ok {
			r.SetCircuitBreaker(inst, 2)
		}
	}
}
