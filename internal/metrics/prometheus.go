// Package metrics provides a Prometheus metrics registry for the relay.
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

	// relay_inflight_requests
	inFlight prometheus.Gauge

	// relay_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// relay_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// relay_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// relay_stream_outcomes_total{provider,outcome}
	streamOutcomes *prometheus.CounterVec

	// relay_stream_duration_seconds{provider}
	streamDuration *prometheus.HistogramVec

	// relay_auth_lookups_total{result} — hit, miss, invalid, error
	authLookups *prometheus.CounterVec

	// relay_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// relay_turn_writes_total{result}
	turnWrites *prometheus.CounterVec

	// relay_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// relay_build_info{version}
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
			Name: "relay_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the relay",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream streaming)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_attempts_total",
				Help: "Total upstream provider connection attempts (includes retries)",
			},
			[]string{"provider", "outcome"},
		),

		streamOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_stream_outcomes_total",
				Help: "Completed streams by terminal outcome (done, error, disconnect)",
			},
			[]string{"provider", "outcome"},
		),

		streamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_stream_duration_seconds",
				Help:    "Duration of upstream streams from first to last event",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider"},
		),

		authLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_auth_lookups_total",
				Help: "API key authentication lookups by result",
			},
			[]string{"result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		turnWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_turn_writes_total",
				Help: "Chat turn persistence attempts by result",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.streamOutcomes,
		r.streamDuration,
		r.authLookups,
		r.rateLimitTotal,
		r.turnWrites,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordUpstreamAttempt records one upstream connection attempt.
func (r *Registry) RecordUpstreamAttempt(provider, outcome string) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
}

// ObserveStream records a completed stream and its duration.
func (r *Registry) ObserveStream(provider, outcome string, dur time.Duration) {
	r.streamOutcomes.WithLabelValues(provider, outcome).Inc()
	r.streamDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

func (r *Registry) RecordAuthLookup(result string) {
	r.authLookups.WithLabelValues(result).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordTurnWrite(result string) {
	r.turnWrites.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
