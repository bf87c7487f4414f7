// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// tiergate_requests_total{route,code}
	requestsTotal *prometheus.CounterVec

	// tiergate_request_duration_seconds{route}
	requestDuration *prometheus.HistogramVec

	// tiergate_requests_in_flight
	inFlight prometheus.Gauge

	// tiergate_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// tiergate_provider_score{provider}
	providerScore *prometheus.GaugeVec

	// tiergate_rate_limited_total{window}
	rateLimited *prometheus.CounterVec

	// tiergate_ws_connections
	wsConnections prometheus.Gauge

	// tiergate_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New builds the registry with baseline Go and process collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiergate_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tiergate_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream attempts)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tiergate_requests_in_flight",
			Help: "Current number of in-flight HTTP requests",
		}),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiergate_upstream_attempts_total",
				Help: "Total upstream provider attempts, including retries after failover",
			},
			[]string{"provider", "outcome"},
		),

		providerScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tiergate_provider_score",
				Help: "Current provider score (0-100) as computed after the last attempt",
			},
			[]string{"provider"},
		),

		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiergate_rate_limited_total",
				Help: "Requests rejected by the rate limiter, by exceeded window",
			},
			[]string{"window"},
		),

		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tiergate_ws_connections",
			Help: "Currently open WebSocket connections",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tiergate_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.inFlight,
		r.upstreamAttempts,
		r.providerScore,
		r.rateLimited,
		r.wsConnections,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// ObserveHTTP records one finished HTTP request.
func (r *Registry) ObserveHTTP(route string, statusCode int, durSeconds float64) {
	r.requestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.requestDuration.WithLabelValues(route).Observe(durSeconds)
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
}

// SetProviderScore publishes the score computed after a stat update.
func (r *Registry) SetProviderScore(provider string, score int) {
	r.providerScore.WithLabelValues(provider).Set(float64(score))
}

// RecordRateLimited counts a rejection against the window that tripped.
func (r *Registry) RecordRateLimited(window string) {
	r.rateLimited.WithLabelValues(window).Inc()
}

func (r *Registry) WSOpened() { r.wsConnections.Inc() }
func (r *Registry) WSClosed() { r.wsConnections.Dec() }

// SetBuildInfo pins the version label so the time series always exists.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler serves the registry in Prometheus text format over fasthttp.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
