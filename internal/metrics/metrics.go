package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Registry holds the gateway's collectors on a private prometheus registry, so tests
// and multiple gateways in one process never collide on the default one.
type Registry struct {
	reg *prometheus.Registry

	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rejected    *prometheus.CounterVec
	routes      prometheus.Gauge
	compiles    *prometheus.CounterVec
	authEvents  *prometheus.CounterVec
	registering *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests",
		}, []string{"service", "route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "route"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Requests rejected before forwarding, by reason",
		}, []string{"reason"}),
		routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes",
			Help:      "Entries in the active route table",
		}),
		compiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_compilations_total",
			Help:      "Route table compilations by outcome",
		}, []string{"outcome"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Authentication events consumed, by outcome",
		}, []string{"outcome"}),
		registering: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Service registrations by outcome",
		}, []string{"outcome"}),
	}
	r.reg.MustRegister(
		r.requests, r.latency, r.rejected, r.routes, r.compiles, r.authEvents, r.registering,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) IncRequest(service, route, method, status string) {
	r.requests.WithLabelValues(service, route, method, status).Inc()
}

func (r *Registry) ObserveLatency(service, route string, duration time.Duration) {
	r.latency.WithLabelValues(service, route).Observe(duration.Seconds())
}

// IncRejected counts a request the gateway answered itself: not_found, unauthorized,
// rate_limited, limiter_unavailable, upstream_unavailable, upstream_timeout.
func (r *Registry) IncRejected(reason string) {
	r.rejected.WithLabelValues(reason).Inc()
}

func (r *Registry) SetRoutes(n int) {
	r.routes.Set(float64(n))
}

func (r *Registry) IncCompile(outcome string) {
	r.compiles.WithLabelValues(outcome).Inc()
}

// IncAuthEvent takes the broker outcome: ack, nak or term.
func (r *Registry) IncAuthEvent(outcome string) {
	r.authEvents.WithLabelValues(outcome).Inc()
}

func (r *Registry) IncRegistration(outcome string) {
	r.registering.WithLabelValues(outcome).Inc()
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
