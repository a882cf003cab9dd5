package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docsage/docsage/internal/registry"
)

// Metrics holds the per-request Prometheus collectors. A fresh registry
// per server keeps tests independent.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	chatRoutes      *prometheus.CounterVec
	cacheHits       prometheus.Counter
	instanceHealth  *prometheus.GaugeVec
}

// NewMetrics creates and registers the server collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docsage",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"route", "status"}),
		chatRoutes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsage",
			Name:      "chat_route_total",
			Help:      "Chat answers by origin route (doc, web, doc_with_web_fallback_failed).",
		}, []string{"route"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docsage",
			Name:      "answer_cache_hits_total",
			Help:      "Chat requests served from the answer cache.",
		}),
		instanceHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "docsage",
			Name:      "instance_healthy",
			Help:      "1 when the instance is healthy, 0 otherwise.",
		}, []string{"instance"}),
	}

	reg.MustRegister(
		m.requestDuration,
		m.chatRoutes,
		m.cacheHits,
		m.instanceHealth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	m.requestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// ObserveChat records the route and cache outcome of one chat answer.
func (m *Metrics) ObserveChat(route string, cacheHit bool) {
	m.chatRoutes.WithLabelValues(route).Inc()
	if cacheHit {
		m.cacheHits.Inc()
	}
}

// UpdateInstanceHealth refreshes the per-instance health gauge.
func (m *Metrics) UpdateInstanceHealth(stats []registry.InstanceStats) {
	for _, s := range stats {
		v := 0.0
		if s.Status == "healthy" {
			v = 1.0
		}
		m.instanceHealth.WithLabelValues(s.Name).Set(v)
	}
}

// Handler serves the metrics registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
