// Package metrics exposes Prometheus counters for the proxy's request
// flow and a fiber middleware that records them.
package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus collectors behind a private
// registry, so tests can build isolated instances.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	UpstreamErrors  prometheus.Counter

	registry *prometheus.Registry
}

// New creates a metrics collector with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "periscope_http_requests_total",
				Help: "Total number of handled requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "periscope_http_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "periscope_cache_hits_total",
			Help: "Responses served from the rewrite cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "periscope_cache_misses_total",
			Help: "Cache lookups that fell through to the upstream",
		}),
		UpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "periscope_upstream_errors_total",
			Help: "Upstream fetches that failed after all retries",
		}),
	}
}

// Middleware records request count and duration for every route.
func (m *Metrics) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		path := c.Route().Path
		m.RequestsTotal.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(c.Method(), path).Observe(time.Since(start).Seconds())
		return err
	}
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
