// Package metrics exposes Prometheus instrumentation for the fetch engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes used as the label on FetchesTotal.
const (
	OutcomeOK             = "ok"
	OutcomeHTTPError      = "http_error"
	OutcomeTransportError = "transport_error"
	OutcomeNoInstance     = "no_instance"
	OutcomeStoreError     = "store_error"
)

// Metrics bundles all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	FetchesTotal            *prometheus.CounterVec
	PostsStoredTotal        prometheus.Counter
	SubscribersDroppedTotal prometheus.Counter
	SchedulerQueueSize      prometheus.Gauge
	FetchDuration           prometheus.Histogram
}

// New builds the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perch_fetches_total",
			Help: "Fetch pipeline runs by outcome.",
		}, []string{"outcome"}),
		PostsStoredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "perch_posts_stored_total",
			Help: "Newly stored (deduplicated) posts.",
		}),
		SubscribersDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "perch_subscribers_dropped_total",
			Help: "Event subscribers dropped for falling behind.",
		}),
		SchedulerQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perch_scheduler_queue_size",
			Help: "Targets currently being processed by the scheduler.",
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perch_fetch_duration_seconds",
			Help:    "Round-trip time of successful gateway fetches.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
