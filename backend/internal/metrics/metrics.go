// Package metrics exposes Prometheus instrumentation for ingestion and fan-out.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the service. A nil *Collector is valid and
// records nothing, so components can be built without instrumentation.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Ingestion metrics
	IngestRequests     *prometheus.CounterVec
	TurnsProcessed     prometheus.Counter
	NodesCreated       prometheus.Counter
	LinksCreated       prometheus.Counter
	ExtractionFailures prometheus.Counter

	// Realtime metrics
	EventsBroadcast    *prometheus.CounterVec
	SubscribersDropped prometheus.Counter
	ActiveSubscribers  prometheus.Gauge
}

// NewCollector creates a collector with its own registry under namespace
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		IngestRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_requests_total",
				Help:      "Total number of ingest calls by outcome",
			},
			[]string{"status"},
		),
		TurnsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_processed_total",
			Help:      "Total number of conversation turns processed",
		}),
		NodesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_created_total",
			Help:      "Total number of graph nodes created",
		}),
		LinksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_created_total",
			Help:      "Total number of graph links created",
		}),
		ExtractionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_failures_total",
			Help:      "Total number of messages whose extraction partly failed",
		}),
		EventsBroadcast: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_broadcast_total",
				Help:      "Total number of realtime events published",
			},
			[]string{"type"},
		),
		SubscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_dropped_total",
			Help:      "Total number of subscribers disconnected for falling behind",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscribers",
			Help:      "Number of connected realtime subscribers",
		}),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.IngestRequests,
		c.TurnsProcessed,
		c.NodesCreated,
		c.LinksCreated,
		c.ExtractionFailures,
		c.EventsBroadcast,
		c.SubscribersDropped,
		c.ActiveSubscribers,
	)
	return c
}

// GetRegistry returns the Prometheus registry for this collector
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordHTTP records one served request
func (c *Collector) RecordHTTP(method, route, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, status).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordIngest records the outcome of one ingest call
func (c *Collector) RecordIngest(status string, turns, nodesCreated, linksCreated, failures int) {
	if c == nil {
		return
	}
	c.IngestRequests.WithLabelValues(status).Inc()
	c.TurnsProcessed.Add(float64(turns))
	c.NodesCreated.Add(float64(nodesCreated))
	c.LinksCreated.Add(float64(linksCreated))
	c.ExtractionFailures.Add(float64(failures))
}

// RecordEvent counts a published realtime event
func (c *Collector) RecordEvent(eventType string) {
	if c == nil {
		return
	}
	c.EventsBroadcast.WithLabelValues(eventType).Inc()
}

// RecordDrop counts a subscriber disconnected for being slow
func (c *Collector) RecordDrop() {
	if c == nil {
		return
	}
	c.SubscribersDropped.Inc()
}

// SetSubscribers sets the current subscriber count
func (c *Collector) SetSubscribers(n int) {
	if c == nil {
		return
	}
	c.ActiveSubscribers.Set(float64(n))
}
