// Package metrics exposes Prometheus instrumentation for the dispatch
// path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelmux/modelmux"
)

// Collector owns the Prometheus registry and the dispatch metrics.
type Collector struct {
	registry *prometheus.Registry

	callsTotal       *prometheus.CounterVec
	callLatency      *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	costTotal        *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	quotaDenials     *prometheus.CounterVec
	comparisonsTotal prometheus.Counter
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelmux",
				Name:      "calls_total",
				Help:      "Total dispatch attempts by endpoint and outcome",
			},
			[]string{"endpoint", "status"},
		),
		callLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "modelmux",
				Name:      "call_latency_seconds",
				Help:      "Backend call latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelmux",
				Name:      "tokens_total",
				Help:      "Tokens consumed by endpoint and direction",
			},
			[]string{"endpoint", "direction"},
		),
		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelmux",
				Name:      "cost_usd_total",
				Help:      "Accumulated cost in USD by endpoint",
			},
			[]string{"endpoint"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelmux",
				Name:      "retries_total",
				Help:      "Failover retries by pool",
			},
			[]string{"pool"},
		),
		quotaDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelmux",
				Name:      "quota_denials_total",
				Help:      "Calls denied by quota, by endpoint",
			},
			[]string{"endpoint"},
		),
		comparisonsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "modelmux",
				Name:      "comparisons_total",
				Help:      "Multi-endpoint comparison requests",
			},
		),
	}

	registry.MustRegister(
		c.callsTotal,
		c.callLatency,
		c.tokensTotal,
		c.costTotal,
		c.retriesTotal,
		c.quotaDenials,
		c.comparisonsTotal,
	)
	return c
}

func (c *Collector) ObserveCall(record *modelmux.CallRecord) {
	if c == nil || record == nil {
		return
	}
	c.callsTotal.WithLabelValues(record.EndpointID, string(record.Status)).Inc()
	if record.Status == modelmux.CallQuotaExceeded {
		c.quotaDenials.WithLabelValues(record.EndpointID).Inc()
		return
	}
	c.callLatency.WithLabelValues(record.EndpointID).Observe(record.Latency.Seconds())
	if record.Status == modelmux.CallSuccess {
		c.tokensTotal.WithLabelValues(record.EndpointID, "input").Add(float64(record.InputTokens))
		c.tokensTotal.WithLabelValues(record.EndpointID, "output").Add(float64(record.OutputTokens))
		c.costTotal.WithLabelValues(record.EndpointID).Add(record.Cost)
	}
}

func (c *Collector) ObserveRetry(poolID string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(poolID).Inc()
}

func (c *Collector) ObserveComparison() {
	if c == nil {
		return
	}
	c.comparisonsTotal.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
