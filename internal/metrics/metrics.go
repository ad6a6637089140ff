// Package metrics exposes Prometheus counters for turns and model calls.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry      *prometheus.Registry
	turns         *prometheus.CounterVec
	turnLatency   *prometheus.HistogramVec
	modelLatency  *prometheus.HistogramVec
	modelFailures *prometheus.CounterVec
	cache         *prometheus.CounterVec
	reloads       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "du",
			Name:      "turns_total",
			Help:      "Understood turns by agent and outcome frame.",
		}, []string{"agent", "outcome"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "du",
			Name:      "turn_duration_seconds",
			Help:      "End to end turn latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "du",
			Name:      "model_request_duration_seconds",
			Help:      "Latency of external model calls.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"model"}),
		modelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "du",
			Name:      "model_failures_total",
			Help:      "External model calls that failed or timed out.",
		}, []string{"model"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "du",
			Name:      "prediction_cache_total",
			Help:      "Prediction cache lookups by result.",
		}, []string{"model", "result"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "du",
			Name:      "agent_reloads_total",
			Help:      "Agent runtime builds by result.",
		}, []string{"agent", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turns, m.turnLatency, m.modelLatency, m.modelFailures, m.cache, m.reloads,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTurn(agent, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(agent, outcome).Inc()
	m.turnLatency.WithLabelValues(agent).Observe(d.Seconds())
}

func (m *Metrics) ObserveModel(model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.modelLatency.WithLabelValues(model).Observe(d.Seconds())
	if err != nil {
		m.modelFailures.WithLabelValues(model).Inc()
	}
}

func (m *Metrics) ObserveCache(model string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(model, result).Inc()
}

func (m *Metrics) ObserveReload(agent string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reloads.WithLabelValues(agent, result).Inc()
}
