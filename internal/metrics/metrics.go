// Package metrics exposes the proxy's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	selectionsTotal *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
}

// New creates and registers the proxy metric set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ccpool",
				Name:      "requests_total",
				Help:      "Requests handled, by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ccpool",
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"endpoint"},
		),

		selectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ccpool",
				Name:      "selections_total",
				Help:      "Credential/model pair selections, by target model.",
			},
			[]string{"model"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ccpool",
				Name:      "errors_total",
				Help:      "Classified upstream failures, by category.",
			},
			[]string{"category"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ccpool",
				Name:      "tokens_total",
				Help:      "Tokens reported to callers, by direction.",
			},
			[]string{"direction"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.selectionsTotal,
		m.errorsTotal,
		m.tokensTotal,
	)
	return m
}

// RecordRequest counts one finished request and its duration.
func (m *Metrics) RecordRequest(endpoint, outcome string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordSelection counts one rotation pick.
func (m *Metrics) RecordSelection(model string) {
	m.selectionsTotal.WithLabelValues(model).Inc()
}

// RecordError counts one classified failure.
func (m *Metrics) RecordError(category string) {
	m.errorsTotal.WithLabelValues(category).Inc()
}

// RecordTokens counts the token usage reported back to a caller.
func (m *Metrics) RecordTokens(inputTokens, outputTokens int) {
	if inputTokens > 0 {
		m.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
