// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "newsscanner"

// Metrics groups the collectors used by the pipelines. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	articles       *prometheus.CounterVec
	ingestRuns     *prometheus.CounterVec
	analyses       *prometheus.CounterVec
	scorerCalls    prometheus.Histogram
	mirrorFailures prometheus.Counter
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		articles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_total",
			Help:      "Listing rows handled by ingestion, by outcome.",
		}, []string{"outcome"}),
		ingestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_runs_total",
			Help:      "Ingestion runs, by result.",
		}, []string{"result"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Analysis pipeline results, by status and error kind.",
		}, []string{"status", "error_kind"}),
		scorerCalls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scorer_call_seconds",
			Help:      "Duration of upload plus workflow run.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		mirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_failures_total",
			Help:      "Failed SQL mirror writes.",
		}),
	}
	m.registry.MustRegister(
		m.articles,
		m.ingestRuns,
		m.analyses,
		m.scorerCalls,
		m.mirrorFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Article counts one listing row: saved, skipped or failed.
func (m *Metrics) Article(outcome string) {
	if m == nil {
		return
	}
	m.articles.WithLabelValues(outcome).Inc()
}

// IngestRun counts a finished ingestion run.
func (m *Metrics) IngestRun(success bool) {
	if m == nil {
		return
	}
	result := "empty"
	if success {
		result = "saved"
	}
	m.ingestRuns.WithLabelValues(result).Inc()
}

// Analysis counts one analysis result.
func (m *Metrics) Analysis(status, errorKind string) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(status, errorKind).Inc()
}

// ScorerCall observes the duration of an external scoring call.
func (m *Metrics) ScorerCall(d time.Duration) {
	if m == nil {
		return
	}
	m.scorerCalls.Observe(d.Seconds())
}

// MirrorFailure counts a failed mirror write.
func (m *Metrics) MirrorFailure() {
	if m == nil {
		return
	}
	m.mirrorFailures.Inc()
}
