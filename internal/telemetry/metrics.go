// Package telemetry exposes pipeline metrics through a Prometheus registry.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/correlator-io/seeder/internal/source"
)

const namespace = "seeder"

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// Metrics holds the pipeline's collectors. It satisfies the observer interfaces of
// the source, distribution and orchestrator packages.
type Metrics struct {
	registry *prometheus.Registry

	collectionsTotal   *prometheus.CounterVec
	collectedRecords   *prometheus.CounterVec
	collectionDuration *prometheus.HistogramVec

	distributionsTotal *prometheus.CounterVec
	distributedRecords *prometheus.CounterVec

	runsTotal    *prometheus.CounterVec
	runDuration  prometheus.Histogram
	phase        *prometheus.GaugeVec
	progress     prometheus.Gauge
	qualityScore prometheus.Gauge
}

// NewMetrics creates the pipeline metrics on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}

	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	return NewMetricsWithRegistry(registry)
}

// NewMetricsWithRegistry creates the pipeline metrics and registers them on registry.
func NewMetricsWithRegistry(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.init()

	if err := registry.Register(m); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) init() {
	m.collectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collections_total",
		Help:      "Source collections by source, kind and outcome",
	}, []string{"source", "kind", "status"})

	m.collectedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collected_records_total",
		Help:      "Records returned by successful collections",
	}, []string{"source"})

	m.collectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "collection_duration_seconds",
		Help:      "Wall time of a source collection including retries",
		// 10ms .. ~80s
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"source"})

	m.distributionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "distributions_total",
		Help:      "Engine distribution attempts by engine, transport and outcome",
	}, []string{"engine", "transport", "status"})

	m.distributedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "distributed_records_total",
		Help:      "Records handed to engines",
	}, []string{"engine"})

	m.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Completed pipeline runs by final status",
	}, []string{"status"})

	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of pipeline runs",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	m.phase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "phase",
		Help:      "1 for the orchestrator's current phase",
	}, []string{"phase"})

	m.progress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "progress_ratio",
		Help:      "Progress of the current run, 0 to 1",
	})

	m.qualityScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "quality_score",
		Help:      "Overall quality score of the last run",
	})
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.collectionsTotal, m.collectedRecords, m.collectionDuration,
		m.distributionsTotal, m.distributedRecords,
		m.runsTotal, m.runDuration, m.phase, m.progress, m.qualityScore,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCollection records one Collect call.
func (m *Metrics) ObserveCollection(
	sourceID string, kind source.Kind, success bool, records int, elapsed time.Duration,
) {
	m.collectionsTotal.WithLabelValues(sourceID, string(kind), status(success)).Inc()
	m.collectionDuration.WithLabelValues(sourceID).Observe(elapsed.Seconds())

	if success {
		m.collectedRecords.WithLabelValues(sourceID).Add(float64(records))
	}
}

// ObserveDistribution records one engine hand-off attempt.
func (m *Metrics) ObserveDistribution(engine, transport string, delivered bool, records int) {
	m.distributionsTotal.WithLabelValues(engine, transport, status(delivered)).Inc()

	if delivered {
		m.distributedRecords.WithLabelValues(engine).Add(float64(records))
	}
}

// ObservePhase marks phase as current and publishes progress.
func (m *Metrics) ObservePhase(phase string, progress float64) {
	m.phase.Reset()
	m.phase.WithLabelValues(phase).Set(1)
	m.progress.Set(progress)
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, quality float64, elapsed time.Duration) {
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(elapsed.Seconds())
	m.qualityScore.Set(quality)
}

func status(ok bool) string {
	if ok {
		return statusSuccess
	}

	return statusFailure
}

var _ source.Observer = (*Metrics)(nil)
