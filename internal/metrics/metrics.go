// Package metrics provides Prometheus metrics for hcptensor runs.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all hcptensor metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	pipelineOnce     sync.Once
	pipelineInstance *PipelineMetrics
)

// PipelineMetrics holds the metrics of the fetch, extract and merge stages.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	// Fetch metrics
	FetchSubjects *prometheus.CounterVec // hcptensor_fetch_subjects_total{status}
	FetchBytes    prometheus.Counter     // hcptensor_fetch_bytes_total
	FetchDuration prometheus.Histogram   // hcptensor_fetch_duration_seconds
	Reductions    prometheus.Counter     // hcptensor_reductions_total
	Remaining     prometheus.Gauge       // hcptensor_remaining_estimate_bytes

	// Batch metrics
	ExtractSubjects *prometheus.CounterVec // hcptensor_extract_subjects_total{verdict}
	BatchesWritten  prometheus.Counter     // hcptensor_batches_written_total
	MergeRows       *prometheus.CounterVec // hcptensor_merge_rows_total{kind}

	// Process memory
	MemoryUsed prometheus.Gauge // hcptensor_memory_used_bytes
}

// InitPipelineMetrics registers the pipeline metrics with registry.
// Metrics are only registered once; subsequent calls return the same instance.
func InitPipelineMetrics(registry prometheus.Registerer) *PipelineMetrics {
	pipelineOnce.Do(func() {
		pipelineInstance = newPipelineMetrics(registry)
	})
	return pipelineInstance
}

func newPipelineMetrics(registry prometheus.Registerer) *PipelineMetrics {
	if registry == nil {
		registry = Registry
	}
	return &PipelineMetrics{
		FetchSubjects: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "hcptensor_fetch_subjects_total",
			Help: "Subjects processed by the fetch pipeline, by outcome",
		}, []string{"status"}),

		FetchBytes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "hcptensor_fetch_bytes_total",
			Help: "Bytes transferred from the remote store",
		}),

		FetchDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "hcptensor_fetch_duration_seconds",
			Help:    "Time to transfer one subject's volume",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),

		Reductions: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "hcptensor_reductions_total",
			Help: "Volumes downsampled in place",
		}),

		Remaining: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "hcptensor_remaining_estimate_bytes",
			Help: "Estimated bytes still to be added by the fetch pipeline",
		}),

		ExtractSubjects: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "hcptensor_extract_subjects_total",
			Help: "Subjects seen by batch extraction, by verdict",
		}, []string{"verdict"}),

		BatchesWritten: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "hcptensor_batches_written_total",
			Help: "Batch artifact pairs written",
		}),

		MergeRows: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "hcptensor_merge_rows_total",
			Help: "Rows copied into consolidated tensors, by kind",
		}, []string{"kind"}),

		MemoryUsed: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "hcptensor_memory_used_bytes",
			Help: "System memory in use at the last sample",
		}),
	}
}

// RecordFetch records one subject's fetch outcome.
func (m *PipelineMetrics) RecordFetch(status string, bytes int64, seconds float64) {
	if m == nil {
		return
	}
	m.FetchSubjects.WithLabelValues(status).Inc()
	if bytes > 0 {
		m.FetchBytes.Add(float64(bytes))
		m.FetchDuration.Observe(seconds)
	}
}

// RecordReduction counts one in-place downsample.
func (m *PipelineMetrics) RecordReduction() {
	if m == nil {
		return
	}
	m.Reductions.Inc()
}

// SetRemaining updates the remaining-bytes estimate.
func (m *PipelineMetrics) SetRemaining(bytes int64) {
	if m == nil {
		return
	}
	m.Remaining.Set(float64(bytes))
}

// RecordExtract counts one subject's extraction verdict.
func (m *PipelineMetrics) RecordExtract(verdict string) {
	if m == nil {
		return
	}
	m.ExtractSubjects.WithLabelValues(verdict).Inc()
}

// RecordBatch counts one persisted batch.
func (m *PipelineMetrics) RecordBatch() {
	if m == nil {
		return
	}
	m.BatchesWritten.Inc()
}

// RecordMerge adds rows copied into a consolidated tensor.
func (m *PipelineMetrics) RecordMerge(kind string, rows int) {
	if m == nil {
		return
	}
	m.MergeRows.WithLabelValues(kind).Add(float64(rows))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry to path for the node exporter's
// textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
