// Package metrics exposes export pipeline metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/justapithecus/sluice/sluice"
)

const namespace = "sluice"

// Collector implements sluice.Observer with Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	exports        *prometheus.CounterVec
	exportDuration *prometheus.HistogramVec
	records        *prometheus.CounterVec
	pages          *prometheus.CounterVec
	chunks         *prometheus.CounterVec
	bytes          *prometheus.CounterVec
}

// NewCollector creates a collector registered on registry. A nil registry
// selects a fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Exports by format and outcome.",
		}, []string{"format", "outcome"}),
		exportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_duration_seconds",
			Help:      "Wall time of exports by format.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"format"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records streamed by format.",
		}, []string{"format"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Backend pages fetched by format.",
		}, []string{"format"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_committed_total",
			Help:      "Chunks acknowledged by the destination.",
		}, []string{"format"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_committed_total",
			Help:      "Bytes acknowledged by the destination.",
		}, []string{"format"}),
	}

	registry.MustRegister(c.exports, c.exportDuration, c.records, c.pages, c.chunks, c.bytes)
	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// PageFetched implements sluice.Observer.
func (c *Collector) PageFetched(format sluice.Format, records int) {
	c.pages.WithLabelValues(string(format)).Inc()
	c.records.WithLabelValues(string(format)).Add(float64(records))
}

// ChunkCommitted implements sluice.Observer.
func (c *Collector) ChunkCommitted(format sluice.Format, size int) {
	c.chunks.WithLabelValues(string(format)).Inc()
	c.bytes.WithLabelValues(string(format)).Add(float64(size))
}

// ExportFinished implements sluice.Observer.
func (c *Collector) ExportFinished(format sluice.Format, _ sluice.ExportResult, err error, elapsed time.Duration) {
	label := string(format)
	if !format.Valid() {
		label = "unknown"
	}
	c.exports.WithLabelValues(label, sluice.Outcome(err)).Inc()
	if err == nil {
		c.exportDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	}
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

var _ sluice.Observer = (*Collector)(nil)
