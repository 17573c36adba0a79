package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Search metrics
	SearchTotal    *prometheus.CounterVec
	SearchDuration *prometheus.HistogramVec

	// Recording lookup metrics
	LocateTotal *prometheus.CounterVec

	// Transcode metrics
	TranscodeTotal    *prometheus.CounterVec
	TranscodeDuration *prometheus.HistogramVec
	TranscodeActive   prometheus.Gauge

	// Bulk download metrics
	ArchiveBuildTotal *prometheus.CounterVec
	ArchiveItemTotal  *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		// HTTP request metrics
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		// Search metrics
		SearchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpi_search_total",
			Help: "Total number of metadata searches",
		}, []string{"opco", "status"}),

		SearchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vpi_search_duration_seconds",
			Help:    "Metadata search duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"opco", "status"}),

		// Recording lookup metrics
		LocateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpi_locate_total",
			Help: "Total number of recording blob lookups",
		}, []string{"opco", "outcome"}),

		// Transcode metrics
		TranscodeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpi_transcode_total",
			Help: "Total number of audio transcodes",
		}, []string{"status"}),

		TranscodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vpi_transcode_duration_seconds",
			Help:    "Audio transcode duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		TranscodeActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vpi_transcode_active",
			Help: "Number of transcodes currently running",
		}),

		// Bulk download metrics
		ArchiveBuildTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpi_archive_builds_total",
			Help: "Total number of bulk download builds",
		}, []string{"status"}),

		ArchiveItemTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpi_archive_items_total",
			Help: "Total number of bulk download items by outcome",
		}, []string{"status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.SearchTotal)
	registerOrGet(m.SearchDuration)
	registerOrGet(m.LocateTotal)
	registerOrGet(m.TranscodeTotal)
	registerOrGet(m.TranscodeDuration)
	registerOrGet(m.TranscodeActive)
	registerOrGet(m.ArchiveBuildTotal)
	registerOrGet(m.ArchiveItemTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
