// Package metrics provides Prometheus metrics for alert ingestion.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	// Poll metrics
	Polls        *prometheus.CounterVec
	AlertsPolled *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec

	// Document metrics
	DocumentsWritten prometheus.Counter
	AlertsDropped    *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	BatchDuration    prometheus.Histogram

	// Reformat metrics
	ReformatRounds   *prometheus.CounterVec
	ReformattedFiles prometheus.Counter
	ReformatDuration prometheus.Histogram

	// Dispatch metrics
	QueueDepth      prometheus.Gauge
	IdleWorkers     prometheus.Gauge
	ActiveWorkers   prometheus.Gauge
	ItemsDispatched prometheus.Counter
	SentinelsSent   prometheus.Counter

	// Error metrics
	SourceErrors *prometheus.CounterVec
	WriteErrors  prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics registered on the
// default registry. Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(namespace, prometheus.DefaultRegisterer)
	defaultMetrics = m
	return m
}

// New creates metrics registered on reg without touching the global
// instance.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "thump_stream"
	}
	f := promauto.With(reg)

	return &Metrics{
		Polls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total number of source polls",
			},
			[]string{"mode", "outcome"},
		),
		AlertsPolled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_polled_total",
				Help:      "Total number of raw alerts returned by the source",
			},
			[]string{"mode"},
		),
		PollDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Time spent waiting on the source",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"mode"},
		),
		DocumentsWritten: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_written_total",
				Help:      "Total number of documents persisted",
			},
		),
		AlertsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_dropped_total",
				Help:      "Total number of alerts dropped by the transformer",
			},
			[]string{"reason"},
		),
		DecodeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of cutouts that failed to decode",
			},
			[]string{"image"},
		),
		BatchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Time to transform and persist one poll's batch",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		ReformatRounds: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reformat_rounds_total",
				Help:      "Total number of reformatting rounds by final state",
			},
			[]string{"state"},
		),
		ReformattedFiles: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reformatted_files_total",
				Help:      "Total number of reformatted files written",
			},
		),
		ReformatDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reformat_duration_seconds",
				Help:      "Time spent in one reformatting round",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
		),
		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of work items in the master queue",
			},
		),
		IdleWorkers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "idle_workers",
				Help:      "Workers waiting for work",
			},
		),
		ActiveWorkers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Workers that have not yet received the stop sentinel",
			},
		),
		ItemsDispatched: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_dispatched_total",
				Help:      "Total number of work items sent to workers",
			},
		),
		SentinelsSent: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sentinels_sent_total",
				Help:      "Total number of stop sentinels sent to workers",
			},
		),
		SourceErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_errors_total",
				Help:      "Total number of source poll errors",
			},
			[]string{"mode"},
		),
		WriteErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "write_errors_total",
				Help:      "Total number of batch file write errors",
			},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncPolls counts one poll; outcome is "alerts" or "empty".
func (m *Metrics) IncPolls(mode, outcome string) {
	m.Polls.WithLabelValues(mode, outcome).Inc()
}

// AddAlertsPolled adds to the polled alerts counter.
func (m *Metrics) AddAlertsPolled(mode string, n int) {
	m.AlertsPolled.WithLabelValues(mode).Add(float64(n))
}

// ObservePollDuration records the time spent in one poll.
func (m *Metrics) ObservePollDuration(mode string, seconds float64) {
	m.PollDuration.WithLabelValues(mode).Observe(seconds)
}

// AddDocumentsWritten adds to the written documents counter.
func (m *Metrics) AddDocumentsWritten(n int) {
	m.DocumentsWritten.Add(float64(n))
}

// IncAlertsDropped increments the dropped alerts counter.
func (m *Metrics) IncAlertsDropped(reason string) {
	m.AlertsDropped.WithLabelValues(reason).Inc()
}

// IncDecodeErrors increments the decode errors counter.
func (m *Metrics) IncDecodeErrors(image string) {
	m.DecodeErrors.WithLabelValues(image).Inc()
}

// ObserveBatchDuration records the time to drain one batch.
func (m *Metrics) ObserveBatchDuration(seconds float64) {
	m.BatchDuration.Observe(seconds)
}

// IncReformatRounds counts a reformatting round by its final state.
func (m *Metrics) IncReformatRounds(state string) {
	m.ReformatRounds.WithLabelValues(state).Inc()
}

// AddReformattedFiles adds to the reformatted files counter.
func (m *Metrics) AddReformattedFiles(n int) {
	m.ReformattedFiles.Add(float64(n))
}

// ObserveReformatDuration records the reformatting time.
func (m *Metrics) ObserveReformatDuration(seconds float64) {
	m.ReformatDuration.Observe(seconds)
}

// SetDispatchState publishes the master's bookkeeping.
func (m *Metrics) SetDispatchState(queued, idle, active int) {
	m.QueueDepth.Set(float64(queued))
	m.IdleWorkers.Set(float64(idle))
	m.ActiveWorkers.Set(float64(active))
}

// IncItemsDispatched increments the dispatched items counter.
func (m *Metrics) IncItemsDispatched() {
	m.ItemsDispatched.Inc()
}

// IncSentinelsSent increments the sentinel counter.
func (m *Metrics) IncSentinelsSent() {
	m.SentinelsSent.Inc()
}

// IncSourceErrors increments the source errors counter.
func (m *Metrics) IncSourceErrors(mode string) {
	m.SourceErrors.WithLabelValues(mode).Inc()
}

// IncWriteErrors increments the write errors counter.
func (m *Metrics) IncWriteErrors() {
	m.WriteErrors.Inc()
}
