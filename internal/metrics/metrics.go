// Package metrics provides Prometheus metrics for ampsync.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for ampsync.
type Metrics struct {
	// Export client
	ExportRequests prometheus.Counter
	ExportRetries  *prometheus.CounterVec // cause: server_error | rate_limited
	ExportFailures *prometheus.CounterVec // kind: fatal_status | budget_exhausted

	// Fetch workflow
	BucketsFetched prometheus.Counter
	EventsStaged   prometheus.Counter
	BytesFetched   prometheus.Counter

	// Sync workflow
	Uploads        prometheus.Counter
	UploadFailures prometheus.Counter
	LocalRemovals  prometheus.Counter
	BytesUploaded  prometheus.Counter
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ampsync"
	}

	m := &Metrics{
		ExportRequests: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_requests_total",
				Help:      "Total number of export API requests issued",
			},
		),
		ExportRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_retries_total",
				Help:      "Total number of export retries by cause",
			},
			[]string{"cause"},
		),
		ExportFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_failures_total",
				Help:      "Total number of failed export downloads by kind",
			},
			[]string{"kind"},
		),
		BucketsFetched: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "buckets_fetched_total",
				Help:      "Total number of hour buckets staged locally",
			},
		),
		EventsStaged: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_staged_total",
				Help:      "Total number of event records written to staging",
			},
		),
		BytesFetched: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_fetched_total",
				Help:      "Total bytes downloaded from the export API",
			},
		),
		Uploads: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Total number of hour files uploaded",
			},
		),
		UploadFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_failures_total",
				Help:      "Total number of hour files that failed to upload",
			},
		),
		LocalRemovals: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "local_removals_total",
				Help:      "Total number of staged files removed after sync",
			},
		),
		BytesUploaded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_uploaded_total",
				Help:      "Total bytes uploaded to the remote store",
			},
		),
	}

	defaultMetrics = m
	return m
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
