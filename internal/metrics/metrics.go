// Package metrics defines the Prometheus collectors for the ingest service.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for payload size histograms (bytes).
var sizeBuckets = []float64{1024, 16384, 262144, 1048576, 5242880, 10485760, 67108864, 268435456, 1073741824}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Object store client metrics.
var (
	// ProviderRequestsTotal counts signed calls to the object store by
	// operation and outcome ("ok", "error", or the HTTP status class).
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_provider_requests_total",
			Help: "Object store requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// ProviderRequestDuration observes object store latency per operation.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_provider_request_duration_seconds",
			Help:    "Object store request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Upload and bundle metrics.
var (
	// MultipartSessionsTotal counts multipart sessions by stage
	// (opened, completed, aborted, failed).
	MultipartSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_multipart_sessions_total",
			Help: "Multipart upload sessions by stage",
		},
		[]string{"stage"},
	)

	// PartsPresignedTotal counts presigned part URLs handed out.
	PartsPresignedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_parts_presigned_total",
			Help: "Presigned part upload URLs issued",
		},
	)

	// PartBytesUploaded observes part sizes transferred by the uploader.
	PartBytesUploaded = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_part_bytes",
			Help:    "Size of uploaded parts in bytes",
			Buckets: sizeBuckets,
		},
	)

	// BundleImportsTotal counts HLS bundle imports by result, where result
	// is "ok" or an error kind.
	BundleImportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_bundle_imports_total",
			Help: "HLS bundle imports by result",
		},
		[]string{"result"},
	)

	// BundleFilesTotal counts files persisted from HLS bundles.
	BundleFilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_bundle_files_total",
			Help: "Files persisted from HLS bundles",
		},
	)

	// BundleBytes observes the size of accepted archives.
	BundleBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_bundle_bytes",
			Help:    "Size of HLS bundle archives in bytes",
			Buckets: sizeBuckets,
		},
	)
)

// Development object store metrics.
var (
	// StoreOperationsTotal counts S3 operations served by the development store.
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_devstore_operations_total",
			Help: "S3 operations served by the development object store",
		},
		[]string{"operation", "status"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// It is called explicitly from main so that registration follows
// configuration. Subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			ProviderRequestsTotal,
			ProviderRequestDuration,
			MultipartSessionsTotal,
			PartsPresignedTotal,
			PartBytesUploaded,
			BundleImportsTotal,
			BundleFilesTotal,
			BundleBytes,
			StoreOperationsTotal,
		)
		MultipartSessionsTotal.WithLabelValues("opened")
		BundleImportsTotal.WithLabelValues("ok")
	})
}

// apiRoutes are the fixed routes of the ingest API.
var apiRoutes = map[string]bool{
	"/health":                     true,
	"/metrics":                    true,
	"/uploads/multipart":          true,
	"/uploads/multipart/complete": true,
	"/uploads/multipart/parts":    true,
	"/uploads/multipart/abort":    true,
	"/uploads/presign":            true,
	"/bundles/hls":                true,
}

// NormalizePath maps request paths to low-cardinality label values. Ingest
// API routes map to themselves; anything else is treated as an S3 path
// against the development store.
func NormalizePath(path string) string {
	if apiRoutes[path] {
		return path
	}
	switch {
	case path == "" || path == "/":
		return "/"
	case strings.HasPrefix(path, "/docs"):
		return "/docs"
	case strings.HasPrefix(path, "/openapi"):
		return "/openapi"
	case strings.HasPrefix(path, "/schemas"):
		return "/schemas"
	}

	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 || trimmed[idx+1:] == "" {
		return "/{bucket}"
	}
	return "/{bucket}/{key}"
}

// StatusClass returns "2xx", "4xx" and so on for an HTTP status code.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	}
	return "1xx"
}
