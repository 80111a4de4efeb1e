// Package metrics provides Prometheus metrics for the FileHub server.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filehub_sessions_active",
			Help: "Number of connected TCP sessions",
		},
	)

	sessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filehub_sessions_total",
			Help: "Total number of accepted TCP sessions",
		},
	)

	sessionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehub_session_errors_total",
			Help: "Sessions closed because of an error",
		},
		[]string{"reason"},
	)

	framesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehub_frames_received_total",
			Help: "Frames received from clients by kind",
		},
		[]string{"kind"},
	)

	// Transfer metrics
	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filehub_bytes_uploaded_total",
			Help: "Total payload bytes received in uploads",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filehub_bytes_downloaded_total",
			Help: "Total payload bytes sent in downloads",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehub_uploads_total",
			Help: "Total number of uploads",
		},
		[]string{"status"},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehub_downloads_total",
			Help: "Total number of download requests",
		},
		[]string{"status"},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filehub_transfer_duration_seconds",
			Help:    "Duration of file transfers in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"},
	)

	// Catalog metrics
	catalogSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filehub_catalog_entries",
			Help: "Number of entries in the catalog",
		},
	)

	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filehub_subscribers_active",
			Help: "Number of live catalog subscribers",
		},
	)

	noticesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehub_notices_total",
			Help: "Catalog notices published by kind",
		},
		[]string{"kind"},
	)

	evictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filehub_subscriber_evictions_total",
			Help: "Subscribers closed because their notice queue was full",
		},
	)

	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehub_reconcile_changes_total",
			Help: "Catalog changes found by directory rescans",
		},
		[]string{"change"},
	)

	// Admin HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehub_http_requests_total",
			Help: "Total number of admin HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SessionOpened records an accepted session.
func SessionOpened() {
	sessionsTotal.Inc()
	sessionsActive.Inc()
}

// SessionClosed records a closed session. reason is empty for a clean close.
func SessionClosed(reason string) {
	sessionsActive.Dec()
	if reason != "" {
		sessionErrorsTotal.WithLabelValues(reason).Inc()
	}
}

// RecordFrame records a received frame.
func RecordFrame(kind string) {
	framesReceivedTotal.WithLabelValues(kind).Inc()
}

// RecordUpload records an upload attempt.
func RecordUpload(bytes int64, status string, duration time.Duration) {
	bytesUploaded.Add(float64(bytes))
	uploadsTotal.WithLabelValues(status).Inc()
	transferDuration.WithLabelValues("upload").Observe(duration.Seconds())
}

// RecordDownload records a download request.
func RecordDownload(bytes int64, status string, duration time.Duration) {
	bytesDownloaded.Add(float64(bytes))
	downloadsTotal.WithLabelValues(status).Inc()
	transferDuration.WithLabelValues("download").Observe(duration.Seconds())
}

// SetCatalogSize sets the current number of catalog entries.
func SetCatalogSize(n int) {
	catalogSize.Set(float64(n))
}

// SetSubscribersActive sets the number of live subscribers.
func SetSubscribersActive(n int) {
	subscribersActive.Set(float64(n))
}

// RecordNotice records a published catalog notice.
func RecordNotice(kind string) {
	noticesTotal.WithLabelValues(kind).Inc()
}

// RecordEviction records a subscriber dropped for a full queue.
func RecordEviction() {
	evictionsTotal.Inc()
}

// RecordReconcile records a change found by a directory rescan.
func RecordReconcile(change string) {
	reconcileTotal.WithLabelValues(change).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
