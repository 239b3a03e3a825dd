// Package metrics provides Prometheus metrics for the octophus server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octophus_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	remoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octophus_remote_calls_total",
			Help: "Total number of calls to the hosting service",
		},
		[]string{"op", "status"},
	)

	remoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "octophus_remote_call_duration_seconds",
			Help:    "Hosting service call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	commitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octophus_commits_total",
			Help: "Total number of commit attempts",
		},
		[]string{"amend", "status"},
	)

	openFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "octophus_open_files",
			Help: "Files currently bound to an editor buffer",
		},
	)

	dirtyFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "octophus_dirty_files",
			Help: "Files holding content not yet committed",
		},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveRemoteCall records one call to the hosting service.
func ObserveRemoteCall(op string, started time.Time, err error) {
	remoteCallsTotal.WithLabelValues(op, status(err)).Inc()
	remoteCallDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// ObserveCommit records a commit attempt.
func ObserveCommit(amend bool, err error) {
	commitsTotal.WithLabelValues(strconv.FormatBool(amend), status(err)).Inc()
}

// SetSessionFiles updates the open and dirty file gauges.
func SetSessionFiles(open, dirty int) {
	openFiles.Set(float64(open))
	dirtyFiles.Set(float64(dirty))
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts HTTP requests by method and status.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}
