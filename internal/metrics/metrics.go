// Package metrics exposes Prometheus collectors for the warehouse pipeline and
// its HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Row outcomes for dwh_rows_total.
const (
	OutcomeStaged   = "staged"
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

var (
	dwhRowsTotal               *prometheus.CounterVec
	dwhRejectionsTotal         *prometheus.CounterVec
	dwhStageDurationSeconds    *prometheus.HistogramVec
	dwhRunsTotal               *prometheus.CounterVec
	dwhDimensionRows           *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		dwhRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dwh_rows_total",
				Help: "Total number of input rows, labeled by outcome (staged, accepted, rejected).",
			},
			[]string{"outcome"},
		)

		dwhRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dwh_rejections_total",
				Help: "Total number of rejected rows, labeled by issue type.",
			},
			[]string{"issue_type"},
		)

		dwhStageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dwh_stage_duration_seconds",
				Help:    "Histogram of pipeline stage durations, labeled by stage.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"stage"},
		)

		dwhRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dwh_runs_total",
				Help: "Total number of pipeline runs, labeled by status.",
			},
			[]string{"status"},
		)

		dwhDimensionRows = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dwh_dimension_rows",
				Help: "Distinct natural keys resolved by the last run, labeled by dimension.",
			},
			[]string{"dimension"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRows adds n rows under outcome.
func ObserveRows(outcome string, n int) {
	if n > 0 {
		dwhRowsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// ObserveRejection increments the rejection counter for issueType.
func ObserveRejection(issueType string) {
	dwhRejectionsTotal.WithLabelValues(issueType).Inc()
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, duration time.Duration) {
	dwhStageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveRun increments the run counter for the given status.
func ObserveRun(status string) {
	dwhRunsTotal.WithLabelValues(status).Inc()
}

// SetDimensionRows sets the cardinality gauge for a dimension.
func SetDimensionRows(dimension string, n int) {
	dwhDimensionRows.WithLabelValues(dimension).Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
