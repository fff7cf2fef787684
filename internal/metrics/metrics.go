// Package metrics exposes Prometheus collectors for the memory engine and
// its HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "compound"

// LatencyBuckets are histogram buckets in seconds. Retrieval is in-process,
// so the low end is dense.
var LatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

var (
	// HTTPRequestsTotal counts requests by route pattern, method and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "method", "status_code"},
	)

	// HTTPRequestDuration tracks request latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"route", "method"},
	)

	// IngestTotal counts ingests by outcome (ok or the engine error kind).
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Total number of ingest attempts by result",
		},
		[]string{"result"},
	)

	// RetrievalDuration tracks end-to-end context retrieval latency.
	RetrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Context retrieval latency in seconds",
			Buckets:   LatencyBuckets,
		},
	)

	// RetrievalSourcesIncluded tracks how many sources survive budgeting.
	RetrievalSourcesIncluded = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_sources_included",
			Help:      "Number of sources included in a retrieved context",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	// RetrievalPartial counts retrievals cut short by their deadline.
	RetrievalPartial = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_partial_total",
			Help:      "Total number of retrievals that returned a partial result",
		},
	)

	// CompoundingRuns counts compounding passes by outcome.
	CompoundingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compounding_runs_total",
			Help:      "Total number of compounding runs by result",
		},
		[]string{"result"},
	)
)

// RecordIngest records one ingest outcome.
func RecordIngest(result string) {
	IngestTotal.WithLabelValues(result).Inc()
}

// RecordRetrieval records a completed retrieval.
func RecordRetrieval(latency time.Duration, included int, partial bool) {
	RetrievalDuration.Observe(latency.Seconds())
	RetrievalSourcesIncluded.Observe(float64(included))
	if partial {
		RetrievalPartial.Inc()
	}
}

// RecordCompounding records one compounding pass.
func RecordCompounding(result string) {
	CompoundingRuns.WithLabelValues(result).Inc()
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency per chi route pattern.
// Raw paths are never used as labels.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(recorder.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
