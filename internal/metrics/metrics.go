// Package metrics exposes Prometheus collectors for the lien crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	searchPagesTotal           *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	documentFetchTotal         *prometheus.CounterVec
	documentBytesTotal         *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	runActive                  prometheus.Gauge
	pacerWaitSeconds           *prometheus.HistogramVec
	ledgerSyncTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		searchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lien_search_pages_total",
				Help: "Search result pages read, labeled by jurisdiction and outcome.",
			},
			[]string{"jurisdiction", "outcome"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lien_records_total",
				Help: "Lien rows handled, labeled by jurisdiction and outcome (created, updated, duplicate, parse_error).",
			},
			[]string{"jurisdiction", "outcome"},
		)

		documentFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lien_document_fetch_total",
				Help: "Document retrieval attempts, labeled by jurisdiction, strategy and outcome.",
			},
			[]string{"jurisdiction", "strategy", "outcome"},
		)

		documentBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lien_document_bytes_total",
				Help: "Bytes of PDF content stored, labeled by jurisdiction.",
			},
			[]string{"jurisdiction"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lien_runs_total",
				Help: "Automation runs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		runActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lien_run_active",
				Help: "1 while an automation run is in progress.",
			},
		)

		pacerWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lien_pacer_wait_seconds",
				Help:    "Time spent waiting for the per-jurisdiction pacer.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"jurisdiction"},
		)

		ledgerSyncTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lien_ledger_sync_total",
				Help: "External ledger sync attempts, labeled by outcome.",
			},
			[]string{"outcome"},
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

// ObserveSearchPage counts one results page.
func ObserveSearchPage(jurisdiction, outcome string) {
	Init()
	searchPagesTotal.WithLabelValues(jurisdiction, outcome).Inc()
}

// ObserveRecord counts one handled result row.
func ObserveRecord(jurisdiction, outcome string) {
	Init()
	recordsTotal.WithLabelValues(jurisdiction, outcome).Inc()
}

// ObserveDocumentFetch counts one retrieval attempt and, on success, the bytes stored.
func ObserveDocumentFetch(jurisdiction, strategy, outcome string, bytesFetched int) {
	Init()
	documentFetchTotal.WithLabelValues(jurisdiction, strategy, outcome).Inc()
	if bytesFetched > 0 {
		documentBytesTotal.WithLabelValues(jurisdiction).Add(float64(bytesFetched))
	}
}

// ObserveRun counts a finished run.
func ObserveRun(status string) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
}

// SetRunActive flips the active-run gauge.
func SetRunActive(active bool) {
	Init()
	if active {
		runActive.Set(1)
		return
	}
	runActive.Set(0)
}

// ObservePacerWait records the duration of a pacer wait.
func ObservePacerWait(jurisdiction string, duration time.Duration) {
	Init()
	pacerWaitSeconds.WithLabelValues(jurisdiction).Observe(duration.Seconds())
}

// ObserveLedgerSync counts one ledger sync attempt.
func ObserveLedgerSync(outcome string) {
	Init()
	ledgerSyncTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware records request counts and latencies keyed by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			routePattern = rc.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
