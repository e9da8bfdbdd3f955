package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Metrics mengumpulkan metrik Prometheus untuk ledger dan endpoint ops.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	postings        *prometheus.CounterVec
	reversals       *prometheus.CounterVec
	closures        *prometheus.CounterVec
	txRetries       prometheus.Counter
	jobs            *jobmetrics.Metrics
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_postings_total",
		Help: "Jumlah posting jurnal berdasarkan hasil.",
	}, []string{"outcome"})
	reversals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_reversals_total",
		Help: "Jumlah pembalikan dokumen berdasarkan jenis dan hasil.",
	}, []string{"kind", "outcome"})
	closures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_closures_total",
		Help: "Jumlah penutupan periode berdasarkan scope dan hasil.",
	}, []string{"scope", "outcome"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_ledger_tx_retries_total",
		Help: "Jumlah transaksi yang diulang karena konflik serialisasi.",
	})
	registry.MustRegister(requests, duration, postings, reversals, closures, retries)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		postings:        postings,
		reversals:       reversals,
		closures:        closures,
		txRetries:       retries,
		jobs:            jobmetrics.NewMetrics(registry),
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Jobs mengembalikan metrik job yang terdaftar pada registry yang sama.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// ObservePosting mencatat hasil satu posting jurnal.
func (m *Metrics) ObservePosting(err error) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(Outcome(err)).Inc()
}

// ObserveReversal mencatat hasil pembalikan dokumen.
func (m *Metrics) ObserveReversal(kind string, err error) {
	if m == nil {
		return
	}
	m.reversals.WithLabelValues(kind, Outcome(err)).Inc()
}

// ObserveClosure mencatat hasil penutupan periode.
func (m *Metrics) ObserveClosure(scope string, err error) {
	if m == nil {
		return
	}
	m.closures.WithLabelValues(scope, Outcome(err)).Inc()
}

// ObserveTxRetry menambah hitungan retry transaksi.
func (m *Metrics) ObserveTxRetry() {
	if m == nil {
		return
	}
	m.txRetries.Inc()
}

// Outcome memetakan error ke label hasil yang stabil.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, shared.ErrValidation):
		return "validation"
	case errors.Is(err, shared.ErrNotFound):
		return "not_found"
	case errors.Is(err, shared.ErrConcurrency):
		return "concurrency"
	case errors.Is(err, shared.ErrAlreadyReversed), errors.Is(err, shared.ErrAlreadyClosed):
		return "duplicate"
	case errors.Is(err, shared.ErrInconsistentState):
		return "inconsistent"
	default:
		return "error"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
