package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background ledger jobs.
type Metrics struct {
	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	brokenChains *prometheus.CounterVec
	closedScopes *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddBrokenChains increments the broken running-balance chain counter for a
// business and book.
func (m *Metrics) AddBrokenChains(businessID int64, book string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.brokenChains.WithLabelValues(formatInt(businessID), book).Add(float64(count))
}

// AddClosedPeriods counts periods closed by the scheduled run, per scope.
func (m *Metrics) AddClosedPeriods(scope string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.closedScopes.WithLabelValues(scope).Add(float64(count))
}

func formatInt(v int64) string {
	if v <= 0 {
		return "0"
	}
	return strconv.FormatInt(v, 10)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	broken := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_broken_chains_total",
		Help: "Running-balance chains found inconsistent by the integrity job.",
	}, []string{"business", "book"})
	closed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_periods_closed_total",
		Help: "Periods closed by the scheduled closure run, by scope.",
	}, []string{"scope"})
	registerer.MustRegister(runs, failures, duration, broken, closed)
	return &Metrics{runs: runs, failures: failures, duration: duration, brokenChains: broken, closedScopes: closed}
}
