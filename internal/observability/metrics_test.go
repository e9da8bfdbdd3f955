package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	_ = metrics.Jobs().Track("ledger_period_close").End(nil)

	body := scrape(t, metrics)
	if !strings.Contains(body, "odyssey_jobs_total") {
		t.Fatalf("expected body to contain odyssey_jobs_total, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
}

func TestLedgerCountersUseOutcomeLabels(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObservePosting(nil)
	metrics.ObservePosting(fmt.Errorf("%w: unbalanced", shared.ErrValidation))
	metrics.ObserveReversal("SALE", shared.ErrAlreadyReversed)
	metrics.ObserveClosure("MONTH", nil)
	metrics.ObserveTxRetry()

	body := scrape(t, metrics)
	for _, want := range []string{
		`odyssey_ledger_postings_total{outcome="success"} 1`,
		`odyssey_ledger_postings_total{outcome="validation"} 1`,
		`odyssey_ledger_reversals_total{kind="SALE",outcome="duplicate"} 1`,
		`odyssey_ledger_closures_total{outcome="success",scope="MONTH"} 1`,
		`odyssey_ledger_tx_retries_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"success":      nil,
		"not_found":    shared.ErrNotFound,
		"concurrency":  fmt.Errorf("wrap: %w", shared.ErrConcurrency),
		"inconsistent": shared.ErrInconsistentState,
		"error":        errors.New("boom"),
	}
	for want, err := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestNilMetricsHandler(t *testing.T) {
	var metrics *Metrics
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	metrics.ObservePosting(nil)
}
