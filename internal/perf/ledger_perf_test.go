package perf

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func BenchmarkPost(b *testing.B) {
	bk := newBook(b, memstore.New(), "Toko Maju", 16)
	ctx := context.Background()
	i := 0
	for b.Loop() {
		customer := bk.customers[i%len(bk.customers)]
		if _, err := bk.ledger.Post(ctx, bk.sale(customer, march20, "12.50")); err != nil {
			b.Fatalf("post: %v", err)
		}
		i++
	}
}

func BenchmarkVerifyPeriod(b *testing.B) {
	bk := newBook(b, memstore.New(), "Toko Maju", 8)
	ctx := context.Background()
	for i := range 400 {
		customer := bk.customers[i%len(bk.customers)]
		if _, err := bk.ledger.Post(ctx, bk.sale(customer, march20, "3.00")); err != nil {
			b.Fatalf("post: %v", err)
		}
	}
	march, ok := bk.store.Month(bk.business, 2024, time.March)
	if !ok {
		b.Fatal("march missing")
	}
	for b.Loop() {
		if _, err := bk.ledger.VerifyPeriod(ctx, bk.business, march.ID); err != nil {
			b.Fatalf("verify: %v", err)
		}
	}
}

func TestPostingLatencyTargets(t *testing.T) {
	bk := newBook(t, memstore.New(), "Toko Maju", 4)
	metrics := observability.NewMetrics()
	bk.ledger.WithMetrics(metrics)
	ctx := context.Background()

	samples := make([]time.Duration, 0, 200)
	for i := range 200 {
		start := time.Now()
		if _, err := bk.ledger.Post(ctx, bk.sale(bk.customers[i%4], march20, "10.00")); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		samples = append(samples, time.Since(start))
	}
	if p95 := percentile95(samples); p95 > 50*time.Millisecond {
		t.Fatalf("posting latency regression: p95=%s", p95)
	}

	march, _ := bk.store.Month(bk.business, 2024, time.March)
	start := time.Now()
	reports, err := bk.ledger.VerifyPeriod(ctx, bk.business, march.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("verify above budget: %s", elapsed)
	}
	if len(reports) != 5 {
		t.Fatalf("expected 4 customer chains and 1 revenue chain, got %d", len(reports))
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `odyssey_ledger_postings_total{outcome="success"} 200`) {
		t.Fatalf("posting counter not exported:\n%s", rec.Body.String())
	}
}

func TestPeriodCloseJobThroughput(t *testing.T) {
	store := memstore.New()
	var last *book
	for _, name := range []string{"Toko Maju", "Sinar Jaya", "Berkah Abadi"} {
		last = newBook(t, store, name, 3)
		for m := time.January; m <= time.March; m++ {
			today := time.Date(2024, m, 20, 9, 0, 0, 0, time.UTC)
			last.ledger.WithNow(func() time.Time { return today })
			for i, customer := range last.customers {
				date := time.Date(2024, m, 5+i, 0, 0, 0, 0, time.UTC)
				if _, err := last.ledger.Post(context.Background(), last.sale(customer, date, "25.00")); err != nil {
					t.Fatalf("post: %v", err)
				}
			}
		}
	}

	reg := prometheus.NewRegistry()
	orchestrator := newOrchestrator(store, last.periods, time.Date(2024, time.April, 2, 1, 0, 0, 0, time.UTC))
	job := jobs.NewPeriodCloseJob(orchestrator, slog.New(slog.NewTextHandler(io.Discard, nil)), jobmetrics.NewMetrics(reg))
	task, err := jobs.NewPeriodCloseTask(0, time.Now())
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("period close: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	if got := metricValue(t, families, "odyssey_jobs_total", map[string]string{"job": jobs.TaskPeriodClose, "status": "success"}); got != 1 {
		t.Fatalf("expected one successful run, got %v", got)
	}
	if got := metricValue(t, families, "odyssey_ledger_periods_closed_total", map[string]string{"scope": "MONTH"}); got != 9 {
		t.Fatalf("expected 9 closed months, got %v", got)
	}
	if got := metricValue(t, families, "odyssey_ledger_periods_closed_total", map[string]string{"scope": "QUARTER"}); got != 3 {
		t.Fatalf("expected 3 closed quarters, got %v", got)
	}
	if mean := histogramMean(t, families, "odyssey_job_duration_seconds", map[string]string{"job": jobs.TaskPeriodClose}); mean > 2.0 {
		t.Fatalf("period close duration above budget: %f", mean)
	}
}
