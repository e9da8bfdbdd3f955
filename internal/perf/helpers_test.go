package perf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/closing"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/sequence"
)

var march20 = time.Date(2024, time.March, 20, 9, 0, 0, 0, time.UTC)

type book struct {
	store     *memstore.Store
	periods   *periods.Service
	ledger    *ledger.Service
	business  int64
	customers []int64
	revenue   int64
}

// newBook seeds one business with a 2024 calendar, a revenue account and the
// given number of customers.
func newBook(tb testing.TB, store *memstore.Store, name string, customers int) *book {
	tb.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := &book{store: store, business: store.AddBusiness(name)}
	b.revenue = store.AddAccount(b.business, "4-1000", ledger.ClassRevenue)
	for i := range customers {
		b.customers = append(b.customers, store.AddCustomer(b.business, fmt.Sprintf("CUS%d-%05d", b.business, i+1)))
	}
	b.periods = periods.NewService(store, store, logger)
	if _, err := b.periods.EnsureYear(context.Background(), b.business, 2024); err != nil {
		tb.Fatalf("ensure year: %v", err)
	}
	b.ledger = ledger.NewService(store, store, store, sequence.NewGenerator(store, store), store, logger)
	b.ledger.WithNow(func() time.Time { return march20 })
	return b
}

func (b *book) sale(customer int64, date time.Time, total string) ledger.PostingInput {
	amount := decimal.RequireFromString(total)
	return ledger.PostingInput{
		BusinessID: b.business,
		Scope:      sequence.ScopeSale,
		Date:       date,
		EntryType:  "Sale",
		Lines: []ledger.LineInput{
			{Side: ledger.SideDebit, SubjectKind: ledger.SubjectCustomer, SubjectID: customer, Amount: amount},
			{Side: ledger.SideCredit, SubjectKind: ledger.SubjectAccount, SubjectID: b.revenue, Amount: amount},
		},
	}
}

func newOrchestrator(store *memstore.Store, finder *periods.Service, now time.Time) *closing.Orchestrator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := closing.NewOrchestrator(closing.OrchestratorConfig{
		Tx:          store,
		Repo:        store,
		Periods:     finder,
		Closer:      closing.NewService(store, store, store, store, logger),
		Logger:      logger,
		Concurrency: 4,
	})
	o.WithNow(func() time.Time { return now })
	return o
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range metric.GetLabel() {
		val, ok := labels[lp.GetName()]
		if !ok {
			continue
		}
		if lp.GetValue() != val {
			return false
		}
		matched++
	}
	return matched == len(labels)
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	return sorted[min(index, len(sorted)-1)]
}
