package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func (s *Store) filterPeriods(keep func(periods.Period) bool, less func(a, b periods.Period) bool) []periods.Period {
	var out []periods.Period
	for _, p := range s.st.periods {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func byStart(a, b periods.Period) bool { return a.Start.Before(b.Start) }

func (s *Store) GetPeriod(_ context.Context, _ db.Querier, businessID, id int64) (periods.Period, error) {
	p, ok := s.st.periods[id]
	if !ok || p.BusinessID != businessID {
		return periods.Period{}, periods.ErrPeriodNotFound
	}
	return p, nil
}

func (s *Store) LockPeriod(ctx context.Context, q db.Querier, businessID, id int64) (periods.Period, error) {
	return s.GetPeriod(ctx, q, businessID, id)
}

func (s *Store) FindPeriodByStart(_ context.Context, _ db.Querier, businessID int64, scope periods.Scope, start time.Time) (periods.Period, error) {
	start = periods.Day(start)
	for _, p := range s.st.periods {
		if p.BusinessID == businessID && p.Scope == scope && p.Start.Equal(start) {
			return p, nil
		}
	}
	return periods.Period{}, periods.ErrPeriodNotFound
}

func (s *Store) InsertPeriod(ctx context.Context, q db.Querier, p periods.Period) (int64, error) {
	if err := s.injected("InsertPeriod"); err != nil {
		return 0, err
	}
	if _, err := s.FindPeriodByStart(ctx, q, p.BusinessID, p.Scope, p.Start); err == nil {
		return 0, fmt.Errorf("%w: periods: %s %s created concurrently", shared.ErrConcurrency, p.Scope, p.Start.Format(time.DateOnly))
	}
	p.ID = s.st.id()
	s.st.periods[p.ID] = p
	return p.ID, nil
}

func (s *Store) LiveMonth(_ context.Context, _ db.Querier, businessID int64, day time.Time, _ periods.LockMode) (periods.Period, error) {
	day = periods.Day(day)
	for _, p := range s.st.periods {
		if p.BusinessID == businessID && p.Scope == periods.ScopeMonth && p.Contains(day) {
			return p, nil
		}
	}
	return periods.Period{}, periods.ErrNoLiveMonth
}

func (s *Store) OpenEnded(_ context.Context, _ db.Querier, businessID int64, scope periods.Scope, today time.Time) ([]periods.Period, error) {
	return s.filterPeriods(func(p periods.Period) bool {
		return p.BusinessID == businessID && p.Scope == scope && !p.IsClosed && p.Ended(today)
	}, func(a, b periods.Period) bool { return a.End.Before(b.End) }), nil
}

func (s *Store) Children(_ context.Context, _ db.Querier, businessID, parentID int64) ([]periods.Period, error) {
	return s.filterPeriods(func(p periods.Period) bool { return p.BusinessID == businessID && p.ParentID == parentID }, byStart), nil
}

func (s *Store) NextMonth(_ context.Context, _ db.Querier, businessID int64, after time.Time) (periods.Period, error) {
	after = periods.Day(after)
	months := s.filterPeriods(func(p periods.Period) bool {
		return p.BusinessID == businessID && p.Scope == periods.ScopeMonth && p.Start.After(after)
	}, byStart)
	if len(months) == 0 {
		return periods.Period{}, periods.ErrPeriodNotFound
	}
	return months[0], nil
}

func (s *Store) PreviousMonth(_ context.Context, _ db.Querier, businessID int64, before time.Time) (periods.Period, error) {
	before = periods.Day(before)
	months := s.filterPeriods(func(p periods.Period) bool {
		return p.BusinessID == businessID && p.Scope == periods.ScopeMonth && p.End.Before(before)
	}, byStart)
	if len(months) == 0 {
		return periods.Period{}, periods.ErrPeriodNotFound
	}
	return months[len(months)-1], nil
}

func (s *Store) MonthsWithin(_ context.Context, _ db.Querier, businessID int64, start, end time.Time) ([]periods.Period, error) {
	start, end = periods.Day(start), periods.Day(end)
	return s.filterPeriods(func(p periods.Period) bool {
		return p.BusinessID == businessID && p.Scope == periods.ScopeMonth && !p.Start.Before(start) && !p.End.After(end)
	}, byStart), nil
}

func (s *Store) MarkClosed(_ context.Context, _ db.Querier, id int64, closingDate time.Time) error {
	if err := s.injected("MarkClosed"); err != nil {
		return err
	}
	p, ok := s.st.periods[id]
	if !ok || p.IsClosed {
		return fmt.Errorf("%w: periods: period %d already closed", shared.ErrAlreadyClosed, id)
	}
	day := periods.Day(closingDate)
	p.IsClosed = true
	p.ClosingDate = &day
	s.st.periods[id] = p
	return nil
}
