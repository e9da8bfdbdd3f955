package periods

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Service owns creation and lookup of the period hierarchy.
type Service struct {
	tx     db.Transactor
	repo   Repository
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(tx db.Transactor, repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tx: tx, repo: repo, logger: logger}
}

// Repository exposes the underlying store for callers composing transactions.
func (s *Service) Repository() Repository {
	return s.repo
}

// EnsureYear returns the year period, creating the full year, quarter and
// month tree in one transaction when it does not exist yet.
func (s *Service) EnsureYear(ctx context.Context, businessID int64, year int) (Period, error) {
	if businessID <= 0 {
		return Period{}, fmt.Errorf("%w: periods: business id required", shared.ErrValidation)
	}
	if year < 1000 || year > 9999 {
		return Period{}, fmt.Errorf("%w: periods: year %d out of range", shared.ErrValidation, year)
	}
	tree := BuildYear(businessID, year)
	var out Period
	created := false
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		existing, err := s.repo.FindPeriodByStart(ctx, q, businessID, ScopeYear, tree.Period.Start)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrPeriodNotFound) {
			return err
		}
		out, err = s.insertTree(ctx, q, tree, 0)
		created = err == nil
		return err
	})
	if err != nil {
		return Period{}, err
	}
	if created {
		s.logger.Info("period year created", slog.Int64("business_id", businessID), slog.Int("year", year))
	}
	return out, nil
}

func (s *Service) insertTree(ctx context.Context, q db.Querier, node Node, parentID int64) (Period, error) {
	p := node.Period
	p.ParentID = parentID
	id, err := s.repo.InsertPeriod(ctx, q, p)
	if err != nil {
		return Period{}, err
	}
	p.ID = id
	for _, child := range node.Children {
		if _, err := s.insertTree(ctx, q, child, id); err != nil {
			return Period{}, err
		}
	}
	return p, nil
}

// FindClosableMonth returns the earliest open month that ended before today.
// Months must close in calendar order (closing.Service.CloseMonth refuses a
// month while an earlier one is open, since each close seeds the next month's
// opening), so callers that walk a backlog have to take the earliest first.
func (s *Service) FindClosableMonth(ctx context.Context, businessID int64, today time.Time) (Period, bool, error) {
	var (
		out   Period
		found bool
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		months, err := s.repo.OpenEnded(ctx, q, businessID, ScopeMonth, today)
		if err != nil {
			return err
		}
		if len(months) > 0 {
			out, found = months[0], true
		}
		return nil
	})
	return out, found, err
}

// FindClosableQuarter returns the earliest open, ended quarter whose months are
// all closed.
func (s *Service) FindClosableQuarter(ctx context.Context, businessID int64, today time.Time) (Period, bool, error) {
	return s.findClosableParent(ctx, businessID, ScopeQuarter, today)
}

// FindClosableYear returns the earliest open year before the current one whose
// quarters are all closed.
func (s *Service) FindClosableYear(ctx context.Context, businessID int64, today time.Time) (Period, bool, error) {
	return s.findClosableParent(ctx, businessID, ScopeYear, today)
}

func (s *Service) findClosableParent(ctx context.Context, businessID int64, scope Scope, today time.Time) (Period, bool, error) {
	var (
		out   Period
		found bool
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		candidates, err := s.repo.OpenEnded(ctx, q, businessID, scope, today)
		if err != nil {
			return err
		}
		for _, candidate := range candidates {
			if scope == ScopeYear && candidate.Start.Year() >= Day(today).Year() {
				continue
			}
			children, err := s.repo.Children(ctx, q, businessID, candidate.ID)
			if err != nil {
				return err
			}
			if AllClosed(children) {
				out, found = candidate, true
				return nil
			}
		}
		return nil
	})
	return out, found, err
}

// Get loads one period of the business.
func (s *Service) Get(ctx context.Context, businessID, id int64) (Period, error) {
	var out Period
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		var err error
		out, err = s.repo.GetPeriod(ctx, q, businessID, id)
		return err
	})
	return out, err
}

// Find loads the period of the business addressed by label.
func (s *Service) Find(ctx context.Context, businessID int64, label string) (Period, error) {
	scope, start, err := ParseLabel(label)
	if err != nil {
		return Period{}, err
	}
	var out Period
	err = s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		var err error
		out, err = s.repo.FindPeriodByStart(ctx, q, businessID, scope, start)
		return err
	})
	return out, err
}

// Current returns the month containing today, whether or not it is closed.
func (s *Service) Current(ctx context.Context, businessID int64, today time.Time) (Period, error) {
	var out Period
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		var err error
		out, err = s.repo.LiveMonth(ctx, q, businessID, today, LockNone)
		return err
	})
	return out, err
}

// AllClosed reports whether every period in the slice is closed. An empty
// slice is not considered closed.
func AllClosed(children []Period) bool {
	if len(children) == 0 {
		return false
	}
	for _, c := range children {
		if !c.IsClosed {
			return false
		}
	}
	return true
}
