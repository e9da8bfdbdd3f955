package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// VerifyChain replays the running balance chain of subject in period. A
// mismatch freezes the chain in ledger_blocks and returns ErrChainBroken; the
// block is committed even though an error is returned.
func (s *Service) VerifyChain(ctx context.Context, businessID int64, subject SubjectRef, periodID int64) (ChainReport, error) {
	var report ChainReport
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		books, err := s.repo.ResolveSubjects(ctx, q, businessID, []SubjectRef{subject})
		if err != nil {
			return err
		}
		book, ok := books[subject]
		if !ok {
			return fmt.Errorf("%w %s", ErrSubjectNotFound, subject)
		}
		report, err = s.verify(ctx, q, businessID, ChainKey{Book: book, SubjectID: subject.ID}, periodID)
		return err
	})
	if err != nil {
		return ChainReport{}, err
	}
	if report.Broken {
		return report, brokenError(report)
	}
	return report, nil
}

// VerifyPeriod replays every chain with entries in period. Reports for broken
// chains are included alongside ErrChainBroken.
func (s *Service) VerifyPeriod(ctx context.Context, businessID, periodID int64) ([]ChainReport, error) {
	var reports []ChainReport
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		keys, err := s.repo.ActiveChains(ctx, q, businessID, periodID)
		if err != nil {
			return err
		}
		reports = reports[:0]
		for _, key := range keys {
			report, err := s.verify(ctx, q, businessID, key, periodID)
			if err != nil {
				return err
			}
			reports = append(reports, report)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var broken []error
	for _, r := range reports {
		if r.Broken {
			broken = append(broken, brokenError(r))
		}
	}
	return reports, errors.Join(broken...)
}

func (s *Service) verify(ctx context.Context, q db.Querier, businessID int64, key ChainKey, periodID int64) (ChainReport, error) {
	report := ChainReport{Key: key, PeriodID: periodID, Opening: decimal.Zero}
	snap, err := s.repo.FindSnapshot(ctx, q, SnapshotKey{
		BusinessID: businessID,
		PeriodID:   periodID,
		Kind:       key.Book.Kind(),
		SubjectID:  key.SubjectID,
	})
	switch {
	case err == nil:
		report.Opening = snap.Opening
	case errors.Is(err, ErrSnapshotMissing):
	default:
		return report, err
	}
	entries, err := s.repo.ChainEntries(ctx, q, businessID, key, periodID, 0)
	if err != nil {
		return report, err
	}
	report.Entries = len(entries)
	report.Final, report.BrokenAtID, report.Expected, report.Actual, report.Broken = Replay(key.Book, report.Opening, entries)
	if !report.Broken {
		return report, nil
	}
	err = s.repo.InsertBlock(ctx, q, Block{
		BusinessID: businessID,
		Book:       key.Book,
		SubjectID:  key.SubjectID,
		Reason: fmt.Sprintf("entry %d: running balance %s, expected %s",
			report.BrokenAtID, report.Actual.StringFixed(2), report.Expected.StringFixed(2)),
		DetectedAt: s.now(),
	})
	if err != nil {
		return report, err
	}
	s.logger.Error("ledger chain broken",
		"business_id", businessID,
		"book", string(key.Book),
		"subject_id", key.SubjectID,
		"period_id", periodID,
		"entry_id", report.BrokenAtID,
	)
	return report, nil
}

// Replay walks entries ordered by (date, id) from opening and reports the first
// entry whose stored running balance disagrees with the recomputed one.
func Replay(book Book, opening decimal.Decimal, entries []Entry) (final decimal.Decimal, brokenAt int64, expected, actual decimal.Decimal, broken bool) {
	balance := opening
	for _, e := range entries {
		want := book.Apply(balance, e.Debit, e.Credit)
		if !want.Equal(e.RunningBalance) {
			return balance, e.ID, want, e.RunningBalance, true
		}
		balance = want
	}
	return balance, 0, decimal.Zero, decimal.Zero, false
}

// Unblock lifts the freeze on a chain after manual reconciliation.
func (s *Service) Unblock(ctx context.Context, businessID int64, subject SubjectRef, actorID int64, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: ledger: unblock reason required", shared.ErrValidation)
	}
	var key ChainKey
	err := s.tx.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		books, err := s.repo.ResolveSubjects(ctx, q, businessID, []SubjectRef{subject})
		if err != nil {
			return err
		}
		book, ok := books[subject]
		if !ok {
			return fmt.Errorf("%w %s", ErrSubjectNotFound, subject)
		}
		key = ChainKey{Book: book, SubjectID: subject.ID}
		removed, err := s.repo.DeleteBlock(ctx, q, businessID, key)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%w: ledger block for %s", shared.ErrNotFound, subject)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			BusinessID: businessID,
			ActorID:    actorID,
			Action:     "ledger.unblock",
			Entity:     string(key.Book) + "_ledger",
			EntityID:   fmt.Sprintf("%d", subject.ID),
			Meta:       map[string]any{"reason": reason},
			At:         s.now(),
		})
	}
	return nil
}

func brokenError(r ChainReport) error {
	return fmt.Errorf("%w: %s %d entry %d", ErrChainBroken, r.Key.Book, r.Key.SubjectID, r.BrokenAtID)
}
