package periods

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Scope is the granularity of a period.
type Scope string

const (
	ScopeMonth   Scope = "MONTH"
	ScopeQuarter Scope = "QUARTER"
	ScopeYear    Scope = "YEAR"
)

// ChildScope returns the next finer scope, or "" for months.
func (s Scope) ChildScope() Scope {
	switch s {
	case ScopeYear:
		return ScopeQuarter
	case ScopeQuarter:
		return ScopeMonth
	default:
		return ""
	}
}

// Period is one node of the Year -> Quarter -> Month tree of a business.
type Period struct {
	ID          int64
	BusinessID  int64
	Scope       Scope
	Start       time.Time
	End         time.Time
	ParentID    int64
	IsClosed    bool
	ClosingDate *time.Time
}

// Contains reports whether day falls within [Start, End].
func (p Period) Contains(day time.Time) bool {
	day = Day(day)
	return !day.Before(p.Start) && !day.After(p.End)
}

// Ended reports whether the period ended strictly before today.
func (p Period) Ended(today time.Time) bool {
	return p.End.Before(Day(today))
}

// Label renders the period for logs, e.g. "2024-03" or "2024-Q1".
func (p Period) Label() string {
	switch p.Scope {
	case ScopeYear:
		return fmt.Sprintf("%d", p.Start.Year())
	case ScopeQuarter:
		return fmt.Sprintf("%d-Q%d", p.Start.Year(), (int(p.Start.Month())-1)/3+1)
	default:
		return p.Start.Format("2006-01")
	}
}

// ParseLabel is the inverse of Label. It accepts "2024", "2024-Q1" and
// "2024-03" and returns the scope and first day of the period.
func ParseLabel(label string) (Scope, time.Time, error) {
	label = strings.ToUpper(strings.TrimSpace(label))
	switch {
	case len(label) == 4:
		if year, err := strconv.Atoi(label); err == nil && year >= 1000 {
			return ScopeYear, time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC), nil
		}
	case len(label) == 7 && label[4:6] == "-Q":
		year, err := strconv.Atoi(label[:4])
		n := int(label[6] - '0')
		if err == nil && year >= 1000 && n >= 1 && n <= 4 {
			return ScopeQuarter, time.Date(year, time.Month((n-1)*3+1), 1, 0, 0, 0, 0, time.UTC), nil
		}
	default:
		if start, err := time.Parse("2006-01", label); err == nil {
			return ScopeMonth, start, nil
		}
	}
	return "", time.Time{}, fmt.Errorf("%w: periods: invalid label %q", shared.ErrValidation, label)
}

// LockMode selects the row lock taken while reading a period.
type LockMode int

const (
	LockNone LockMode = iota
	// LockShare is taken by postings; it blocks closure but not other postings.
	LockShare
	// LockUpdate is taken by closure.
	LockUpdate
)

// Errors returned by the period hierarchy.
var (
	ErrPeriodNotFound = fmt.Errorf("%w: period", shared.ErrNotFound)
	ErrNoLiveMonth    = fmt.Errorf("%w: periods: no open month contains the date", shared.ErrValidation)
	ErrPeriodClosed   = fmt.Errorf("%w: periods: period is closed", shared.ErrValidation)
)

// Day truncates t to a calendar date at midnight UTC, keeping the date as seen
// in t's own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Node is a period with its planned children.
type Node struct {
	Period   Period
	Children []Node
}

// BuildYear returns the calendar tree for year: four quarters of three months
// each, contiguous and covering the year exactly.
func BuildYear(businessID int64, year int) Node {
	root := Node{Period: Period{
		BusinessID: businessID,
		Scope:      ScopeYear,
		Start:      time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
	}}
	for q := 0; q < 4; q++ {
		qStart := time.Date(year, time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
		qEnd := qStart.AddDate(0, 3, -1)
		quarter := Node{Period: Period{BusinessID: businessID, Scope: ScopeQuarter, Start: qStart, End: qEnd}}
		for mStart := qStart; !mStart.After(qEnd); mStart = mStart.AddDate(0, 1, 0) {
			mEnd := mStart.AddDate(0, 1, -1)
			if mEnd.After(qEnd) {
				mEnd = qEnd
			}
			quarter.Children = append(quarter.Children, Node{Period: Period{
				BusinessID: businessID,
				Scope:      ScopeMonth,
				Start:      mStart,
				End:        mEnd,
			}})
		}
		root.Children = append(root.Children, quarter)
	}
	return root
}
