package affiliate

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - The calendar month accruals are reset on
// =============================================================================

// Period is one calendar month in UTC. Accruals of commission, bonus and
// total sales belong to the period in which they were appended.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the month containing t.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

// Start returns the first instant of the month.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following month (exclusive).
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Before reports whether p is an earlier month than q.
func (p Period) Before(q Period) bool {
	return p.Start().Before(q.Start())
}

func (p Period) Previous() Period { return PeriodOf(p.Start().AddDate(0, -1, 0)) }

func (p Period) Next() Period { return PeriodOf(p.End()) }

// String formats as "2006-01".
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// ParsePeriod parses "2006-01".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, &ValidationError{Field: "period", Reason: fmt.Sprintf("%q is not YYYY-MM", s)}
	}
	return PeriodOf(t), nil
}
