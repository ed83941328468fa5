package dues

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - The billing unit: one calendar month
// =============================================================================

// Period is a calendar month. The zero value is not a valid period.
//
// Text form is "YYYY-MM", which also sorts chronologically as a string; the
// SQLite store relies on that for period comparisons.
type Period struct {
	Year  int
	Month time.Month
}

const periodLayout = "2006-01"

func NewPeriod(year int, month time.Month) Period {
	return Period{Year: year, Month: month}
}

// PeriodOf returns the month containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod accepts "YYYY-MM". A full date ("YYYY-MM-DD") is accepted too
// and truncated to its month.
func ParsePeriod(s string) (Period, error) {
	if t, err := time.Parse(periodLayout, s); err == nil {
		return PeriodOf(t), nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return PeriodOf(t), nil
	}
	return Period{}, &ValidationError{Field: "period", Message: fmt.Sprintf("invalid month %q (use YYYY-MM)", s)}
}

func MustParsePeriod(s string) Period {
	p, err := ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

func (p Period) Valid() bool {
	return p.Year > 0 && p.Year <= 9999 && p.Month >= time.January && p.Month <= time.December
}

// Next returns the following month.
func (p Period) Next() Period { return p.AddMonths(1) }

func (p Period) AddMonths(n int) Period {
	return PeriodOf(p.Start().AddDate(0, n, 0))
}

func (p Period) Before(o Period) bool { return p.index() < o.index() }
func (p Period) After(o Period) bool  { return p.index() > o.index() }

// Start returns the first day of the month at midnight UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the month.
func (p Period) End() Date {
	return DateOf(p.Start().AddDate(0, 1, -1))
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) index() int { return p.Year*12 + int(p.Month) - 1 }

// MonthsBetween returns how many months separate from and to (to - from).
func MonthsBetween(from, to Period) int { return to.index() - from.index() }
