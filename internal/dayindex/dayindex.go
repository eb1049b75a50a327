// Package dayindex derives the ordinal-day context of a calendar date.
package dayindex

import (
	"fmt"
	"time"

	"github.com/kalambet/echoes/internal/echo"
)

// Compute returns the DateContext for t's calendar date in t's location.
// The ordinal is taken from the calendar fields, so DST transitions between
// January 1 and t never shift it.
func Compute(t time.Time) echo.DateContext {
	year := t.Year()
	return echo.DateContext{
		OrdinalDay:  t.YearDay(),
		TotalDays:   DaysInYear(year),
		DisplayDate: t.Format("January 2"),
		ISODate:     t.Format("2006-01-02"),
		FullDate:    t.Format("January 2, 2006"),
	}
}

// DaysInYear returns 366 for leap years and 365 otherwise.
func DaysInYear(year int) int {
	if IsLeap(year) {
		return 366
	}
	return 365
}

// IsLeap applies the Gregorian leap-year rule.
func IsLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// Parse reads an ISO date (2006-01-02) as local midnight in loc.
func Parse(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return t, nil
}
