// Package filter derives default recommendation filters from the target date
// and tracks whether the user has overridden them.
package filter

import (
	"sync"
	"time"

	"github.com/kalambet/echoes/internal/echo"
)

var weekdayDefaults = [7]echo.Filter{
	time.Sunday:    {Era: echo.EraAncient, Category: echo.CategoryReligion},
	time.Monday:    {Era: echo.EraModern, Category: echo.CategoryScience},
	time.Tuesday:   {Era: echo.EraMedieval, Category: echo.CategoryConflict},
	time.Wednesday: {Era: echo.EraRenaissance, Category: echo.CategoryArts},
	time.Thursday:  {Era: echo.EraIndustrial, Category: echo.CategoryDiscovery},
	time.Friday:    {Era: echo.EraContemporary, Category: echo.CategoryPolitics},
	time.Saturday:  {Era: echo.EraAll, Category: echo.CategoryAll},
}

// Defaults returns the suggested filter for t's weekday.
func Defaults(t time.Time) echo.Filter {
	return weekdayDefaults[t.Weekday()]
}

// Selection holds the filter used for the next scan. Date changes refresh it
// from Defaults until the user sets either field by hand; Reset clears that.
type Selection struct {
	mu     sync.Mutex
	date   time.Time
	cur    echo.Filter
	manual bool
}

// NewSelection starts with the defaults for date.
func NewSelection(date time.Time) *Selection {
	return &Selection{date: date, cur: Defaults(date)}
}

// SetDate records a new target date and, unless the filter was set by hand,
// replaces it with that date's defaults.
func (s *Selection) SetDate(date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.date = date
	if !s.manual {
		s.cur = Defaults(date)
	}
}

// SetEra overrides the era and pins the selection.
func (s *Selection) SetEra(e echo.Era) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Era = e
	s.manual = true
}

// SetCategory overrides the category and pins the selection.
func (s *Selection) SetCategory(c echo.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Category = c
	s.manual = true
}

// Reset unpins the selection and restores the current date's defaults.
func (s *Selection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manual = false
	s.cur = Defaults(s.date)
}

// Current returns the filter to scan with.
func (s *Selection) Current() echo.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Manual reports whether the user has overridden the defaults.
func (s *Selection) Manual() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manual
}
