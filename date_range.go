package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidDateRange is returned when a date range selection cannot be parsed
var ErrInvalidDateRange = errors.New("invalid date range")

// DateRangeMode selects how archive points are filtered
type DateRangeMode string

const (
	RangeLast24h DateRangeMode = "last24h"
	RangeDay     DateRangeMode = "day"
)

const dayLayout = "2006-01-02"

// DateRangeSelector is either "last 24 hours from now" or an explicit calendar day
type DateRangeSelector struct {
	Mode DateRangeMode
	Day  time.Time // Midnight of the pinned day in the dashboard location (RangeDay only)
}

// DateDescriptor echoes the active selector in the view model
type DateDescriptor struct {
	Mode   DateRangeMode `json:"mode"`
	Date   string        `json:"date,omitempty"` // YYYY-MM-DD, pinned day only
	Label  string        `json:"label"`
	From   time.Time     `json:"from"`
	To     time.Time     `json:"to"`
	Pinned bool          `json:"pinned"`
}

// Last24Hours returns the rolling selector
func Last24Hours() DateRangeSelector {
	return DateRangeSelector{Mode: RangeLast24h}
}

// PinnedDay returns a selector for the calendar day containing t (in t's location)
func PinnedDay(t time.Time) DateRangeSelector {
	y, m, d := t.Date()
	return DateRangeSelector{Mode: RangeDay, Day: time.Date(y, m, d, 0, 0, 0, 0, t.Location())}
}

// ParseDateRange builds a selector from the API representation. An empty mode with a date
// pins that day; an empty mode without a date selects the last 24 hours.
func ParseDateRange(mode, date string, loc *time.Location) (DateRangeSelector, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	date = strings.TrimSpace(date)
	if mode == "" {
		mode = string(RangeLast24h)
		if date != "" {
			mode = string(RangeDay)
		}
	}

	switch DateRangeMode(mode) {
	case RangeLast24h:
		return Last24Hours(), nil
	case RangeDay:
		day, err := time.ParseInLocation(dayLayout, date, loc)
		if err != nil {
			return DateRangeSelector{}, fmt.Errorf("%w: date must be YYYY-MM-DD: %v", ErrInvalidDateRange, err)
		}
		return PinnedDay(day), nil
	default:
		return DateRangeSelector{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidDateRange, mode)
	}
}

// Pinned reports whether the user selected an explicit day
func (s DateRangeSelector) Pinned() bool {
	return s.Mode == RangeDay
}

// Bounds returns the inclusive start and exclusive end of the selected window
func (s DateRangeSelector) Bounds(now time.Time) (time.Time, time.Time) {
	if s.Pinned() {
		return s.Day, s.Day.AddDate(0, 0, 1)
	}
	return now.Add(-24 * time.Hour), now.Add(time.Nanosecond)
}

// Contains reports whether t falls inside the selected window
func (s DateRangeSelector) Contains(t, now time.Time) bool {
	from, to := s.Bounds(now)
	return !t.Before(from) && t.Before(to)
}

// Pages returns the archive day pages (local midnights) covering the selected window
func (s DateRangeSelector) Pages(now time.Time) []time.Time {
	if s.Pinned() {
		return []time.Time{s.Day}
	}
	from, _ := s.Bounds(now)
	return dayPages(from, now)
}

// Describe returns the view model descriptor for the selector
func (s DateRangeSelector) Describe(now time.Time) DateDescriptor {
	from, to := s.Bounds(now)
	if s.Pinned() {
		return DateDescriptor{
			Mode:   RangeDay,
			Date:   s.Day.Format(dayLayout),
			Label:  s.Day.Format(dayLayout),
			From:   from,
			To:     to,
			Pinned: true,
		}
	}
	return DateDescriptor{
		Mode:  RangeLast24h,
		Label: "Last 24 hours",
		From:  from,
		To:    now,
	}
}

// dayPages lists every calendar day between from and to inclusive, in to's location
func dayPages(from, to time.Time) []time.Time {
	loc := to.Location()
	from = from.In(loc)
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, loc)

	var pages []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		pages = append(pages, d)
	}
	return pages
}

// lookbackPages returns the pages of the selector plus the given number of earlier days,
// deduplicated and in ascending order. The extra days feed the all-time map.
func lookbackPages(s DateRangeSelector, now time.Time, lookbackDays int) []time.Time {
	seen := make(map[string]bool)
	var pages []time.Time
	add := func(d time.Time) {
		key := d.Format(dayLayout)
		if !seen[key] {
			seen[key] = true
			pages = append(pages, d)
		}
	}

	if lookbackDays > 0 {
		for _, d := range dayPages(now.AddDate(0, 0, -lookbackDays), now) {
			add(d)
		}
	}
	for _, d := range s.Pages(now) {
		add(d)
	}

	sort.Slice(pages, func(i, j int) bool {
		return pages[i].Before(pages[j])
	})
	return pages
}
