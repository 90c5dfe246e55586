package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDateRange(t *testing.T) {
	loc := time.UTC

	sel, err := ParseDateRange("", "", loc)
	require.NoError(t, err)
	assert.Equal(t, Last24Hours(), sel)

	sel, err = ParseDateRange("", "2024-03-05", loc)
	require.NoError(t, err)
	assert.True(t, sel.Pinned())
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, loc), sel.Day)

	sel, err = ParseDateRange("DAY", "2024-03-05", loc)
	require.NoError(t, err)
	assert.True(t, sel.Pinned())

	_, err = ParseDateRange("day", "05/03/2024", loc)
	assert.True(t, errors.Is(err, ErrInvalidDateRange))

	_, err = ParseDateRange("week", "", loc)
	assert.True(t, errors.Is(err, ErrInvalidDateRange))
}

func TestDateRangeBounds(t *testing.T) {
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	last := Last24Hours()
	assert.True(t, last.Contains(now, now))
	assert.True(t, last.Contains(now.Add(-24*time.Hour), now))
	assert.False(t, last.Contains(now.Add(-24*time.Hour-time.Second), now))

	day := PinnedDay(time.Date(2024, 3, 4, 15, 30, 0, 0, time.UTC))
	assert.True(t, day.Contains(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), now))
	assert.True(t, day.Contains(time.Date(2024, 3, 4, 23, 59, 59, 0, time.UTC), now))
	assert.False(t, day.Contains(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), now))
}

func TestDateRangePages(t *testing.T) {
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	pages := Last24Hours().Pages(now)
	require.Len(t, pages, 2)
	assert.Equal(t, "2024-03-04", pages[0].Format(dayLayout))
	assert.Equal(t, "2024-03-05", pages[1].Format(dayLayout))

	pages = PinnedDay(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)).Pages(now)
	require.Len(t, pages, 1)
	assert.Equal(t, "2024-02-01", pages[0].Format(dayLayout))
}

func TestLookbackPages(t *testing.T) {
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	pages := lookbackPages(Last24Hours(), now, 2)
	var got []string
	for _, p := range pages {
		got = append(got, p.Format(dayLayout))
	}
	assert.Equal(t, []string{"2024-03-03", "2024-03-04", "2024-03-05"}, got)

	pinned := PinnedDay(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	got = nil
	for _, p := range lookbackPages(pinned, now, 1) {
		got = append(got, p.Format(dayLayout))
	}
	assert.Equal(t, []string{"2024-02-01", "2024-03-04", "2024-03-05"}, got)
}

func TestDescribe(t *testing.T) {
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	d := Last24Hours().Describe(now)
	assert.False(t, d.Pinned)
	assert.Equal(t, RangeLast24h, d.Mode)
	assert.Empty(t, d.Date)

	d = PinnedDay(now).Describe(now)
	assert.True(t, d.Pinned)
	assert.Equal(t, "2024-03-05", d.Date)
}
