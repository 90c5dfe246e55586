package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statRow(ts string, channel, accMax, accMin, dispMax, dispMin float64) ArchiveRow {
	return ArchiveRow{
		Type:      RowTypeStat,
		Timestamp: ts,
		Channel:   channel,
		AccMax:    accMax,
		AccMin:    accMin,
		DispMax:   dispMax,
		DispMin:   dispMin,
	}
}

func TestMergeChannelsAtSameTimestamp(t *testing.T) {
	h := NewHistoricalAggregator(0, time.UTC)
	accepted, skipped := h.Replace([]ArchiveRow{
		statRow("2024-01-01T00:00:00", 0, 1, -2, 3, -1),
		statRow("2024-01-01T00:00:00", 1, 0.5, -0.2, 1, -4),
	})
	assert.Equal(t, 2, accepted)
	assert.Zero(t, skipped)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	merged := h.Merge(Last24Hours(), now)
	require.Len(t, merged, 1)

	p := merged[0]
	assert.Equal(t, [2]float64{2, 0.5}, p.AccMax)
	assert.Equal(t, [2]float64{3, 4}, p.DispMax)
	assert.Equal(t, [2]bool{true, true}, p.Present)
}

func TestMergeIsStrictlyIncreasing(t *testing.T) {
	h := NewHistoricalAggregator(0, time.UTC)
	h.Replace([]ArchiveRow{
		statRow("2024-01-01T00:20:00", 0, 1, 0, 1, 0),
		statRow("2024-01-01T00:00:00", 1, 1, 0, 1, 0),
		statRow("2024-01-01T00:10:00", 0, 1, 0, 1, 0),
		statRow("2024-01-01T00:00:00", 0, 1, 0, 1, 0),
		statRow("2024-01-01T00:20:00", 1, 1, 0, 1, 0),
		{Type: "garbage"},
	})
	_, skipped := h.Stats()
	assert.Equal(t, 1, skipped)

	merged := h.Merge(Last24Hours(), time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC))
	require.Len(t, merged, 3)
	for i := 1; i < len(merged); i++ {
		assert.True(t, merged[i-1].Time.Before(merged[i].Time))
	}
}

func TestPinnedDayWithoutRowsIsEmpty(t *testing.T) {
	h := NewHistoricalAggregator(0, time.UTC)
	h.Replace([]ArchiveRow{statRow("2024-01-01T00:00:00", 0, 1, 0, 1, 0)})

	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	pinned := PinnedDay(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	assert.Empty(t, h.Merge(pinned, now))
}

func TestRollingRangeFallsBackToAllTime(t *testing.T) {
	h := NewHistoricalAggregator(0, time.UTC)
	h.Replace([]ArchiveRow{
		statRow("2024-01-01T00:00:00", 0, 1, 0, 1, 0),
		statRow("2024-01-02T00:00:00", 0, 1, 0, 1, 0),
	})

	// Nothing in the last 24 hours: every loaded point is shown
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	assert.Len(t, h.Merge(Last24Hours(), now), 2)

	// Something in range: only that is shown
	now = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	merged := h.Merge(Last24Hours(), now)
	require.Len(t, merged, 1)
	assert.Equal(t, 2, merged[0].Time.Day())
}

func TestMergeKeepsMostRecentPoints(t *testing.T) {
	h := NewHistoricalAggregator(3, time.UTC)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var rows []ArchiveRow
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * time.Minute).Format("2006-01-02T15:04:05")
		rows = append(rows, statRow(ts, 0, float64(i), 0, 0, 0))
	}
	h.Replace(rows)

	merged := h.Merge(Last24Hours(), base.Add(time.Hour))
	require.Len(t, merged, 3)
	assert.Equal(t, 7.0, merged[0].AccMax[0])
	assert.Equal(t, 9.0, merged[2].AccMax[0])
}

func TestLatestFatigueRow(t *testing.T) {
	h := NewHistoricalAggregator(0, time.UTC)
	_, ok := h.LatestFatigue()
	assert.False(t, ok)
	assert.False(t, h.Loaded())

	h.Replace([]ArchiveRow{
		{Type: RowTypeFatigue, Timestamp: "2024-01-01 00:10:00", FatigueDmax: 0.2},
		{Type: RowTypeFatigue, Timestamp: "2024-01-01 00:20:00", FatigueDmax: 0.3},
		{Type: RowTypeFatigue, Timestamp: "2024-01-01 00:00:00", FatigueDmax: 0.1},
	})
	assert.True(t, h.Loaded())

	fr, ok := h.LatestFatigue()
	require.True(t, ok)
	assert.Equal(t, 0.3, fr.Dmax)
}
