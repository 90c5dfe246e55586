package main

import (
	"sort"
	"time"
)

// DefaultMaxPoints caps the rendered historical series
const DefaultMaxPoints = 144

// RawStatPoint is one channel's window extremes at a timestamp, parsed from an archive row.
// Points are immutable and replaced wholesale on every archive refetch.
type RawStatPoint struct {
	Time    time.Time
	Channel int
	AccMax  float64
	DispMax float64
}

// MergedPoint holds both channels' extremes for one timestamp. A channel slot that received no
// row stays zero.
type MergedPoint struct {
	Time    time.Time
	AccMax  [2]float64
	DispMax [2]float64
	Present [2]bool
}

// HistoricalAggregator owns the raw archive points of the selected device and turns them into
// time-ordered, channel-merged points for the active date range.
type HistoricalAggregator struct {
	maxPoints int
	loc       *time.Location

	points        []RawStatPoint
	latestFatigue *FatigueRow
	accepted      int
	skipped       int
	loaded        bool
}

// NewHistoricalAggregator creates an aggregator bounded to maxPoints merged points
func NewHistoricalAggregator(maxPoints int, loc *time.Location) *HistoricalAggregator {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	if loc == nil {
		loc = time.Local
	}
	return &HistoricalAggregator{maxPoints: maxPoints, loc: loc}
}

// Replace supersedes all raw points with the rows of a new archive fetch. Rows that are not
// valid window statistics are skipped individually; the latest fatigue row is remembered.
func (h *HistoricalAggregator) Replace(rows []ArchiveRow) (accepted, skipped int) {
	points, fatigue, skipped := extractStatPoints(rows, h.loc)
	h.points = points
	h.latestFatigue = fatigue
	h.accepted = len(points)
	h.skipped = skipped
	h.loaded = true
	return len(points), skipped
}

// Loaded reports whether any archive fetch has completed
func (h *HistoricalAggregator) Loaded() bool {
	return h.loaded
}

// Stats returns the row counts of the last Replace
func (h *HistoricalAggregator) Stats() (accepted, skipped int) {
	return h.accepted, h.skipped
}

// LatestFatigue returns the most recent fatigue row of the last fetch
func (h *HistoricalAggregator) LatestFatigue() (FatigueRow, bool) {
	if h.latestFatigue == nil {
		return FatigueRow{}, false
	}
	return *h.latestFatigue, true
}

// Merge returns the merged points visible under the selector, ascending and truncated
func (h *HistoricalAggregator) Merge(sel DateRangeSelector, now time.Time) []MergedPoint {
	return mergeStatPoints(h.points, sel, now, h.maxPoints)
}

// extractStatPoints validates rows and returns the stat points, the newest fatigue row and the
// number of rows that were neither
func extractStatPoints(rows []ArchiveRow, loc *time.Location) ([]RawStatPoint, *FatigueRow, int) {
	points := make([]RawStatPoint, 0, len(rows))
	var latest *FatigueRow
	skipped := 0

	for _, row := range rows {
		if st, ok := row.AsStat(loc); ok {
			points = append(points, RawStatPoint{
				Time:    st.Time,
				Channel: st.Channel,
				AccMax:  st.AccMax,
				DispMax: st.DispMax,
			})
			continue
		}
		if fr, ok := row.AsFatigue(); ok {
			if latest == nil || fr.Timestamp > latest.Timestamp {
				f := fr
				latest = &f
			}
			continue
		}
		skipped++
	}

	return points, latest, skipped
}

// mergeStatPoints merges channel rows by timestamp into two maps, all-time and range-filtered,
// and applies the selection policy:
//   - pinned day: the range-filtered map is authoritative, even when empty
//   - otherwise: range-filtered when non-empty, else all-time
//
// The result is sorted ascending and keeps the most recent maxPoints entries.
func mergeStatPoints(points []RawStatPoint, sel DateRangeSelector, now time.Time, maxPoints int) []MergedPoint {
	all := make(map[int64]*MergedPoint)
	ranged := make(map[int64]*MergedPoint)

	put := func(m map[int64]*MergedPoint, p RawStatPoint) {
		key := p.Time.UnixNano()
		mp, ok := m[key]
		if !ok {
			mp = &MergedPoint{Time: p.Time}
			m[key] = mp
		}
		mp.AccMax[p.Channel] = p.AccMax
		mp.DispMax[p.Channel] = p.DispMax
		mp.Present[p.Channel] = true
	}

	for _, p := range points {
		if p.Channel < 0 || p.Channel > 1 {
			continue
		}
		put(all, p)
		if sel.Contains(p.Time, now) {
			put(ranged, p)
		}
	}

	chosen := all
	if sel.Pinned() || len(ranged) > 0 {
		chosen = ranged
	}

	out := make([]MergedPoint, 0, len(chosen))
	for _, mp := range chosen {
		out = append(out, *mp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})

	if maxPoints > 0 && len(out) > maxPoints {
		out = out[len(out)-maxPoints:]
	}
	return out
}
