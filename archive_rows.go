package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// Archive row type tags
const (
	RowTypeStat    = "stat"
	RowTypeFatigue = "fatigue"
)

// archiveTimestampLayouts are tried in order when parsing row timestamps.
// The backend writes "2006-01-02 15:04:05" in local time; pushed summaries use ISO form.
var archiveTimestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// flexFloat decodes a JSON number, numeric string, or null. Missing values become NaN.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = flexFloat(math.NaN())
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexFloat(parseFieldFloat(s))
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// ArchiveRow is one typed record of the window-statistics archive. Numeric fields that are
// absent in the source are NaN; use AsStat / AsFatigue to obtain validated views.
type ArchiveRow struct {
	Type          string
	Timestamp     string
	Device        string
	Channel       float64
	AccMax        float64
	AccMin        float64
	AccRMS        float64
	DispMax       float64
	DispMin       float64
	DispRMS       float64
	FatigueDmax   float64
	FatiguePhiDeg float64
	FatigueSaMax  float64
}

// archiveRowWire is the JSON shape served by the backend archive endpoint
type archiveRowWire struct {
	Type          string    `json:"type"`
	Timestamp     string    `json:"timestamp"`
	Device        string    `json:"device"`
	Channel       flexFloat `json:"channel"`
	AccMax        flexFloat `json:"acc_max"`
	AccMin        flexFloat `json:"acc_min"`
	AccRMS        flexFloat `json:"acc_rms"`
	DispMax       flexFloat `json:"disp_max"`
	DispMin       flexFloat `json:"disp_min"`
	DispRMS       flexFloat `json:"disp_rms"`
	FatigueDmax   flexFloat `json:"fatigue_Dmax"`
	FatiguePhiDeg flexFloat `json:"fatigue_phi_deg"`
	FatigueSaMax  flexFloat `json:"fatigue_Sa_max"`
}

// UnmarshalJSON fills absent numeric fields with NaN before decoding
func (r *ArchiveRow) UnmarshalJSON(data []byte) error {
	nan := flexFloat(math.NaN())
	w := archiveRowWire{
		Channel: nan, AccMax: nan, AccMin: nan, AccRMS: nan,
		DispMax: nan, DispMin: nan, DispRMS: nan,
		FatigueDmax: nan, FatiguePhiDeg: nan, FatigueSaMax: nan,
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = ArchiveRow{
		Type:          strings.ToLower(strings.TrimSpace(w.Type)),
		Timestamp:     strings.TrimSpace(w.Timestamp),
		Device:        w.Device,
		Channel:       float64(w.Channel),
		AccMax:        float64(w.AccMax),
		AccMin:        float64(w.AccMin),
		AccRMS:        float64(w.AccRMS),
		DispMax:       float64(w.DispMax),
		DispMin:       float64(w.DispMin),
		DispRMS:       float64(w.DispRMS),
		FatigueDmax:   float64(w.FatigueDmax),
		FatiguePhiDeg: float64(w.FatiguePhiDeg),
		FatigueSaMax:  float64(w.FatigueSaMax),
	}
	return nil
}

// StatRow is a validated "stat" row: one channel's window extremes
type StatRow struct {
	Time    time.Time
	Channel int
	AccMax  float64 // max(|acc_max|, |acc_min|)
	DispMax float64 // max(|disp_max|, |disp_min|)
}

// FatigueRow is a validated "fatigue" row: the scalar fatigue snapshot of one window
type FatigueRow struct {
	Timestamp string // Kept as written; rows are compared lexicographically
	Dmax      float64
	PhiDeg    float64
	SaMax     float64
}

// AsStat validates the row as a window statistic. Rows with another type, an unparseable
// timestamp, or a channel outside {0,1} are rejected.
func (r ArchiveRow) AsStat(loc *time.Location) (StatRow, bool) {
	if r.Type != RowTypeStat {
		return StatRow{}, false
	}
	if math.IsNaN(r.Channel) || math.IsInf(r.Channel, 0) {
		return StatRow{}, false
	}
	if r.Channel != 0 && r.Channel != 1 {
		return StatRow{}, false
	}
	ts, err := parseArchiveTimestamp(r.Timestamp, loc)
	if err != nil {
		return StatRow{}, false
	}
	return StatRow{
		Time:    ts,
		Channel: int(r.Channel),
		AccMax:  absMax(r.AccMax, r.AccMin),
		DispMax: absMax(r.DispMax, r.DispMin),
	}, true
}

// AsFatigue validates the row as a fatigue snapshot
func (r ArchiveRow) AsFatigue() (FatigueRow, bool) {
	if r.Type != RowTypeFatigue || r.Timestamp == "" {
		return FatigueRow{}, false
	}
	return FatigueRow{
		Timestamp: r.Timestamp,
		Dmax:      finiteOr(r.FatigueDmax, 0),
		PhiDeg:    finiteOr(r.FatiguePhiDeg, 0),
		SaMax:     finiteOr(r.FatigueSaMax, 0),
	}, true
}

// DecodeArchiveJSON decodes one day page served as a JSON array. Rows that do not decode are
// counted in skipped; only a body that is not an array fails.
func DecodeArchiveJSON(body []byte) ([]ArchiveRow, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 0, fmt.Errorf("%w: archive page: %v", ErrInvalidPayload, err)
	}

	rows := make([]ArchiveRow, 0, len(raw))
	skipped := 0
	for _, msg := range raw {
		var row ArchiveRow
		if err := json.Unmarshal(msg, &row); err != nil {
			skipped++
			continue
		}
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

// ParseArchiveCSV reads one day page written by the backend damage logger. The header row is
// required; columns are matched by name so column order does not matter. Records that cannot be
// read are counted in skipped and never abort the page.
func ParseArchiveCSV(r io.Reader) ([]ArchiveRow, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read archive header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	if _, ok := cols["type"]; !ok {
		return nil, 0, fmt.Errorf("archive header has no type column")
	}
	if _, ok := cols["timestamp"]; !ok {
		return nil, 0, fmt.Errorf("archive header has no timestamp column")
	}

	field := func(rec []string, name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[idx])
	}
	num := func(rec []string, name string) float64 {
		return parseFieldFloat(field(rec, name))
	}

	var rows []ArchiveRow
	skipped := 0
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				continue
			}
			return rows, skipped, fmt.Errorf("failed to read archive page: %w", err)
		}

		rows = append(rows, ArchiveRow{
			Type:          strings.ToLower(field(rec, "type")),
			Timestamp:     field(rec, "timestamp"),
			Device:        field(rec, "device"),
			Channel:       num(rec, "channel"),
			AccMax:        num(rec, "acc_max"),
			AccMin:        num(rec, "acc_min"),
			AccRMS:        num(rec, "acc_rms"),
			DispMax:       num(rec, "disp_max"),
			DispMin:       num(rec, "disp_min"),
			DispRMS:       num(rec, "disp_rms"),
			FatigueDmax:   num(rec, "fatigue_Dmax"),
			FatiguePhiDeg: num(rec, "fatigue_phi_deg"),
			FatigueSaMax:  num(rec, "fatigue_Sa_max"),
		})
	}

	return rows, skipped, nil
}

// parseArchiveTimestamp parses a row timestamp; zone-less forms are read in loc
func parseArchiveTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range archiveTimestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// parseFieldFloat parses a CSV/JSON numeric field. Empty, "None" and "null" are missing (NaN).
func parseFieldFloat(s string) float64 {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "none", "null", "nan":
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// absMax returns max(|a|, |b|) ignoring non-finite inputs; 0 when neither is finite
func absMax(a, b float64) float64 {
	out := 0.0
	for _, v := range [2]float64{a, b} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if av := math.Abs(v); av > out {
			out = av
		}
	}
	return out
}

// finiteOr returns v, or def when v is NaN or infinite
func finiteOr(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}
