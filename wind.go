package main

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultWindStatsWindow matches a 10 minute stats interval at one sample per second
const DefaultWindStatsWindow = 600

// WindSample is one anemometer reading
type WindSample struct {
	Time         time.Time `json:"ts"`
	SpeedMPS     float64   `json:"speed_mps"`
	DirectionDeg float64   `json:"direction_deg"`
}

// WindStats aggregates the samples of one stats window
type WindStats struct {
	SpeedMin         float64   `json:"speed_min"`
	SpeedMax         float64   `json:"speed_max"`
	SpeedMean        float64   `json:"speed_mean"`
	DirectionMeanDeg float64   `json:"direction_mean_deg"`
	Count            int       `json:"n"`
	Start            time.Time `json:"ts_start,omitempty"`
	End              time.Time `json:"ts_end,omitempty"`
}

// WindState is the wind portion of the view model. It does not depend on the tower profile.
type WindState struct {
	Connected    bool        `json:"connected"`
	Mode         string      `json:"mode,omitempty"` // "rs485" (live) or "sim"
	Sample       *WindSample `json:"sample,omitempty"`
	Stats        *WindStats  `json:"stats,omitempty"`
	StatsDerived bool        `json:"stats_derived"` // Stats computed locally from the sample window
}

// windTracker keeps the wind feed state and a bounded window of recent samples
type windTracker struct {
	state   WindState
	window  []WindSample
	maxSize int
	pushed  bool // A stats event has been received; local derivation stops
}

func newWindTracker(windowSize int) *windTracker {
	if windowSize <= 0 {
		windowSize = DefaultWindStatsWindow
	}
	return &windTracker{maxSize: windowSize}
}

// applySample records a sample and refreshes derived stats until the feed sends its own
func (w *windTracker) applySample(connected bool, mode string, s WindSample) {
	w.state.Connected = connected
	if mode != "" {
		w.state.Mode = mode
	}
	if math.IsNaN(s.SpeedMPS) || math.IsNaN(s.DirectionDeg) {
		return
	}
	sample := s
	w.state.Sample = &sample

	w.window = append(w.window, s)
	if len(w.window) > w.maxSize {
		w.window = w.window[len(w.window)-w.maxSize:]
	}

	if !w.pushed {
		if stats, ok := computeWindStats(w.window); ok {
			w.state.Stats = &stats
			w.state.StatsDerived = true
		}
	}
}

// applyStats installs stats pushed by the feed. A nil stats value only updates connectivity.
func (w *windTracker) applyStats(connected bool, mode string, stats *WindStats) {
	w.state.Connected = connected
	if mode != "" {
		w.state.Mode = mode
	}
	if stats == nil {
		return
	}
	st := *stats
	w.state.Stats = &st
	w.state.StatsDerived = false
	w.pushed = true
}

// applyStatus installs a polled status: connectivity, mode and whatever sample/stats it carries
func (w *windTracker) applyStatus(status WindStatus) {
	w.state.Connected = status.Connected
	if status.Mode != "" {
		w.state.Mode = status.Mode
	}
	if status.Sample != nil {
		s := *status.Sample
		w.state.Sample = &s
	}
	if status.Stats != nil {
		w.applyStats(status.Connected, status.Mode, status.Stats)
	}
}

func (w *windTracker) snapshot() WindState {
	st := w.state
	if st.Sample != nil {
		s := *st.Sample
		st.Sample = &s
	}
	if st.Stats != nil {
		s := *st.Stats
		st.Stats = &s
	}
	return st
}

// computeWindStats returns min/mean/max speed and the circular mean direction of samples
func computeWindStats(samples []WindSample) (WindStats, bool) {
	if len(samples) == 0 {
		return WindStats{}, false
	}
	speeds := make([]float64, len(samples))
	dirs := make([]float64, len(samples))
	for i, s := range samples {
		speeds[i] = s.SpeedMPS
		dirs[i] = s.DirectionDeg * math.Pi / 180
	}
	return WindStats{
		SpeedMin:         floats.Min(speeds),
		SpeedMax:         floats.Max(speeds),
		SpeedMean:        stat.Mean(speeds, nil),
		DirectionMeanDeg: circularMeanDegrees(dirs),
		Count:            len(samples),
		Start:            samples[0].Time,
		End:              samples[len(samples)-1].Time,
	}, true
}

// circularMeanDegrees takes angles in radians and returns their circular mean in [0,360).
// Opposing angles that cancel out give 0.
func circularMeanDegrees(radians []float64) float64 {
	var s, c float64
	for _, r := range radians {
		s += math.Sin(r)
		c += math.Cos(r)
	}
	if math.Abs(s) < 1e-12 && math.Abs(c) < 1e-12 {
		return 0
	}
	return normalizeDegrees(math.Atan2(s, c) * 180 / math.Pi)
}
