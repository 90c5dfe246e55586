package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// trajectorySmoothingWindow is the centered moving-average width applied to both axes
	trajectorySmoothingWindow = 5

	DefaultTrajectoryLowColor  = "#2b83ba"
	DefaultTrajectoryHighColor = "#d7191c"
)

// TrajectoryPoint is one smoothed displacement sample in the horizontal plane
type TrajectoryPoint struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Magnitude float64 `json:"r"`
	Direction float64 `json:"theta"` // Degrees in [0,360)
}

// TrajectorySegment joins two consecutive points and carries its gradient colour
type TrajectorySegment struct {
	From  [2]float64 `json:"from"`
	To    [2]float64 `json:"to"`
	Ratio float64    `json:"ratio"`
	Color string     `json:"color"`
}

// TrajectorySummary is the downsampled, smoothed trajectory of the latest stream frame.
// Placeholder is set when there is nothing meaningful to draw.
type TrajectorySummary struct {
	Placeholder  bool                `json:"placeholder"`
	Samples      int                 `json:"samples"` // Paired raw samples before downsampling
	Step         int                 `json:"step"`
	Points       []TrajectoryPoint   `json:"points,omitempty"`
	MaxMagnitude float64             `json:"max_magnitude"`
	MaxDirection float64             `json:"max_direction"`
	Segments     []TrajectorySegment `json:"segments,omitempty"`
}

// rgb is a parsed #rrggbb colour
type rgb [3]uint8

// TrajectoryPalette holds the two endpoint colours of the magnitude gradient
type TrajectoryPalette struct {
	low  rgb
	high rgb
}

// NewTrajectoryPalette parses the endpoint colours
func NewTrajectoryPalette(low, high string) (TrajectoryPalette, error) {
	l, err := parseHexColor(low)
	if err != nil {
		return TrajectoryPalette{}, fmt.Errorf("low colour: %w", err)
	}
	h, err := parseHexColor(high)
	if err != nil {
		return TrajectoryPalette{}, fmt.Errorf("high colour: %w", err)
	}
	return TrajectoryPalette{low: l, high: h}, nil
}

// DefaultTrajectoryPalette returns the blue-to-red gradient
func DefaultTrajectoryPalette() TrajectoryPalette {
	p, _ := NewTrajectoryPalette(DefaultTrajectoryLowColor, DefaultTrajectoryHighColor)
	return p
}

// Color interpolates linearly between the endpoints; ratio is clamped to [0,1]
func (p TrajectoryPalette) Color(ratio float64) string {
	if math.IsNaN(ratio) || ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}
	var c rgb
	for i := range c {
		v := float64(p.low[i]) + (float64(p.high[i])-float64(p.low[i]))*ratio
		c[i] = uint8(math.Round(v))
	}
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}

// BuildTrajectory turns the stream frame into a trajectory summary. dispFactor converts the raw
// displacement to display units and carries the active profile's displacement scale.
func BuildTrajectory(frame StreamFrame, dispFactor float64, palette TrajectoryPalette) TrajectorySummary {
	n := min(len(frame.DispX), len(frame.DispY))
	if n == 0 {
		return TrajectorySummary{Placeholder: true}
	}

	step := 1
	if sr := frame.SampleRate; !math.IsNaN(sr) && !math.IsInf(sr, 0) && sr > 1 {
		step = max(1, int(math.Round(sr)))
	}

	xs := make([]float64, 0, n/step+1)
	ys := make([]float64, 0, n/step+1)
	for i := 0; i < n; i += step {
		xs = append(xs, finiteOr(frame.DispX[i], 0)*dispFactor)
		ys = append(ys, finiteOr(frame.DispY[i], 0)*dispFactor)
	}

	summary := TrajectorySummary{Samples: n, Step: step}
	if len(xs) < 2 {
		summary.Placeholder = true
		return summary
	}

	xs = movingAverage(xs, trajectorySmoothingWindow)
	ys = movingAverage(ys, trajectorySmoothingWindow)

	mags := make([]float64, len(xs))
	summary.Points = make([]TrajectoryPoint, len(xs))
	for i := range xs {
		mags[i] = math.Hypot(xs[i], ys[i])
		summary.Points[i] = TrajectoryPoint{
			X:         xs[i],
			Y:         ys[i],
			Magnitude: mags[i],
			Direction: directionDegrees(xs[i], ys[i]),
		}
	}

	maxIdx := floats.MaxIdx(mags)
	summary.MaxMagnitude = mags[maxIdx]
	summary.MaxDirection = summary.Points[maxIdx].Direction

	// A motionless frame has nothing to grade; leave it to the placeholder renderer
	if summary.MaxMagnitude == 0 {
		summary.Placeholder = true
		return summary
	}

	summary.Segments = make([]TrajectorySegment, 0, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		ratio := magnitudeRatio(mags[i], summary.MaxMagnitude)
		summary.Segments = append(summary.Segments, TrajectorySegment{
			From:  [2]float64{xs[i-1], ys[i-1]},
			To:    [2]float64{xs[i], ys[i]},
			Ratio: ratio,
			Color: palette.Color(ratio),
		})
	}
	return summary
}

// movingAverage applies a centered window; windows shrink at the edges
func movingAverage(values []float64, window int) []float64 {
	half := window / 2
	out := make([]float64, len(values))
	for i := range values {
		lo := max(0, i-half)
		hi := min(len(values), i+half+1)
		out[i] = stat.Mean(values[lo:hi], nil)
	}
	return out
}

// magnitudeRatio is mag/maxMag clamped to [0,1], or 0 when maxMag is not positive
func magnitudeRatio(mag, maxMag float64) float64 {
	if maxMag <= 0 || math.IsNaN(mag) {
		return 0
	}
	return math.Max(0, math.Min(1, mag/maxMag))
}

// directionDegrees returns atan2(y, x) in degrees normalised to [0,360)
func directionDegrees(x, y float64) float64 {
	return normalizeDegrees(math.Atan2(y, x) * 180 / math.Pi)
}

func normalizeDegrees(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	if d >= 360 {
		d = 0
	}
	return d + 0 // folds -0 into 0
}

func parseHexColor(s string) (rgb, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return rgb{}, fmt.Errorf("expected #rrggbb, got %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return rgb{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return rgb{uint8(v >> 16), uint8(v >> 8), uint8(v)}, nil
}
