package main

import (
	"math"
	"time"
)

// ScaledPoint is one timestep of the scaled historical series.
// DispEq is |Disp0| + |Disp1|, the directional-sum proxy for equivalent displacement.
type ScaledPoint struct {
	Time   time.Time `json:"time"`
	Vib0   float64   `json:"vib0"`
	Vib1   float64   `json:"vib1"`
	Disp0  float64   `json:"disp0"`
	Disp1  float64   `json:"disp1"`
	DispEq float64   `json:"disp_eq"`
}

// WindowKPI is the headline of the most recent window
type WindowKPI struct {
	Valid  bool      `json:"valid"`
	Time   time.Time `json:"time,omitempty"`
	VibMax float64   `json:"vib_max"` // max(vib0, vib1) of the last point
	DispEq float64   `json:"disp_eq"`
}

// ChannelScale is the per-channel multiplier for acceleration and displacement, combining the
// unit conversion with the active tower profile
type ChannelScale struct {
	Vib  [2]float64
	Disp [2]float64
}

// NewChannelScale builds the multipliers for a profile and the channel units reported by the
// device configuration (missing units mean the archive already holds m/s^2)
func NewChannelScale(p ScaleProfile, conv UnitConversion, channelUnits []string) ChannelScale {
	var cs ChannelScale
	for ch := 0; ch < 2; ch++ {
		unit := ""
		if ch < len(channelUnits) {
			unit = channelUnits[ch]
		}
		cs.Vib[ch] = conv.AccelerationFactor(unit) * p.VibScale
		cs.Disp[ch] = conv.DisplacementToMM * p.DispScale
	}
	return cs
}

// ScaleSeries applies unit conversion and the tower profile to merged points. It is a pure
// function of its inputs, so applying the same profile twice yields the same series.
func ScaleSeries(points []MergedPoint, cs ChannelScale) []ScaledPoint {
	out := make([]ScaledPoint, 0, len(points))
	for _, p := range points {
		sp := ScaledPoint{
			Time:  p.Time,
			Vib0:  finiteOr(p.AccMax[0]*cs.Vib[0], 0),
			Vib1:  finiteOr(p.AccMax[1]*cs.Vib[1], 0),
			Disp0: finiteOr(p.DispMax[0]*cs.Disp[0], 0),
			Disp1: finiteOr(p.DispMax[1]*cs.Disp[1], 0),
		}
		sp.DispEq = math.Abs(sp.Disp0) + math.Abs(sp.Disp1)
		out = append(out, sp)
	}
	return out
}

// ComputeWindowKPI summarises the last point of the series
func ComputeWindowKPI(series []ScaledPoint) WindowKPI {
	if len(series) == 0 {
		return WindowKPI{}
	}
	last := series[len(series)-1]
	return WindowKPI{
		Valid:  true,
		Time:   last.Time,
		VibMax: math.Max(last.Vib0, last.Vib1),
		DispEq: last.DispEq,
	}
}
