package main

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePoints() []MergedPoint {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []MergedPoint{
		{Time: base, AccMax: [2]float64{2, 0.5}, DispMax: [2]float64{0.003, 0.004}},
		{Time: base.Add(10 * time.Minute), AccMax: [2]float64{1, 3}, DispMax: [2]float64{0.001, 0.002}},
	}
}

func TestScaleSeriesDispEq(t *testing.T) {
	profile := DefaultProfiles()[0]
	cs := NewChannelScale(profile, DefaultUnitConversion(), nil)

	series := ScaleSeries(samplePoints(), cs)
	require.Len(t, series, 2)
	for _, p := range series {
		assert.Equal(t, math.Abs(p.Disp0)+math.Abs(p.Disp1), p.DispEq)
	}
	assert.InDelta(t, 3.0, series[0].Disp0, 1e-9)
	assert.InDelta(t, 7.0, series[0].DispEq, 1e-9)
}

func TestScaleSeriesIsIdempotent(t *testing.T) {
	profile := DefaultProfiles()[1]
	cs := NewChannelScale(profile, DefaultUnitConversion(), []string{"g", ""})

	first := ScaleSeries(samplePoints(), cs)
	second := ScaleSeries(samplePoints(), cs)
	assert.Equal(t, first, second)
}

func TestProfileSwitchScalesVibration(t *testing.T) {
	profiles := DefaultProfiles()
	a := ScaleSeries(samplePoints(), NewChannelScale(profiles[0], DefaultUnitConversion(), nil))
	b := ScaleSeries(samplePoints(), NewChannelScale(profiles[1], DefaultUnitConversion(), nil))

	require.Len(t, b, len(a))
	for i := range a {
		assert.InDelta(t, a[i].Vib0*1.15, b[i].Vib0, 1e-12)
		assert.InDelta(t, a[i].Vib1*1.15, b[i].Vib1, 1e-12)
	}
}

func TestChannelUnitsInG(t *testing.T) {
	cs := NewChannelScale(DefaultProfiles()[0], DefaultUnitConversion(), []string{"g"})
	assert.Equal(t, 9.80665, cs.Vib[0])
	assert.Equal(t, 1.0, cs.Vib[1])
	assert.Equal(t, 1000.0, cs.Disp[1])
}

func TestComputeWindowKPI(t *testing.T) {
	assert.False(t, ComputeWindowKPI(nil).Valid)

	series := ScaleSeries(samplePoints(), NewChannelScale(DefaultProfiles()[0], DefaultUnitConversion(), nil))
	kpi := ComputeWindowKPI(series)
	assert.True(t, kpi.Valid)
	assert.Equal(t, 3.0, kpi.VibMax)
	assert.InDelta(t, 3.0, kpi.DispEq, 1e-9)
}
