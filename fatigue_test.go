package main

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosePolarCurve(t *testing.T) {
	dirs, dmgs := ClosePolarCurve([]float64{10, 200, 50}, []float64{0.1, 0.4, 0.2})
	assert.Equal(t, []float64{10, 50, 200, 10}, dirs)
	assert.Equal(t, []float64{0.1, 0.2, 0.4, 0.1}, dmgs)
}

func TestClosePolarCurveDropsBadPairs(t *testing.T) {
	dirs, dmgs := ClosePolarCurve([]float64{90, math.NaN(), 0, 45}, []float64{1, 2, math.Inf(1)})
	assert.Equal(t, []float64{90, 90}, dirs)
	assert.Equal(t, []float64{1, 1}, dmgs)

	dirs, dmgs = ClosePolarCurve(nil, nil)
	assert.NotNil(t, dirs)
	assert.Empty(t, dirs)
	assert.Empty(t, dmgs)
}

func TestMergeFatigueWithoutCurve(t *testing.T) {
	_, err := MergeFatigue("dev1", &FatigueRow{Dmax: 1}, nil, 1)
	assert.True(t, errors.Is(err, ErrNoCumulativeDamage))
}

func TestMergeFatigueScales(t *testing.T) {
	curve := &DamageCurve{
		Timestamp:  "2024-01-01T00:00:00",
		Directions: []float64{10, 200, 50},
		Damages:    []float64{0.1, 0.4, 0.2},
	}
	snapshot := &FatigueRow{Timestamp: "2024-01-01 00:10:00", Dmax: 0.5, PhiDeg: 30, SaMax: 10}

	rec, err := MergeFatigue("dev1", snapshot, curve, 1.2)
	require.NoError(t, err)

	assert.True(t, rec.HasSnapshot)
	assert.InDelta(t, 0.6, rec.Dmax, 1e-12)
	assert.InDelta(t, 12.0, rec.SaMax, 1e-12)
	assert.Equal(t, 30.0, rec.PhiDeg)
	assert.Equal(t, []float64{10, 50, 200, 10}, rec.Directions)
	assert.InDeltaSlice(t, []float64{0.12, 0.24, 0.48, 0.12}, rec.Damages, 1e-12)
	assert.InDelta(t, 0.48, rec.CumMax, 1e-12)
	assert.Equal(t, 200.0, rec.CumMaxDirection)

	// The curve passed in is left untouched
	assert.Equal(t, []float64{0.1, 0.4, 0.2}, curve.Damages)
}

func TestMergeFatigueWithoutSnapshot(t *testing.T) {
	rec, err := MergeFatigue("dev1", nil, &DamageCurve{Directions: []float64{0}, Damages: []float64{1}}, 1)
	require.NoError(t, err)
	assert.False(t, rec.HasSnapshot)
	assert.Zero(t, rec.Dmax)
	assert.Equal(t, 1.0, rec.CumMax)
}
