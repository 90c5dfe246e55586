package main

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ErrNoCumulativeDamage is returned when a device has no persisted cumulative damage curve
var ErrNoCumulativeDamage = errors.New("no cumulative damage curve")

// DamageCurve is the persisted per-direction cumulative damage of one device, as written by
// the backend damage logger
type DamageCurve struct {
	Timestamp       string    `json:"timestamp"`
	Device          string    `json:"device"`
	Directions      []float64 `json:"phi_deg_list"`
	Damages         []float64 `json:"D_phi_cum"`
	CumMax          float64   `json:"D_cum_max"`
	CumMaxDirection float64   `json:"phi_deg_cum"`
}

// FatigueRecord is the merged, profile-scaled fatigue view of one device. Directions/Damages form
// a closed polar curve: the first pair is repeated at the end.
type FatigueRecord struct {
	Device          string    `json:"device"`
	HasSnapshot     bool      `json:"has_snapshot"`
	Timestamp       string    `json:"timestamp,omitempty"`
	Dmax            float64   `json:"dmax"`
	PhiDeg          float64   `json:"phi_deg"`
	SaMax           float64   `json:"sa_max"`
	CurveTimestamp  string    `json:"curve_timestamp,omitempty"`
	Directions      []float64 `json:"directions"`
	Damages         []float64 `json:"damages"`
	CumMax          float64   `json:"cum_max"`
	CumMaxDirection float64   `json:"cum_max_direction"`
}

// ClosePolarCurve sorts direction/damage pairs by ascending direction and appends the first pair
// again so the curve closes. Pairs with a non-finite member are dropped and surplus entries of the
// longer list are ignored. An empty pair list stays empty.
func ClosePolarCurve(directions, damages []float64) ([]float64, []float64) {
	type pair struct{ dir, dmg float64 }

	n := min(len(directions), len(damages))
	pairs := make([]pair, 0, n)
	for i := 0; i < n; i++ {
		d, v := directions[i], damages[i]
		if math.IsNaN(d) || math.IsInf(d, 0) || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		pairs = append(pairs, pair{d, v})
	}
	if len(pairs) == 0 {
		return []float64{}, []float64{}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].dir < pairs[j].dir
	})

	dirs := make([]float64, 0, len(pairs)+1)
	dmgs := make([]float64, 0, len(pairs)+1)
	for _, p := range pairs {
		dirs = append(dirs, p.dir)
		dmgs = append(dmgs, p.dmg)
	}
	dirs = append(dirs, pairs[0].dir)
	dmgs = append(dmgs, pairs[0].dmg)
	return dirs, dmgs
}

// MergeFatigue combines the latest fatigue snapshot with the persisted curve and applies the
// profile's fatigue scale to Dmax, SaMax and every cumulative damage value. A nil curve means the
// device has no fatigue entry at all.
func MergeFatigue(device string, snapshot *FatigueRow, curve *DamageCurve, fatigueScale float64) (FatigueRecord, error) {
	if curve == nil {
		return FatigueRecord{}, ErrNoCumulativeDamage
	}

	rec := FatigueRecord{
		Device:         device,
		CurveTimestamp: curve.Timestamp,
	}
	if snapshot != nil {
		rec.HasSnapshot = true
		rec.Timestamp = snapshot.Timestamp
		rec.Dmax = snapshot.Dmax * fatigueScale
		rec.PhiDeg = snapshot.PhiDeg
		rec.SaMax = snapshot.SaMax * fatigueScale
	}

	dirs, dmgs := ClosePolarCurve(curve.Directions, curve.Damages)
	floats.Scale(fatigueScale, dmgs)
	rec.Directions = dirs
	rec.Damages = dmgs

	// The closing pair duplicates the first one, so it never changes the maximum
	if len(dmgs) > 0 {
		idx := floats.MaxIdx(dmgs)
		rec.CumMax = dmgs[idx]
		rec.CumMaxDirection = dirs[idx]
	}
	return rec, nil
}
