package main

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnknownProfile is returned when a tower profile id is not registered
var ErrUnknownProfile = errors.New("unknown tower profile")

// ScaleProfile is a named scale-factor bundle simulating per-structure calibration
type ScaleProfile struct {
	ID           string  `yaml:"id" json:"id"`
	Name         string  `yaml:"name" json:"name"`
	VibScale     float64 `yaml:"vib_scale" json:"vib_scale"`         // Applied to acceleration extremes
	DispScale    float64 `yaml:"disp_scale" json:"disp_scale"`       // Applied to displacement (series and trajectory)
	FatigueScale float64 `yaml:"fatigue_scale" json:"fatigue_scale"` // Applied to Dmax, cumulative damage and Sa_max
}

// UnitConversion holds the constants that turn archive units into display units
type UnitConversion struct {
	StandardGravity  float64 `yaml:"standard_gravity"`   // m/s^2 per g, used when a channel reports in g
	DisplacementToMM float64 `yaml:"displacement_to_mm"` // Archive displacement is in metres
}

// DefaultUnitConversion returns the constants used by the acquisition backend
func DefaultUnitConversion() UnitConversion {
	return UnitConversion{
		StandardGravity:  9.80665,
		DisplacementToMM: 1000.0,
	}
}

// AccelerationFactor returns the multiplier for an acceleration channel with the given unit
func (uc UnitConversion) AccelerationFactor(unit string) float64 {
	if strings.EqualFold(strings.TrimSpace(unit), "g") {
		return uc.StandardGravity
	}
	return 1.0
}

// DefaultProfiles returns the built-in tower table
func DefaultProfiles() []ScaleProfile {
	return []ScaleProfile{
		{ID: "tower-a", Name: "Tower A", VibScale: 1.0, DispScale: 1.0, FatigueScale: 1.0},
		{ID: "tower-b", Name: "Tower B", VibScale: 1.15, DispScale: 1.1, FatigueScale: 1.2},
		{ID: "tower-c", Name: "Tower C", VibScale: 0.9, DispScale: 0.95, FatigueScale: 0.85},
	}
}

// ProfileRegistry is the static table of tower profiles. It is read-only after construction,
// so lookups are safe from any goroutine.
type ProfileRegistry struct {
	profiles  []ScaleProfile
	byID      map[string]int
	defaultID string
}

// NewProfileRegistry validates the profile table and builds the lookup index.
// An empty defaultID selects the first profile.
func NewProfileRegistry(profiles []ScaleProfile, defaultID string) (*ProfileRegistry, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one tower profile is required")
	}

	reg := &ProfileRegistry{
		profiles: make([]ScaleProfile, 0, len(profiles)),
		byID:     make(map[string]int, len(profiles)),
	}

	for _, p := range profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("tower profile without id")
		}
		if _, dup := reg.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate tower profile id: %s", p.ID)
		}
		for name, v := range map[string]float64{"vib_scale": p.VibScale, "disp_scale": p.DispScale, "fatigue_scale": p.FatigueScale} {
			if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
				return nil, fmt.Errorf("tower profile %s: %s must be a positive number (got %v)", p.ID, name, v)
			}
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		reg.byID[p.ID] = len(reg.profiles)
		reg.profiles = append(reg.profiles, p)
	}

	if defaultID == "" {
		defaultID = reg.profiles[0].ID
	}
	if _, ok := reg.byID[defaultID]; !ok {
		return nil, fmt.Errorf("%w: default profile %s", ErrUnknownProfile, defaultID)
	}
	reg.defaultID = defaultID

	return reg, nil
}

// Lookup returns the profile with the given id
func (r *ProfileRegistry) Lookup(id string) (ScaleProfile, error) {
	idx, ok := r.byID[id]
	if !ok {
		return ScaleProfile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, id)
	}
	return r.profiles[idx], nil
}

// Default returns the profile active at startup
func (r *ProfileRegistry) Default() ScaleProfile {
	return r.profiles[r.byID[r.defaultID]]
}

// List returns a copy of the profile table in configuration order
func (r *ProfileRegistry) List() []ScaleProfile {
	out := make([]ScaleProfile, len(r.profiles))
	copy(out, r.profiles)
	return out
}
