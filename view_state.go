package main

import (
	"time"
)

// ViewState is the full-replacement snapshot read by renderers. A new value is built on every
// update; a published ViewState is never mutated.
type ViewState struct {
	Version          uint64                   `json:"version"`
	GeneratedAt      time.Time                `json:"generated_at"`
	Now              time.Time                `json:"now"`
	Device           string                   `json:"device"`
	DisplayName      string                   `json:"display_name"`
	WindowSeconds    float64                  `json:"window_seconds"`
	Profile          ScaleProfile             `json:"profile"`
	SelectedDate     DateDescriptor           `json:"selected_date"`
	HistoricalLoaded bool                     `json:"historical_loaded"`
	Series           []ScaledPoint            `json:"series"`
	WindowKPI        WindowKPI                `json:"window_kpi"`
	Trajectory       TrajectorySummary        `json:"trajectory"`
	Fatigue          map[string]FatigueRecord `json:"fatigue"`
	Wind             WindState                `json:"wind"`
	Stream           StreamStatus             `json:"stream"`
	Devices          []DeviceInfo             `json:"devices,omitempty"`

	selector DateRangeSelector
}

// Selector returns the date range the snapshot was built for
func (v *ViewState) Selector() DateRangeSelector {
	return v.selector
}

// ViewInput is everything a snapshot is computed from
type ViewInput struct {
	Now              time.Time
	Device           string
	Profile          ScaleProfile
	Units            UnitConversion
	Palette          TrajectoryPalette
	Selector         DateRangeSelector
	Merged           []MergedPoint
	HistoricalLoaded bool
	Frame            *StreamFrame
	Stream           StreamStatus
	DeviceConfig     *DeviceConfig
	Curves           map[string]*DamageCurve
	Snapshots        map[string]FatigueRow
	Wind             WindState
}

// BuildViewState recomputes every derived view from the raw inputs. It has no side effects and
// the same input always yields the same snapshot apart from Version and GeneratedAt.
func BuildViewState(in ViewInput) *ViewState {
	info := in.DeviceConfig.Device(in.Device)
	scale := NewChannelScale(in.Profile, in.Units, info.ChannelUnits())

	series := ScaleSeries(in.Merged, scale)

	trajectory := TrajectorySummary{Placeholder: true}
	if in.Frame != nil {
		frame := *in.Frame
		// Socket frames carry no rate; the backend configuration does
		if frame.SampleRate <= 0 && in.DeviceConfig != nil {
			frame.SampleRate = in.DeviceConfig.SampleRate
		}
		trajectory = BuildTrajectory(frame, in.Units.DisplacementToMM*in.Profile.DispScale, in.Palette)
	}

	fatigue := make(map[string]FatigueRecord, len(in.Curves))
	for device, curve := range in.Curves {
		var snapshot *FatigueRow
		if row, ok := in.Snapshots[device]; ok {
			snapshot = &row
		}
		rec, err := MergeFatigue(device, snapshot, curve, in.Profile.FatigueScale)
		if err != nil {
			continue
		}
		fatigue[device] = rec
	}

	var devices []DeviceInfo
	for _, name := range in.DeviceConfig.DeviceNames() {
		devices = append(devices, in.DeviceConfig.Devices[name])
	}

	return &ViewState{
		Now:              in.Now,
		Device:           in.Device,
		DisplayName:      info.DisplayName,
		WindowSeconds:    in.DeviceConfig.Window(),
		Profile:          in.Profile,
		SelectedDate:     in.Selector.Describe(in.Now),
		HistoricalLoaded: in.HistoricalLoaded,
		Series:           series,
		WindowKPI:        ComputeWindowKPI(series),
		Trajectory:       trajectory,
		Fatigue:          fatigue,
		Wind:             in.Wind,
		Stream:           in.Stream,
		Devices:          devices,
		selector:         in.Selector,
	}
}
