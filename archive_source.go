package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DefaultWindowSeconds is the display window used when the backend does not report one
const DefaultWindowSeconds = 30.0

// ArchiveSource is the pull side of the acquisition backend: the window-statistics archive, the
// persisted cumulative damage curves, the device configuration and the wind status.
type ArchiveSource interface {
	// FetchRows returns every row of the given day pages and how many rows could not be decoded.
	// Missing pages are not an error.
	FetchRows(ctx context.Context, device string, days []time.Time) ([]ArchiveRow, int, error)
	// FetchCumulativeDamage returns ErrNoCumulativeDamage when the device has no curve
	FetchCumulativeDamage(ctx context.Context, device string) (*DamageCurve, error)
	FetchDeviceConfig(ctx context.Context) (*DeviceConfig, error)
	FetchWindStatus(ctx context.Context) (*WindStatus, error)
}

// ChannelInfo describes one acquisition channel
type ChannelInfo struct {
	Name string `json:"name,omitempty"`
	Unit string `json:"unit,omitempty"`
}

// DeviceInfo is the scale- and label-relevant configuration of one device
type DeviceInfo struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	Channels    []ChannelInfo `json:"channels,omitempty"`
}

// ChannelUnits lists the channel units in channel order
func (d DeviceInfo) ChannelUnits() []string {
	units := make([]string, len(d.Channels))
	for i, ch := range d.Channels {
		units[i] = strings.ToLower(strings.TrimSpace(ch.Unit))
	}
	return units
}

// DeviceConfig is the backend configuration as far as the dashboard needs it
type DeviceConfig struct {
	SampleRate    float64               `json:"effective_sample_rate"`
	WindowSeconds float64               `json:"fft_window_s"`
	Devices       map[string]DeviceInfo `json:"devices"`
}

// UnmarshalJSON accepts the backend shape, where devices is keyed by name and the name is not
// repeated inside the entry
func (c *DeviceConfig) UnmarshalJSON(data []byte) error {
	var wire struct {
		SampleRate    flexFloat                  `json:"effective_sample_rate"`
		WindowSeconds flexFloat                  `json:"fft_window_s"`
		Devices       map[string]json.RawMessage `json:"devices"`
	}
	wire.SampleRate = flexFloat(math.NaN())
	wire.WindowSeconds = flexFloat(math.NaN())
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	cfg := DeviceConfig{
		SampleRate:    finiteOr(float64(wire.SampleRate), 0),
		WindowSeconds: finiteOr(float64(wire.WindowSeconds), 0),
		Devices:       make(map[string]DeviceInfo, len(wire.Devices)),
	}
	for name, raw := range wire.Devices {
		var info DeviceInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return fmt.Errorf("device %s: %w", name, err)
		}
		info.Name = name
		if info.DisplayName == "" {
			info.DisplayName = name
		}
		cfg.Devices[name] = info
	}
	*c = cfg
	return nil
}

// Device returns the entry for name, or a bare entry named after the device
func (c *DeviceConfig) Device(name string) DeviceInfo {
	if c != nil {
		if info, ok := c.Devices[name]; ok {
			return info
		}
	}
	return DeviceInfo{Name: name, DisplayName: name}
}

// Window returns the display window length
func (c *DeviceConfig) Window() float64 {
	if c == nil || c.WindowSeconds <= 0 {
		return DefaultWindowSeconds
	}
	return c.WindowSeconds
}

// DeviceNames returns the configured devices in sorted order
func (c *DeviceConfig) DeviceNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Devices))
	for name := range c.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WindStatus is the polled wind service state
type WindStatus struct {
	Enabled   bool
	Mode      string
	Connected bool
	Sample    *WindSample
	Stats     *WindStats
}

// windSampleWire is the backend wind sample: ts is epoch seconds
type windSampleWire struct {
	TS           flexFloat `json:"ts"`
	SpeedMPS     flexFloat `json:"speed_mps"`
	DirectionDeg flexFloat `json:"direction_deg"`
}

func (w windSampleWire) sample() (WindSample, bool) {
	speed, dir := float64(w.SpeedMPS), float64(w.DirectionDeg)
	if math.IsNaN(speed) || math.IsInf(speed, 0) || math.IsNaN(dir) || math.IsInf(dir, 0) {
		return WindSample{}, false
	}
	return WindSample{
		Time:         epochSeconds(float64(w.TS)),
		SpeedMPS:     speed,
		DirectionDeg: normalizeDegrees(dir),
	}, true
}

// windStatsWire is the backend stats object; an empty object means no stats yet
type windStatsWire struct {
	TSStart          flexFloat `json:"ts_start"`
	TSEnd            flexFloat `json:"ts_end"`
	SpeedMin         flexFloat `json:"speed_min"`
	SpeedMax         flexFloat `json:"speed_max"`
	SpeedMean        flexFloat `json:"speed_mean"`
	DirectionMeanDeg flexFloat `json:"direction_mean_deg"`
	N                int       `json:"n"`
}

func (w *windStatsWire) stats() *WindStats {
	if w == nil || math.IsNaN(float64(w.SpeedMean)) {
		return nil
	}
	return &WindStats{
		SpeedMin:         finiteOr(float64(w.SpeedMin), 0),
		SpeedMax:         finiteOr(float64(w.SpeedMax), 0),
		SpeedMean:        finiteOr(float64(w.SpeedMean), 0),
		DirectionMeanDeg: normalizeDegrees(finiteOr(float64(w.DirectionMeanDeg), 0)),
		Count:            w.N,
		Start:            epochSeconds(float64(w.TSStart)),
		End:              epochSeconds(float64(w.TSEnd)),
	}
}

func newWindStatsWire() *windStatsWire {
	nan := flexFloat(math.NaN())
	return &windStatsWire{TSStart: nan, TSEnd: nan, SpeedMin: nan, SpeedMax: nan, SpeedMean: nan, DirectionMeanDeg: nan}
}

func newWindSampleWire() *windSampleWire {
	nan := flexFloat(math.NaN())
	return &windSampleWire{TS: nan, SpeedMPS: nan, DirectionDeg: nan}
}

// decodeWindStatus parses the backend /api/wind document
func decodeWindStatus(data []byte) (*WindStatus, error) {
	var wire struct {
		Enabled   bool            `json:"enabled"`
		Mode      *string         `json:"mode"`
		Connected bool            `json:"connected"`
		Sample    json.RawMessage `json:"sample"`
		Stats     json.RawMessage `json:"stats"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: wind status: %v", ErrInvalidPayload, err)
	}

	status := &WindStatus{Enabled: wire.Enabled, Connected: wire.Connected}
	if wire.Mode != nil {
		status.Mode = *wire.Mode
	}
	if isJSONObject(wire.Sample) {
		sw := newWindSampleWire()
		if err := json.Unmarshal(wire.Sample, sw); err == nil {
			if s, ok := sw.sample(); ok {
				status.Sample = &s
			}
		}
	}
	if isJSONObject(wire.Stats) {
		stw := newWindStatsWire()
		if err := json.Unmarshal(wire.Stats, stw); err == nil {
			status.Stats = stw.stats()
		}
	}
	return status, nil
}

func isJSONObject(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return strings.HasPrefix(s, "{")
}

// epochSeconds converts fractional unix seconds; non-finite or zero gives the zero time
func epochSeconds(v float64) time.Time {
	if math.IsNaN(v) || math.IsInf(v, 0) || v == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9))
}
