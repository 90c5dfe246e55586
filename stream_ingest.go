package main

import (
	"time"
)

// StreamFrame is the latest live frame of one device: raw acceleration and displacement per axis
// and the effective sample rate. Axis arrays may differ in length.
type StreamFrame struct {
	Device     string    `json:"device"`
	AccX       []float64 `json:"acc_x"`
	AccY       []float64 `json:"acc_y"`
	DispX      []float64 `json:"disp_x"`
	DispY      []float64 `json:"disp_y"`
	SampleRate float64   `json:"effective_sample_rate"`
	Received   time.Time `json:"received"`
}

// SpectrumFrame is display-only frequency-domain data passed through to renderers
type SpectrumFrame struct {
	Device      string      `json:"device"`
	Frequencies []float64   `json:"freq"`
	Amplitudes  [][]float64 `json:"spectra"`
	Received    time.Time   `json:"received"`
}

// StreamStatus summarises the stream buffer for the view model
type StreamStatus struct {
	Bound      bool      `json:"bound"`
	Device     string    `json:"device,omitempty"`
	HasFrame   bool      `json:"has_frame"`
	SampleRate float64   `json:"sample_rate,omitempty"`
	AccSamples int       `json:"acc_samples"`  // Longer of the two axes, used for axis generation
	DispPairs  int       `json:"disp_pairs"`   // Shorter of the two axes, used for magnitude pairing
	Received   time.Time `json:"received,omitempty"`
}

// StreamIngest holds the live frame of exactly one device. The first device bound wins;
// later binds are no-ops. Only the newest frame is kept.
type StreamIngest struct {
	device   string
	bound    bool
	frame    *StreamFrame
	spectrum *SpectrumFrame
}

// NewStreamIngest creates an unbound ingest
func NewStreamIngest() *StreamIngest {
	return &StreamIngest{}
}

// Bind subscribes the ingest to a device. It returns true only for the call that bound it.
func (s *StreamIngest) Bind(device string) bool {
	if s.bound || device == "" {
		return false
	}
	s.device = device
	s.bound = true
	return true
}

// Device returns the bound device, or "" when unbound
func (s *StreamIngest) Device() string {
	return s.device
}

// ApplyFrame replaces the buffer with f. Frames of other devices are ignored.
func (s *StreamIngest) ApplyFrame(f StreamFrame) bool {
	if !s.accepts(f.Device) {
		return false
	}
	frame := f
	s.frame = &frame
	return true
}

// ApplySpectrum replaces the pass-through spectrum. Frames of other devices are ignored.
func (s *StreamIngest) ApplySpectrum(f SpectrumFrame) bool {
	if !s.accepts(f.Device) {
		return false
	}
	frame := f
	s.spectrum = &frame
	return true
}

// Frame returns the current buffer
func (s *StreamIngest) Frame() (StreamFrame, bool) {
	if s.frame == nil {
		return StreamFrame{}, false
	}
	return *s.frame, true
}

// Spectrum returns the latest pass-through spectrum
func (s *StreamIngest) Spectrum() (SpectrumFrame, bool) {
	if s.spectrum == nil {
		return SpectrumFrame{}, false
	}
	return *s.spectrum, true
}

// Status describes the buffer
func (s *StreamIngest) Status() StreamStatus {
	st := StreamStatus{Bound: s.bound, Device: s.device}
	if s.frame == nil {
		return st
	}
	st.HasFrame = true
	st.SampleRate = s.frame.SampleRate
	st.AccSamples = max(len(s.frame.AccX), len(s.frame.AccY))
	st.DispPairs = min(len(s.frame.DispX), len(s.frame.DispY))
	st.Received = s.frame.Received
	return st
}

// accepts reports whether a frame for device belongs to the bound device. An unbound ingest
// binds to the first device it hears from.
func (s *StreamIngest) accepts(device string) bool {
	if !s.bound {
		s.Bind(device)
	}
	return s.bound && (device == "" || device == s.device)
}
