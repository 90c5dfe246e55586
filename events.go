package main

import (
	"errors"
	"time"
)

// ErrInvalidPayload is returned when a pushed or pulled payload does not have the expected shape
var ErrInvalidPayload = errors.New("invalid payload")

// Feed names an independent input of the engine. Updates within one feed are applied in arrival
// order; there is no ordering between feeds.
type Feed string

const (
	FeedStream     Feed = "stream"
	FeedSpectrum   Feed = "spectrum"
	FeedWind       Feed = "wind"
	FeedHistorical Feed = "historical"
	FeedFatigue    Feed = "fatigue"
	FeedSelection  Feed = "selection"
	FeedClock      Feed = "clock"
)

// Event is one tagged input of the reconciliation loop
type Event interface {
	Feed() Feed
}

// StreamFrameEvent carries a live channel frame
type StreamFrameEvent struct {
	Frame StreamFrame
}

// SpectrumFrameEvent carries a display-only spectrum
type SpectrumFrameEvent struct {
	Frame SpectrumFrame
}

// WindSampleEvent carries one pushed wind sample
type WindSampleEvent struct {
	Connected bool
	Mode      string
	Sample    WindSample
}

// WindStatsEvent carries pushed wind stats; Stats is nil when the window was empty
type WindStatsEvent struct {
	Connected bool
	Mode      string
	Stats     *WindStats
}

// WindStatusEvent is the completion of a wind status poll
type WindStatusEvent struct {
	Seq    uint64
	Status WindStatus
}

// ArchiveRefreshedEvent is the completion of a historical archive fetch. DeviceConfig is nil when
// the configuration could not be fetched alongside.
type ArchiveRefreshedEvent struct {
	Seq          uint64
	Device       string
	Rows         []ArchiveRow
	Undecodable  int // Rows the source could not decode
	DeviceConfig *DeviceConfig
}

// FatigueRefreshedEvent is the completion of a fatigue poll. A nil curve means the device has no
// persisted curve; devices absent from Curves keep their previous curve.
type FatigueRefreshedEvent struct {
	Seq       uint64
	Curves    map[string]*DamageCurve
	Snapshots map[string]FatigueRow
}

// ProfileSelectedEvent activates a tower profile
type ProfileSelectedEvent struct {
	Profile ScaleProfile
}

// DateRangeSelectedEvent changes the visible date range
type DateRangeSelectedEvent struct {
	Selector DateRangeSelector
}

// ClockTickEvent advances the engine's notion of now
type ClockTickEvent struct {
	Now time.Time
}

func (StreamFrameEvent) Feed() Feed       { return FeedStream }
func (SpectrumFrameEvent) Feed() Feed     { return FeedSpectrum }
func (WindSampleEvent) Feed() Feed        { return FeedWind }
func (WindStatsEvent) Feed() Feed         { return FeedWind }
func (WindStatusEvent) Feed() Feed        { return FeedWind }
func (ArchiveRefreshedEvent) Feed() Feed  { return FeedHistorical }
func (FatigueRefreshedEvent) Feed() Feed  { return FeedFatigue }
func (ProfileSelectedEvent) Feed() Feed   { return FeedSelection }
func (DateRangeSelectedEvent) Feed() Feed { return FeedSelection }
func (ClockTickEvent) Feed() Feed         { return FeedClock }
