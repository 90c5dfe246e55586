package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultEventQueueSize is the capacity of the engine's inbound channel
const DefaultEventQueueSize = 256

// EngineConfig holds the static settings of the reconciliation engine
type EngineConfig struct {
	Device        string // Device to follow; empty binds to the first device heard
	MaxPoints     int
	Location      *time.Location
	Units         UnitConversion
	Palette       TrajectoryPalette
	SequenceGuard bool
	WindWindow    int
	QueueSize     int
}

// Engine owns all raw and derived state and applies events from a single inbound channel.
// Every applied event rebuilds the complete ViewState from the cached raw buffers.
type Engine struct {
	config   EngineConfig
	profiles *ProfileRegistry
	metrics  *PrometheusMetrics
	events   chan Event
	clock    func() time.Time

	// Loop-owned state; only touched from Apply
	profile      ScaleProfile
	selector     DateRangeSelector
	device       string
	now          time.Time
	historical   *HistoricalAggregator
	stream       *StreamIngest
	wind         *windTracker
	deviceConfig *DeviceConfig
	curves       map[string]*DamageCurve
	snapshots    map[string]FatigueRow
	applied      map[Feed]uint64
	version      uint64

	sequences map[Feed]*atomic.Uint64 // Read-only after construction
	view      atomic.Pointer[ViewState]
	spectrum  atomic.Pointer[SpectrumFrame]

	mu                sync.RWMutex // Protects handler lists
	viewHandlers      []func(*ViewState)
	spectrumHandlers  []func(SpectrumFrame)
	selectionHandlers []func(device string, sel DateRangeSelector)
}

// NewEngine creates an engine with the registry's default profile and the last-24-hours range
func NewEngine(config EngineConfig, profiles *ProfileRegistry, metrics *PrometheusMetrics) *Engine {
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultEventQueueSize
	}
	if config.Units == (UnitConversion{}) {
		config.Units = DefaultUnitConversion()
	}
	if config.Palette == (TrajectoryPalette{}) {
		config.Palette = DefaultTrajectoryPalette()
	}

	e := &Engine{
		config:     config,
		profiles:   profiles,
		metrics:    metrics,
		events:     make(chan Event, config.QueueSize),
		clock:      time.Now,
		profile:    profiles.Default(),
		selector:   Last24Hours(),
		device:     config.Device,
		historical: NewHistoricalAggregator(config.MaxPoints, config.Location),
		stream:     NewStreamIngest(),
		wind:       newWindTracker(config.WindWindow),
		curves:     make(map[string]*DamageCurve),
		snapshots:  make(map[string]FatigueRow),
		applied:    make(map[Feed]uint64),
		sequences:  make(map[Feed]*atomic.Uint64),
	}
	for _, feed := range []Feed{FeedHistorical, FeedFatigue, FeedWind} {
		e.sequences[feed] = &atomic.Uint64{}
	}
	if config.Device != "" {
		e.stream.Bind(config.Device)
	}
	e.now = e.clock().In(config.Location)
	e.rebuild()
	return e
}

// Run consumes events until ctx is cancelled. Apply must not be called while Run is active.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("Engine: Started (device=%q, profile=%s, sequence guard=%v)", e.device, e.profile.ID, e.config.SequenceGuard)
	for {
		select {
		case <-ctx.Done():
			log.Println("Engine: Stopped")
			return ctx.Err()
		case ev := <-e.events:
			e.Apply(ev)
		}
	}
}

// Submit queues an event for the loop, blocking until there is room or ctx is done. MQTT handlers
// call it on paho's ordered router goroutine, so they rely on the loop draining quickly.
func (e *Engine) Submit(ctx context.Context, ev Event) error {
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextSequence returns a new request sequence number for a polled feed
func (e *Engine) NextSequence(feed Feed) uint64 {
	if seq, ok := e.sequences[feed]; ok {
		return seq.Add(1)
	}
	return 0
}

// Snapshot returns the latest published view. It is never nil.
func (e *Engine) Snapshot() *ViewState {
	return e.view.Load()
}

// Spectrum returns the latest pass-through spectrum of the bound device
func (e *Engine) Spectrum() (SpectrumFrame, bool) {
	s := e.spectrum.Load()
	if s == nil {
		return SpectrumFrame{}, false
	}
	return *s, true
}

// Profiles returns the profile registry
func (e *Engine) Profiles() *ProfileRegistry {
	return e.profiles
}

// OnUpdate registers a handler called with every new snapshot. Handlers run on the engine loop
// and must not block.
func (e *Engine) OnUpdate(handler func(*ViewState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.viewHandlers = append(e.viewHandlers, handler)
}

// OnSpectrum registers a handler for pass-through spectrum frames
func (e *Engine) OnSpectrum(handler func(SpectrumFrame)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spectrumHandlers = append(e.spectrumHandlers, handler)
}

// OnSelectionChange registers a handler called when the followed device or the date range
// changes, so that pollers can fetch the pages the new selection needs
func (e *Engine) OnSelectionChange(handler func(device string, sel DateRangeSelector)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selectionHandlers = append(e.selectionHandlers, handler)
}

// SetActiveProfile validates id and queues the profile switch
func (e *Engine) SetActiveProfile(ctx context.Context, id string) error {
	profile, err := e.profiles.Lookup(id)
	if err != nil {
		return err
	}
	return e.Submit(ctx, ProfileSelectedEvent{Profile: profile})
}

// SetDateRange queues a date range change
func (e *Engine) SetDateRange(ctx context.Context, sel DateRangeSelector) error {
	if sel.Mode != RangeLast24h && sel.Mode != RangeDay {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidDateRange, sel.Mode)
	}
	return e.Submit(ctx, DateRangeSelectedEvent{Selector: sel})
}

// Apply applies one event and, when state changed, publishes a rebuilt snapshot.
// It reports whether a new snapshot was published.
func (e *Engine) Apply(ev Event) bool {
	e.metrics.RecordEngineEvent(string(ev.Feed()))

	deviceBefore, selectorBefore := e.device, e.selector
	changed := e.apply(ev)
	if !changed && e.device == deviceBefore {
		return false
	}
	e.rebuild()

	if e.device != deviceBefore || e.selector != selectorBefore {
		e.mu.RLock()
		handlers := e.selectionHandlers
		e.mu.RUnlock()
		for _, handler := range handlers {
			handler(e.device, e.selector)
		}
	}
	return true
}

func (e *Engine) apply(ev Event) bool {
	switch ev := ev.(type) {
	case StreamFrameEvent:
		if !e.stream.ApplyFrame(ev.Frame) {
			return false
		}
		e.adoptDevice(e.stream.Device())
		return true

	case SpectrumFrameEvent:
		if !e.stream.ApplySpectrum(ev.Frame) {
			return false
		}
		e.adoptDevice(e.stream.Device())
		frame, _ := e.stream.Spectrum()
		e.spectrum.Store(&frame)

		e.mu.RLock()
		handlers := e.spectrumHandlers
		e.mu.RUnlock()
		for _, handler := range handlers {
			handler(frame)
		}
		// Display only; the view does not change
		return false

	case WindSampleEvent:
		e.wind.applySample(ev.Connected, ev.Mode, ev.Sample)
		return true

	case WindStatsEvent:
		e.wind.applyStats(ev.Connected, ev.Mode, ev.Stats)
		return true

	case WindStatusEvent:
		if !e.accept(FeedWind, ev.Seq) {
			return false
		}
		e.wind.applyStatus(ev.Status)
		return true

	case ArchiveRefreshedEvent:
		if !e.accept(FeedHistorical, ev.Seq) {
			return false
		}
		if ev.DeviceConfig != nil {
			e.deviceConfig = ev.DeviceConfig
		}
		if ev.Device == "" {
			return ev.DeviceConfig != nil
		}
		if e.device != "" && ev.Device != e.device {
			if DebugMode {
				log.Printf("DEBUG: Engine: Dropping archive rows of %q, following %q", ev.Device, e.device)
			}
			return ev.DeviceConfig != nil
		}
		accepted, skipped := e.historical.Replace(ev.Rows)
		e.metrics.RecordArchiveRows(accepted, skipped+ev.Undecodable)
		if fr, ok := e.historical.LatestFatigue(); ok {
			e.updateSnapshot(ev.Device, fr)
		}
		e.adoptDevice(ev.Device)
		return true

	case FatigueRefreshedEvent:
		if !e.accept(FeedFatigue, ev.Seq) {
			return false
		}
		for device, curve := range ev.Curves {
			if curve == nil {
				delete(e.curves, device)
				continue
			}
			e.curves[device] = curve
		}
		for device, fr := range ev.Snapshots {
			e.updateSnapshot(device, fr)
		}
		return true

	case ProfileSelectedEvent:
		if ev.Profile == e.profile {
			return false
		}
		log.Printf("Engine: Tower profile %s -> %s", e.profile.ID, ev.Profile.ID)
		e.profile = ev.Profile
		return true

	case DateRangeSelectedEvent:
		if ev.Selector == e.selector {
			return false
		}
		e.selector = ev.Selector
		return true

	case ClockTickEvent:
		e.now = ev.Now.In(e.config.Location)
		return true
	}

	log.Printf("Warning: Engine: Unhandled event %T", ev)
	return false
}

// accept applies the sequence guard: completions older than the last applied one are dropped
func (e *Engine) accept(feed Feed, seq uint64) bool {
	if seq == 0 {
		return true
	}
	if e.config.SequenceGuard && seq <= e.applied[feed] {
		e.metrics.RecordStaleCompletion(string(feed))
		if DebugMode {
			log.Printf("DEBUG: Engine: Discarding stale %s completion #%d (last applied #%d)", feed, seq, e.applied[feed])
		}
		return false
	}
	if seq > e.applied[feed] {
		e.applied[feed] = seq
	}
	return true
}

// adoptDevice follows device when no device has been selected yet
func (e *Engine) adoptDevice(device string) {
	if e.device == "" && device != "" {
		e.device = device
		e.stream.Bind(device)
		log.Printf("Engine: Following device %s", device)
	}
}

// updateSnapshot keeps the newest fatigue row per device; timestamps are ISO-ordered strings
func (e *Engine) updateSnapshot(device string, fr FatigueRow) {
	if device == "" {
		return
	}
	if cur, ok := e.snapshots[device]; ok && cur.Timestamp >= fr.Timestamp {
		return
	}
	e.snapshots[device] = fr
}

// rebuild recomputes and publishes the snapshot
func (e *Engine) rebuild() {
	start := time.Now()

	var frame *StreamFrame
	if f, ok := e.stream.Frame(); ok {
		frame = &f
	}

	view := BuildViewState(ViewInput{
		Now:              e.now,
		Device:           e.device,
		Profile:          e.profile,
		Units:            e.config.Units,
		Palette:          e.config.Palette,
		Selector:         e.selector,
		Merged:           e.historical.Merge(e.selector, e.now),
		HistoricalLoaded: e.historical.Loaded(),
		Frame:            frame,
		Stream:           e.stream.Status(),
		DeviceConfig:     e.deviceConfig,
		Curves:           e.curves,
		Snapshots:        e.snapshots,
		Wind:             e.wind.snapshot(),
	})
	e.version++
	view.Version = e.version
	view.GeneratedAt = start

	e.view.Store(view)
	e.metrics.RecordRebuild(view, time.Since(start))

	e.mu.RLock()
	handlers := e.viewHandlers
	e.mu.RUnlock()
	for _, handler := range handlers {
		handler(view)
	}
}
