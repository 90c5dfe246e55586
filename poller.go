package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// PollerConfig holds the refresh cadences of the pull feeds
type PollerConfig struct {
	HistoricalInterval time.Duration
	WindInterval       time.Duration
	FatigueInterval    time.Duration
	ClockInterval      time.Duration
	LookbackDays       int
	FatigueDevices     []string // Devices whose fatigue is polled; empty means all known devices
	Location           *time.Location
}

// Poller drives the recurring timers of the dashboard. Each fetch runs in its own goroutine and
// submits its completion to the engine, so overlapping fetches are possible and are resolved by
// the engine's sequence guard.
type Poller struct {
	config  PollerConfig
	engine  *Engine
	source  ArchiveSource
	metrics *PrometheusMetrics

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	refresh chan struct{}
}

// NewPoller creates a poller feeding engine from source
func NewPoller(config PollerConfig, engine *Engine, source ArchiveSource, metrics *PrometheusMetrics) *Poller {
	if config.Location == nil {
		config.Location = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		config:  config,
		engine:  engine,
		source:  source,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		refresh: make(chan struct{}, 1),
	}
}

// Start fetches every feed once and starts the timers
func (p *Poller) Start() {
	log.Printf("Poller: Starting (historical=%s, wind=%s, fatigue=%s, clock=%s)",
		p.config.HistoricalInterval, p.config.WindInterval, p.config.FatigueInterval, p.config.ClockInterval)

	p.engine.OnSelectionChange(func(string, DateRangeSelector) {
		p.RequestRefresh()
	})

	p.loop(p.config.HistoricalInterval, p.refreshHistorical, p.refresh)
	p.loop(p.config.WindInterval, p.refreshWind, nil)
	p.loop(p.config.FatigueInterval, p.refreshFatigue, nil)
	p.clockLoop()
}

// Stop cancels in-flight fetches and waits for the timers to exit
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Println("Poller: Stopped")
}

// RequestRefresh triggers an immediate historical refresh. Requests made while one is pending
// are coalesced.
func (p *Poller) RequestRefresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// RefreshAll triggers an immediate historical refresh and a fatigue refresh
func (p *Poller) RefreshAll() {
	p.RequestRefresh()
	if p.ctx.Err() == nil {
		go p.refreshFatigue()
	}
}

// loop runs fetch now and then on every tick (and on every trigger). Fetches are not awaited.
func (p *Poller) loop(interval time.Duration, fetch func(), trigger <-chan struct{}) {
	if interval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		go fetch()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				go fetch()
			case <-trigger:
				go fetch()
			}
		}
	}()
}

func (p *Poller) clockLoop() {
	if p.config.ClockInterval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.ClockInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case t := <-ticker.C:
				p.submit(ClockTickEvent{Now: t})
			}
		}
	}()
}

func (p *Poller) submit(ev Event) {
	if err := p.engine.Submit(p.ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Warning: Poller: Failed to submit %s event: %v", ev.Feed(), err)
	}
}

// refreshHistorical pulls the pages of the active selection plus the lookback days
func (p *Poller) refreshHistorical() {
	seq := p.engine.NextSequence(FeedHistorical)
	start := time.Now()
	view := p.engine.Snapshot()

	var deviceConfig *DeviceConfig
	cfg, err := p.source.FetchDeviceConfig(p.ctx)
	switch {
	case err == nil:
		deviceConfig = cfg
	case errors.Is(err, ErrNotSupported):
	default:
		p.fetchFailed(FeedHistorical, "device config", err)
	}

	device := view.Device
	if device == "" && deviceConfig != nil {
		if names := deviceConfig.DeviceNames(); len(names) > 0 {
			device = names[0]
		}
	}
	if device == "" {
		if deviceConfig != nil {
			p.submit(ArchiveRefreshedEvent{Seq: seq, DeviceConfig: deviceConfig})
		}
		return
	}

	now := time.Now().In(p.config.Location)
	days := lookbackPages(view.Selector(), now, p.config.LookbackDays)
	rows, undecodable, err := p.source.FetchRows(p.ctx, device, days)
	if err != nil {
		p.fetchFailed(FeedHistorical, "archive rows", err)
		// The configuration alone is still worth applying
		if deviceConfig != nil {
			p.submit(ArchiveRefreshedEvent{Seq: seq, DeviceConfig: deviceConfig})
		}
		return
	}

	p.metrics.RecordFetch(string(FeedHistorical), time.Since(start), nil)
	if DebugMode {
		log.Printf("DEBUG: Poller: %s: %d rows from %d day pages in %s", device, len(rows), len(days), time.Since(start))
	}
	p.submit(ArchiveRefreshedEvent{Seq: seq, Device: device, Rows: rows, Undecodable: undecodable, DeviceConfig: deviceConfig})
}

// refreshWind pulls the wind service status
func (p *Poller) refreshWind() {
	seq := p.engine.NextSequence(FeedWind)
	start := time.Now()

	status, err := p.source.FetchWindStatus(p.ctx)
	if errors.Is(err, ErrNotSupported) {
		return
	}
	if err != nil {
		p.fetchFailed(FeedWind, "wind status", err)
		return
	}
	p.metrics.RecordFetch(string(FeedWind), time.Since(start), nil)
	p.submit(WindStatusEvent{Seq: seq, Status: *status})
}

// refreshFatigue pulls the cumulative damage curve and today's fatigue snapshot of every device
func (p *Poller) refreshFatigue() {
	seq := p.engine.NextSequence(FeedFatigue)
	start := time.Now()
	devices := p.fatigueDevices()
	if len(devices) == 0 {
		return
	}

	now := time.Now().In(p.config.Location)
	today := []time.Time{PinnedDay(now).Day}

	ev := FatigueRefreshedEvent{
		Seq:       seq,
		Curves:    make(map[string]*DamageCurve, len(devices)),
		Snapshots: make(map[string]FatigueRow, len(devices)),
	}
	failures := 0
	for _, device := range devices {
		curve, err := p.source.FetchCumulativeDamage(p.ctx, device)
		switch {
		case err == nil:
			ev.Curves[device] = curve
		case errors.Is(err, ErrNoCumulativeDamage):
			ev.Curves[device] = nil
		default:
			// Keep whatever curve the engine already has
			failures++
			p.fetchFailed(FeedFatigue, device+" damage curve", err)
		}

		rows, _, err := p.source.FetchRows(p.ctx, device, today)
		if err != nil {
			failures++
			p.fetchFailed(FeedFatigue, device+" fatigue rows", err)
			continue
		}
		if _, latest, _ := extractStatPoints(rows, p.config.Location); latest != nil {
			ev.Snapshots[device] = *latest
		}
	}

	if p.ctx.Err() != nil {
		return
	}
	if failures == 0 {
		p.metrics.RecordFetch(string(FeedFatigue), time.Since(start), nil)
	}
	p.submit(ev)
}

// fatigueDevices returns the configured fatigue devices, or every device the view knows about
func (p *Poller) fatigueDevices() []string {
	if len(p.config.FatigueDevices) > 0 {
		return p.config.FatigueDevices
	}
	view := p.engine.Snapshot()
	var devices []string
	for _, info := range view.Devices {
		devices = append(devices, info.Name)
	}
	if len(devices) == 0 && view.Device != "" {
		devices = append(devices, view.Device)
	}
	return devices
}

// fetchFailed logs a failed pull; prior state is retained by not submitting anything for it
func (p *Poller) fetchFailed(feed Feed, what string, err error) {
	if p.ctx.Err() != nil {
		return
	}
	p.metrics.RecordFetch(string(feed), 0, err)
	log.Printf("Warning: Poller: Failed to fetch %s: %v", what, err)
}
