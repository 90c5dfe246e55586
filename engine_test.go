package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var engineNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, config EngineConfig, metrics *PrometheusMetrics) *Engine {
	t.Helper()
	profiles, err := NewProfileRegistry(DefaultProfiles(), "")
	require.NoError(t, err)
	if config.Location == nil {
		config.Location = time.UTC
	}
	e := NewEngine(config, profiles, metrics)
	e.Apply(ClockTickEvent{Now: engineNow})
	return e
}

func archiveEvent(seq uint64, device string, accMax float64) ArchiveRefreshedEvent {
	return ArchiveRefreshedEvent{
		Seq:    seq,
		Device: device,
		Rows: []ArchiveRow{
			statRow("2024-01-01T10:00:00", 0, accMax, 0, 0.002, 0),
			statRow("2024-01-01T10:00:00", 1, 1, 0, 0.001, 0),
		},
	}
}

func TestEngineInitialSnapshot(t *testing.T) {
	e := newTestEngine(t, EngineConfig{}, nil)

	view := e.Snapshot()
	require.NotNil(t, view)
	assert.Equal(t, "tower-a", view.Profile.ID)
	assert.True(t, view.Trajectory.Placeholder)
	assert.False(t, view.HistoricalLoaded)
	assert.Empty(t, view.Series)
	assert.False(t, view.WindowKPI.Valid)
	assert.Equal(t, RangeLast24h, view.SelectedDate.Mode)
	assert.Equal(t, DefaultWindowSeconds, view.WindowSeconds)

	_, ok := e.Spectrum()
	assert.False(t, ok)
}

func TestEngineProfileSwitchRescales(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Device: "dev1"}, nil)
	require.True(t, e.Apply(archiveEvent(1, "dev1", 2)))

	view := e.Snapshot()
	require.Len(t, view.Series, 1)
	assert.InDelta(t, 2.0, view.Series[0].Vib0, 1e-9)
	assert.InDelta(t, 3.0, view.Series[0].DispEq, 1e-9)
	versionBefore := view.Version

	towerB, err := e.Profiles().Lookup("tower-b")
	require.NoError(t, err)
	require.True(t, e.Apply(ProfileSelectedEvent{Profile: towerB}))

	view = e.Snapshot()
	assert.Greater(t, view.Version, versionBefore)
	assert.InDelta(t, 2.3, view.Series[0].Vib0, 1e-9)
	assert.InDelta(t, 3.3, view.Series[0].DispEq, 1e-9)

	// Re-selecting the active profile publishes nothing
	assert.False(t, e.Apply(ProfileSelectedEvent{Profile: towerB}))

	towerA, err := e.Profiles().Lookup("tower-a")
	require.NoError(t, err)
	e.Apply(ProfileSelectedEvent{Profile: towerA})
	assert.InDelta(t, 2.0, e.Snapshot().Series[0].Vib0, 1e-9)
}

func TestEngineSequenceGuardDropsStaleCompletion(t *testing.T) {
	metrics := NewPrometheusMetrics()
	e := newTestEngine(t, EngineConfig{Device: "dev1", SequenceGuard: true}, metrics)

	require.True(t, e.Apply(archiveEvent(2, "dev1", 5)))
	assert.False(t, e.Apply(archiveEvent(1, "dev1", 9)))

	assert.InDelta(t, 5.0, e.Snapshot().Series[0].Vib0, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.staleCompletionsTotal.WithLabelValues(string(FeedHistorical))))
}

func TestEngineWithoutSequenceGuardLastArrivalWins(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Device: "dev1"}, nil)

	require.True(t, e.Apply(archiveEvent(2, "dev1", 5)))
	require.True(t, e.Apply(archiveEvent(1, "dev1", 9)))

	assert.InDelta(t, 9.0, e.Snapshot().Series[0].Vib0, 1e-9)
}

func TestEngineNextSequence(t *testing.T) {
	e := newTestEngine(t, EngineConfig{}, nil)
	assert.Equal(t, uint64(1), e.NextSequence(FeedHistorical))
	assert.Equal(t, uint64(2), e.NextSequence(FeedHistorical))
	assert.Equal(t, uint64(1), e.NextSequence(FeedFatigue))
	assert.Equal(t, uint64(0), e.NextSequence(FeedStream))
}

func TestEngineBindsFirstStreamDevice(t *testing.T) {
	e := newTestEngine(t, EngineConfig{}, nil)

	var selections atomic.Int32
	var selected atomic.Value
	e.OnSelectionChange(func(device string, sel DateRangeSelector) {
		selections.Add(1)
		selected.Store(device)
	})

	frame := StreamFrame{Device: "dev9", DispX: []float64{0, 0.001}, DispY: []float64{0, 0.001}}
	require.True(t, e.Apply(StreamFrameEvent{Frame: frame}))

	view := e.Snapshot()
	assert.Equal(t, "dev9", view.Device)
	assert.True(t, view.Stream.Bound)
	assert.True(t, view.Stream.HasFrame)
	assert.Equal(t, int32(1), selections.Load())
	assert.Equal(t, "dev9", selected.Load())

	// Frames and archive pages of other devices are ignored
	other := StreamFrame{Device: "dev8", DispX: []float64{1}, DispY: []float64{1}}
	assert.False(t, e.Apply(StreamFrameEvent{Frame: other}))
	e.Apply(archiveEvent(0, "dev8", 4))
	assert.Empty(t, e.Snapshot().Series)
	assert.Equal(t, int32(1), selections.Load())
}

func TestEngineArchiveWithoutDeviceUpdatesConfig(t *testing.T) {
	e := newTestEngine(t, EngineConfig{}, nil)

	cfg := &DeviceConfig{
		SampleRate:    4,
		WindowSeconds: 60,
		Devices:       map[string]DeviceInfo{"dev1": {Name: "dev1", DisplayName: "Tower 1"}},
	}
	require.True(t, e.Apply(ArchiveRefreshedEvent{DeviceConfig: cfg}))
	assert.Equal(t, 60.0, e.Snapshot().WindowSeconds)
	assert.False(t, e.Snapshot().HistoricalLoaded)

	require.True(t, e.Apply(archiveEvent(0, "dev1", 1)))
	view := e.Snapshot()
	assert.Equal(t, "dev1", view.Device)
	assert.Equal(t, "Tower 1", view.DisplayName)
	require.Len(t, view.Devices, 1)
}

func TestEngineTrajectoryUsesConfiguredSampleRate(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Device: "dev1"}, nil)

	disp := make([]float64, 20)
	for i := range disp {
		disp[i] = float64(i+1) * 0.001
	}
	e.Apply(StreamFrameEvent{Frame: StreamFrame{Device: "dev1", DispX: disp, DispY: disp}})
	assert.Equal(t, 1, e.Snapshot().Trajectory.Step)

	e.Apply(ArchiveRefreshedEvent{DeviceConfig: &DeviceConfig{SampleRate: 4}})
	traj := e.Snapshot().Trajectory
	assert.Equal(t, 4, traj.Step)
	assert.Len(t, traj.Points, 5)
	assert.False(t, traj.Placeholder)
}

func TestEnginePinnedDayWithoutDataIsEmpty(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Device: "dev1"}, nil)
	e.Apply(archiveEvent(0, "dev1", 2))
	require.Len(t, e.Snapshot().Series, 1)

	var pages []DateRangeSelector
	e.OnSelectionChange(func(device string, sel DateRangeSelector) {
		pages = append(pages, sel)
	})

	pinned := PinnedDay(time.Date(2023, 12, 25, 0, 0, 0, 0, time.UTC))
	require.True(t, e.Apply(DateRangeSelectedEvent{Selector: pinned}))

	view := e.Snapshot()
	assert.Empty(t, view.Series)
	assert.False(t, view.WindowKPI.Valid)
	assert.True(t, view.SelectedDate.Pinned)
	assert.Equal(t, "2023-12-25", view.SelectedDate.Date)
	assert.Equal(t, []DateRangeSelector{pinned}, pages)

	assert.False(t, e.Apply(DateRangeSelectedEvent{Selector: pinned}))
}

func TestEngineRollingRangeFallsBackToAllData(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Device: "dev1"}, nil)
	e.Apply(archiveEvent(0, "dev1", 2))

	e.Apply(ClockTickEvent{Now: engineNow.Add(72 * time.Hour)})
	view := e.Snapshot()
	require.Len(t, view.Series, 1)
	assert.True(t, view.WindowKPI.Valid)
}

func TestEngineSpectrumIsPassThrough(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Device: "dev1"}, nil)

	var received []SpectrumFrame
	e.OnSpectrum(func(f SpectrumFrame) {
		received = append(received, f)
	})
	version := e.Snapshot().Version

	frame := SpectrumFrame{Device: "dev1", Frequencies: []float64{0, 1}, Amplitudes: [][]float64{{1, 2}}}
	assert.False(t, e.Apply(SpectrumFrameEvent{Frame: frame}))
	assert.Equal(t, version, e.Snapshot().Version)

	got, ok := e.Spectrum()
	require.True(t, ok)
	assert.Equal(t, []float64{0, 1}, got.Frequencies)
	require.Len(t, received, 1)

	// Spectra of other devices are dropped
	e.Apply(SpectrumFrameEvent{Frame: SpectrumFrame{Device: "dev2"}})
	assert.Len(t, received, 1)
}

func TestEngineFatigueRefresh(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Device: "dev1"}, nil)

	curve := &DamageCurve{Directions: []float64{0, 90}, Damages: []float64{0.1, 0.2}}
	require.True(t, e.Apply(FatigueRefreshedEvent{
		Curves:    map[string]*DamageCurve{"dev1": curve},
		Snapshots: map[string]FatigueRow{"dev1": {Timestamp: "2024-01-01T10:00:00", Dmax: 0.5, PhiDeg: 45, SaMax: 10}},
	}))

	rec, ok := e.Snapshot().Fatigue["dev1"]
	require.True(t, ok)
	assert.True(t, rec.HasSnapshot)
	assert.Equal(t, 0.5, rec.Dmax)
	assert.Equal(t, []float64{0, 90, 0}, rec.Directions)

	// An older snapshot does not replace the newer one
	e.Apply(FatigueRefreshedEvent{
		Snapshots: map[string]FatigueRow{"dev1": {Timestamp: "2024-01-01T09:00:00", Dmax: 0.1}},
	})
	assert.Equal(t, 0.5, e.Snapshot().Fatigue["dev1"].Dmax)

	// A nil curve removes the device
	e.Apply(FatigueRefreshedEvent{Curves: map[string]*DamageCurve{"dev1": nil}})
	assert.NotContains(t, e.Snapshot().Fatigue, "dev1")
}

func TestEngineWindEvents(t *testing.T) {
	e := newTestEngine(t, EngineConfig{WindWindow: 10}, nil)

	e.Apply(WindSampleEvent{Connected: true, Mode: "rs485", Sample: WindSample{Time: engineNow, SpeedMPS: 4, DirectionDeg: 90}})
	wind := e.Snapshot().Wind
	assert.True(t, wind.Connected)
	require.NotNil(t, wind.Sample)
	assert.Equal(t, 4.0, wind.Sample.SpeedMPS)
}

func TestEngineSelectionCommands(t *testing.T) {
	e := newTestEngine(t, EngineConfig{}, nil)
	ctx := context.Background()

	err := e.SetActiveProfile(ctx, "tower-z")
	assert.True(t, errors.Is(err, ErrUnknownProfile))

	require.NoError(t, e.SetActiveProfile(ctx, "tower-c"))
	ev := <-e.events
	assert.Equal(t, "tower-c", ev.(ProfileSelectedEvent).Profile.ID)

	err = e.SetDateRange(ctx, DateRangeSelector{Mode: "week"})
	assert.True(t, errors.Is(err, ErrInvalidDateRange))
}

func TestEngineRun(t *testing.T) {
	e := newTestEngine(t, EngineConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx)
	}()

	require.NoError(t, e.SetActiveProfile(ctx, "tower-b"))
	require.Eventually(t, func() bool {
		return e.Snapshot().Profile.ID == "tower-b"
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngineCountsUndecodableArchiveRows(t *testing.T) {
	metrics := NewPrometheusMetrics()
	e := newTestEngine(t, EngineConfig{Device: "dev1"}, metrics)

	ev := archiveEvent(1, "dev1", 2)
	ev.Undecodable = 2
	require.True(t, e.Apply(ev))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.archiveRowsSkipped))
	assert.Len(t, e.Snapshot().Series, 1)
}

func TestEngineStreamFrameWithUnequalAxes(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Device: "dev1"}, nil)

	frame := StreamFrame{
		Device: "dev1",
		AccX:   make([]float64, 8),
		AccY:   make([]float64, 12),
		DispX:  make([]float64, 10),
		DispY:  make([]float64, 6),
	}
	for i := range frame.DispX {
		frame.DispX[i] = 0.001 * float64(i+1)
	}
	for i := range frame.DispY {
		frame.DispY[i] = 0.001
	}
	require.True(t, e.Apply(StreamFrameEvent{Frame: frame}))

	view := e.Snapshot()
	assert.Equal(t, 12, view.Stream.AccSamples)
	assert.Equal(t, 6, view.Stream.DispPairs)
	assert.Equal(t, 6, view.Trajectory.Samples)
	assert.Len(t, view.Trajectory.Points, 6)
}
