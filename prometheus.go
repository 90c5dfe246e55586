package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PrometheusMetrics holds all Prometheus metric collectors of the dashboard. All methods are
// safe on a nil receiver so metrics can be disabled without guarding every call site.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Engine metrics
	engineEventsTotal     *prometheus.CounterVec // Events applied, by feed
	staleCompletionsTotal *prometheus.CounterVec // Poll completions discarded by the sequence guard
	rebuildSeconds        prometheus.Histogram   // Full view rebuild duration
	viewVersion           prometheus.Gauge
	lastRebuild           prometheus.Gauge // Unix timestamp of the last rebuild

	// Archive and fetch metrics
	archiveRowsAccepted prometheus.Gauge
	archiveRowsSkipped  prometheus.Gauge
	fetchTotal          *prometheus.CounterVec // Completed pulls, by feed
	fetchErrorsTotal    *prometheus.CounterVec // Failed pulls, by feed
	fetchSeconds        *prometheus.HistogramVec

	// View metrics
	seriesPoints        prometheus.Gauge
	windowVibMax        prometheus.Gauge
	windowDispEq        prometheus.Gauge
	trajectoryMax       prometheus.Gauge
	trajectoryDirection prometheus.Gauge
	fatigueDmax         *prometheus.GaugeVec // Scaled Dmax, by device
	fatigueCumMax       *prometheus.GaugeVec // Scaled cumulative damage maximum, by device
	windSpeed           prometheus.Gauge
	windDirection       prometheus.Gauge
	windConnected       prometheus.Gauge
	streamSamples       prometheus.Gauge

	// Push feed metrics
	mqttMessagesTotal   *prometheus.CounterVec // Messages received, by kind
	invalidPayloadTotal *prometheus.CounterVec // Payloads rejected at the boundary, by kind
	summaryPublishTotal *prometheus.CounterVec // Summary publishes, by result

	// WebSocket and HTTP metrics
	wsConnectionsTotal  prometheus.Counter
	wsActiveConnections prometheus.Gauge
	wsMessagesSentTotal *prometheus.CounterVec
	rateLimitedTotal    *prometheus.CounterVec

	// Pushgateway metrics
	pushgatewayPushesTotal   prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter

	mu sync.Mutex // Serialises per-device gauge resets
}

// NewPrometheusMetrics creates all metrics in a dedicated registry, together with the Go and
// process collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,

		engineEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "towerdash_engine_events_total",
				Help: "Events applied by the reconciliation engine",
			},
			[]string{"feed"},
		),
		staleCompletionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "towerdash_stale_completions_total",
				Help: "Poll completions discarded because a newer request was already applied",
			},
			[]string{"feed"},
		),
		rebuildSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "towerdash_rebuild_seconds",
				Help:    "Time to rebuild the full view state",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
		viewVersion: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_view_version",
				Help: "Version of the latest published view",
			},
		),
		lastRebuild: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_last_rebuild_timestamp",
				Help: "Unix timestamp of the latest view rebuild",
			},
		),

		archiveRowsAccepted: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_archive_rows_accepted",
				Help: "Window statistic rows accepted from the last archive refresh",
			},
		),
		archiveRowsSkipped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_archive_rows_skipped",
				Help: "Rows skipped in the last archive refresh",
			},
		),
		fetchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "towerdash_fetch_total",
				Help: "Completed archive pulls",
			},
			[]string{"feed"},
		),
		fetchErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "towerdash_fetch_errors_total",
				Help: "Failed archive pulls",
			},
			[]string{"feed"},
		),
		fetchSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "towerdash_fetch_seconds",
				Help:    "Duration of successful archive pulls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"feed"},
		),

		seriesPoints: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_series_points",
				Help: "Points in the visible historical series",
			},
		),
		windowVibMax: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_window_vib_max",
				Help: "Scaled peak acceleration of the latest window",
			},
		),
		windowDispEq: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_window_disp_eq_mm",
				Help: "Equivalent displacement of the latest window in mm",
			},
		),
		trajectoryMax: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_trajectory_max_magnitude_mm",
				Help: "Maximum trajectory magnitude of the latest stream frame in mm",
			},
		),
		trajectoryDirection: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_trajectory_max_direction_degrees",
				Help: "Direction of the maximum trajectory magnitude",
			},
		),
		fatigueDmax: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "towerdash_fatigue_dmax",
				Help: "Scaled maximum damage of the latest fatigue snapshot",
			},
			[]string{"device"},
		),
		fatigueCumMax: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "towerdash_fatigue_cum_max",
				Help: "Scaled maximum cumulative damage over all directions",
			},
			[]string{"device"},
		),
		windSpeed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_wind_speed_mps",
				Help: "Latest wind speed in m/s",
			},
		),
		windDirection: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_wind_direction_degrees",
				Help: "Latest wind direction",
			},
		),
		windConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_wind_connected",
				Help: "Wind sensor connectivity (1 = connected)",
			},
		),
		streamSamples: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_stream_samples",
				Help: "Paired displacement samples in the latest stream frame",
			},
		),

		mqttMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "towerdash_mqtt_messages_total",
				Help: "Push feed messages received",
			},
			[]string{"kind"},
		),
		invalidPayloadTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "towerdash_invalid_payloads_total",
				Help: "Push feed payloads rejected at the boundary",
			},
			[]string{"kind"},
		),
		summaryPublishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "towerdash_summary_publish_total",
				Help: "Summary publishes",
			},
			[]string{"result"},
		),

		wsConnectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "towerdash_websocket_connections_total",
				Help: "View WebSocket connections accepted",
			},
		),
		wsActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "towerdash_websocket_active_connections",
				Help: "Currently connected view WebSocket clients",
			},
		),
		wsMessagesSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "towerdash_websocket_messages_sent_total",
				Help: "Messages sent to view WebSocket clients",
			},
			[]string{"type"},
		),
		rateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "towerdash_rate_limited_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"endpoint"},
		),

		pushgatewayPushesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "towerdash_pushgateway_pushes_total",
				Help: "Pushgateway push attempts",
			},
		),
		pushgatewayFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "towerdash_pushgateway_failures_total",
				Help: "Failed Pushgateway pushes",
			},
		),
	}
}

// Gatherer returns the registry the metrics are collected in
func (pm *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	if pm == nil {
		return prometheus.NewRegistry()
	}
	return pm.registry
}

// Handler returns the /metrics handler
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.Gatherer(), promhttp.HandlerOpts{})
}

func (pm *PrometheusMetrics) RecordEngineEvent(feed string) {
	if pm == nil {
		return
	}
	pm.engineEventsTotal.WithLabelValues(feed).Inc()
}

func (pm *PrometheusMetrics) RecordStaleCompletion(feed string) {
	if pm == nil {
		return
	}
	pm.staleCompletionsTotal.WithLabelValues(feed).Inc()
}

func (pm *PrometheusMetrics) RecordArchiveRows(accepted, skipped int) {
	if pm == nil {
		return
	}
	pm.archiveRowsAccepted.Set(float64(accepted))
	pm.archiveRowsSkipped.Set(float64(skipped))
}

// RecordFetch records a completed pull; err marks it as failed
func (pm *PrometheusMetrics) RecordFetch(feed string, duration time.Duration, err error) {
	if pm == nil {
		return
	}
	if err != nil {
		pm.fetchErrorsTotal.WithLabelValues(feed).Inc()
		return
	}
	pm.fetchTotal.WithLabelValues(feed).Inc()
	pm.fetchSeconds.WithLabelValues(feed).Observe(duration.Seconds())
}

// RecordRebuild updates the view gauges from a freshly built snapshot
func (pm *PrometheusMetrics) RecordRebuild(view *ViewState, duration time.Duration) {
	if pm == nil || view == nil {
		return
	}

	pm.rebuildSeconds.Observe(duration.Seconds())
	pm.viewVersion.Set(float64(view.Version))
	pm.lastRebuild.Set(float64(time.Now().Unix()))

	pm.seriesPoints.Set(float64(len(view.Series)))
	pm.windowVibMax.Set(view.WindowKPI.VibMax)
	pm.windowDispEq.Set(view.WindowKPI.DispEq)
	pm.trajectoryMax.Set(view.Trajectory.MaxMagnitude)
	pm.trajectoryDirection.Set(view.Trajectory.MaxDirection)
	pm.streamSamples.Set(float64(view.Stream.DispPairs))

	if view.Wind.Connected {
		pm.windConnected.Set(1)
	} else {
		pm.windConnected.Set(0)
	}
	if view.Wind.Sample != nil {
		pm.windSpeed.Set(view.Wind.Sample.SpeedMPS)
		pm.windDirection.Set(view.Wind.Sample.DirectionDeg)
	}

	// Devices whose curve disappeared must not keep exporting their last value
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.fatigueDmax.Reset()
	pm.fatigueCumMax.Reset()
	for device, rec := range view.Fatigue {
		if rec.HasSnapshot {
			pm.fatigueDmax.WithLabelValues(device).Set(rec.Dmax)
		}
		pm.fatigueCumMax.WithLabelValues(device).Set(rec.CumMax)
	}
}

func (pm *PrometheusMetrics) RecordMQTTMessage(kind string) {
	if pm == nil {
		return
	}
	pm.mqttMessagesTotal.WithLabelValues(kind).Inc()
}

func (pm *PrometheusMetrics) RecordInvalidPayload(kind string) {
	if pm == nil {
		return
	}
	pm.invalidPayloadTotal.WithLabelValues(kind).Inc()
}

func (pm *PrometheusMetrics) RecordSummaryPublish(err error) {
	if pm == nil {
		return
	}
	if err != nil {
		pm.summaryPublishTotal.WithLabelValues("error").Inc()
		return
	}
	pm.summaryPublishTotal.WithLabelValues("ok").Inc()
}

// WebSocket connection tracking methods
func (pm *PrometheusMetrics) RecordWSConnection() {
	if pm == nil {
		return
	}
	pm.wsConnectionsTotal.Inc()
	pm.wsActiveConnections.Inc()
}

func (pm *PrometheusMetrics) RecordWSDisconnect() {
	if pm == nil {
		return
	}
	pm.wsActiveConnections.Dec()
}

func (pm *PrometheusMetrics) RecordWSMessageSent(msgType string) {
	if pm == nil {
		return
	}
	pm.wsMessagesSentTotal.WithLabelValues(msgType).Inc()
}

func (pm *PrometheusMetrics) RecordRateLimited(endpoint string) {
	if pm == nil {
		return
	}
	pm.rateLimitedTotal.WithLabelValues(endpoint).Inc()
}

// StartPushgatewayWorker starts a goroutine that periodically pushes metrics to Pushgateway
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config PushgatewayConfig) {
	if pm == nil || !config.Enabled {
		return
	}

	interval := time.Duration(config.IntervalSec) * time.Second
	log.Printf("Starting Pushgateway worker: URL=%s, Job=%s, Instance=%s, Interval=%s",
		config.URL, config.Job, config.Instance, interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		pushOnce := func() {
			pm.pushgatewayPushesTotal.Inc()
			if err := pm.pushToGateway(config); err != nil {
				pm.pushgatewayFailuresTotal.Inc()
				log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
			} else if DebugMode {
				log.Printf("DEBUG: Successfully pushed metrics to Pushgateway")
			}
		}

		// Push immediately on start
		pushOnce()
		for {
			select {
			case <-ctx.Done():
				log.Println("Pushgateway worker stopped")
				return
			case <-ticker.C:
				pushOnce()
			}
		}
	}()
}

// pushToGateway pushes the registry to the Pushgateway
func (pm *PrometheusMetrics) pushToGateway(config PushgatewayConfig) error {
	pusher := push.New(config.URL, config.Job).Gatherer(pm.registry)
	if config.Instance != "" {
		pusher = pusher.Grouping("instance", config.Instance)
		if config.Token != "" {
			pusher = pusher.BasicAuth(config.Instance, config.Token)
		}
	}
	pusher = pusher.Grouping("version", Version)

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	return nil
}
