package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Version is reported by /api/system/status and the Pushgateway grouping
const Version = "v1.0.0"

// Global debug flag
var DebugMode bool

// Global start time for process uptime tracking
var StartTime time.Time

// Global config for trusted proxy IP checking
var globalConfig *Config

func main() {
	StartTime = time.Now()

	configDir := flag.String("config-dir", ".", "Directory containing configuration files")
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Set global debug mode - environment variable takes precedence over the flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	configPath := *configFile
	if *configDir != "." {
		configPath = filepath.Join(*configDir, *configFile)
	}
	config, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	globalConfig = config

	location, err := config.Location()
	if err != nil {
		log.Fatalf("Invalid archive timezone: %v", err)
	}
	profiles, err := NewProfileRegistry(config.Profiles, config.Dashboard.DefaultProfile)
	if err != nil {
		log.Fatalf("Invalid tower profiles: %v", err)
	}
	palette, err := NewTrajectoryPalette(config.Dashboard.TrajectoryLowColor, config.Dashboard.TrajectoryHighColor)
	if err != nil {
		log.Fatalf("Invalid trajectory colours: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *PrometheusMetrics
	if config.Prometheus.Enabled || config.Prometheus.Pushgateway.Enabled || config.MQTT.SummaryEnabled {
		metrics = NewPrometheusMetrics()
		log.Printf("Prometheus metrics enabled (allowed hosts: %v)", config.Prometheus.AllowedHosts)
	}
	metrics.StartPushgatewayWorker(ctx, config.Prometheus.Pushgateway)

	engine := NewEngine(EngineConfig{
		Device:        config.Devices.Selected,
		MaxPoints:     config.Archive.MaxPoints,
		Location:      location,
		Units:         config.Units,
		Palette:       palette,
		SequenceGuard: config.SequenceGuardEnabled(),
		WindWindow:    config.Wind.StatsWindow,
		QueueSize:     config.Dashboard.EventQueueSize,
	}, profiles, metrics)

	source, err := newArchiveSource(config, location)
	if err != nil {
		log.Fatalf("Failed to create archive source: %v", err)
	}

	poller := NewPoller(PollerConfig{
		HistoricalInterval: time.Duration(config.Dashboard.HistoricalRefreshSec) * time.Second,
		WindInterval:       time.Duration(config.Dashboard.WindRefreshSec) * time.Second,
		FatigueInterval:    time.Duration(config.Dashboard.FatigueRefreshSec) * time.Second,
		ClockInterval:      time.Duration(config.Dashboard.ClockIntervalMS) * time.Millisecond,
		LookbackDays:       config.Archive.LookbackDays,
		FatigueDevices:     config.Devices.Fatigue,
		Location:           location,
	}, engine, source, metrics)

	viewHandler := NewViewWebSocketHandler(engine, location, metrics)
	api := NewAPIHandler(config, engine, poller, source, metrics, location)
	api.StartCleanup(ctx.Done())

	mux := http.NewServeMux()
	api.Register(mux)
	mux.HandleFunc("/ws/view", viewHandler.HandleWebSocket)

	var handler http.Handler = corsMiddleware(config, mux)
	if config.Server.AccessLog != "" {
		logFile, err := os.OpenFile(config.Server.AccessLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open access log: %v", err)
		}
		defer logFile.Close()
		handler = httpLogger(logFile, handler)
		log.Printf("HTTP access logging enabled: %s", config.Server.AccessLog)
	}

	server := &http.Server{
		Addr:              config.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	poller.Start()

	if config.MQTT.Enabled {
		subscriber, err := NewMQTTFeedSubscriber(&config.MQTT, engine, metrics)
		if err != nil {
			log.Printf("Warning: Failed to initialize MQTT feeds: %v", err)
		} else {
			defer subscriber.Disconnect()
			if config.MQTT.SummaryEnabled {
				NewSummaryPublisher(subscriber.Client(), &config.MQTT, engine, metrics).Start(gctx)
			}
		}
	}

	g.Go(func() error {
		log.Printf("Server listening on %s", config.Server.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")

		poller.Stop()
		viewHandler.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error closing server: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server stopped")
}

// newArchiveSource builds the configured pull source
func newArchiveSource(config *Config, location *time.Location) (ArchiveSource, error) {
	switch config.Archive.Source {
	case "dir":
		log.Printf("Archive: Reading backend data directory %s", config.Archive.DataDir)
		return NewDirArchiveSource(config.Archive.DataDir, config.Archive.ConfigFile, location)
	default:
		log.Printf("Archive: Polling backend API at %s", config.Backend.BaseURL)
		return NewHTTPArchiveSource(config.Backend.BaseURL, time.Duration(config.Backend.RequestTimeoutSec)*time.Second)
	}
}
