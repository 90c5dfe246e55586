package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Profiles   []ScaleProfile   `yaml:"profiles"`
	Units      UnitConversion   `yaml:"units"`
	Devices    DevicesConfig    `yaml:"devices"`
	Wind       WindConfig       `yaml:"wind"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen              string   `yaml:"listen"`
	EnableCORS          bool     `yaml:"enable_cors"`
	TrustedProxyIPs     []string `yaml:"trusted_proxy_ips"`      // List of IPs/CIDRs to trust X-Real-IP header from
	RefreshRateLimitSec int      `yaml:"refresh_rate_limit_sec"` // Minimum seconds between manual refreshes per IP
	AccessLog           string   `yaml:"access_log"`             // Apache combined format access log (empty: disabled)

	trustedProxyNets []*net.IPNet // Parsed CIDR networks for trusted proxies (internal use)
}

// BackendConfig locates the acquisition backend HTTP API
type BackendConfig struct {
	BaseURL           string `yaml:"base_url"`            // e.g. http://127.0.0.1:5000
	RequestTimeoutSec int    `yaml:"request_timeout_sec"` // Per-request timeout
}

// ArchiveConfig selects where historical rows and damage curves are pulled from
type ArchiveConfig struct {
	Source       string `yaml:"source"`        // "http" (backend API) or "dir" (backend data directory)
	DataDir      string `yaml:"data_dir"`      // Backend data directory (dir source)
	ConfigFile   string `yaml:"config_file"`   // Backend config.json (dir source, optional)
	MaxPoints    int    `yaml:"max_points"`    // Point cap of the historical series
	LookbackDays int    `yaml:"lookback_days"` // Extra days fetched for the all-time fallback
	Timezone     string `yaml:"timezone"`      // IANA zone the backend writes timestamps in (default: local)
}

// DashboardConfig contains refresh cadences and engine settings
type DashboardConfig struct {
	HistoricalRefreshSec int    `yaml:"historical_refresh_sec"`
	WindRefreshSec       int    `yaml:"wind_refresh_sec"`
	FatigueRefreshSec    int    `yaml:"fatigue_refresh_sec"`
	ClockIntervalMS      int    `yaml:"clock_interval_ms"`
	DefaultProfile       string `yaml:"default_profile"`
	SequenceGuard        *bool  `yaml:"sequence_guard"` // Discard poll completions older than the last applied one (default: true)
	TrajectoryLowColor   string `yaml:"trajectory_low_color"`
	TrajectoryHighColor  string `yaml:"trajectory_high_color"`
	EventQueueSize       int    `yaml:"event_queue_size"`
}

// DevicesConfig selects which devices the dashboard follows
type DevicesConfig struct {
	Selected string   `yaml:"selected"` // Device shown in the dashboard (empty: first device heard)
	Fatigue  []string `yaml:"fatigue"`  // Devices whose fatigue curves are polled (empty: all known)
}

// WindConfig contains wind feed settings
type WindConfig struct {
	StatsWindow int `yaml:"stats_window"` // Samples kept for locally derived stats
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled            bool             `yaml:"enabled"`              // Enable/disable the MQTT push feed
	Broker             string           `yaml:"broker"`               // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username           string           `yaml:"username"`             // MQTT authentication username
	Password           string           `yaml:"password"`             // MQTT authentication password
	QoS                byte             `yaml:"qos"`                  // Subscription Quality of Service level (0, 1, or 2)
	Topics             MQTTTopicsConfig `yaml:"topics"`               // Feed topics; {device} matches one topic level
	SummaryEnabled     bool             `yaml:"summary_enabled"`      // Publish the dashboard summary
	SummaryTopic       string           `yaml:"summary_topic"`        // Topic for the summary
	SummaryIntervalSec int              `yaml:"summary_interval_sec"` // Summary publishing interval in seconds
	Retain             bool             `yaml:"retain"`               // Retain flag for summary messages
	TLS                MQTTTLSConfig    `yaml:"tls"`                  // TLS/SSL settings
}

// MQTTTopicsConfig lists the push feed topics
type MQTTTopicsConfig struct {
	Stream     string `yaml:"stream"`
	Spectrum   string `yaml:"spectrum"`
	WindSample string `yaml:"wind_sample"`
	WindStats  string `yaml:"wind_stats"`
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Enable/disable TLS
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// PrometheusConfig contains metrics endpoint settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string          `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics (empty: everyone)
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`   // Pushgateway configuration

	allowedNets []*net.IPNet // Parsed CIDR networks (internal use)
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled     bool   `yaml:"enabled"`      // Enable/disable pushing to Pushgateway
	URL         string `yaml:"url"`          // Pushgateway URL (e.g., http://pushgateway:9091)
	Job         string `yaml:"job"`          // Job name
	Instance    string `yaml:"instance"`     // Instance label and basic auth username
	Token       string `yaml:"token"`        // Basic auth password
	IntervalSec int    `yaml:"interval_sec"` // Push interval in seconds
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Parse trusted proxy IPs/CIDRs
	nets, err := parseIPNets(config.Server.TrustedProxyIPs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trusted_proxy_ips: %w", err)
	}
	config.Server.trustedProxyNets = nets

	// Parse Prometheus allowed hosts IPs/CIDRs
	if config.Prometheus.Enabled {
		nets, err := parseIPNets(config.Prometheus.AllowedHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
		config.Prometheus.allowedNets = nets
	}

	config.applyDefaults()
	return &config, nil
}

// applyDefaults fills every unset value
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.RefreshRateLimitSec == 0 {
		c.Server.RefreshRateLimitSec = 5
	}

	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://127.0.0.1:5000"
	}
	if c.Backend.RequestTimeoutSec == 0 {
		c.Backend.RequestTimeoutSec = 30
	}

	if c.Archive.Source == "" {
		c.Archive.Source = "http"
	}
	c.Archive.Source = strings.ToLower(c.Archive.Source)
	if c.Archive.MaxPoints == 0 {
		c.Archive.MaxPoints = DefaultMaxPoints
	}
	if c.Archive.LookbackDays == 0 {
		c.Archive.LookbackDays = 1
	}

	if c.Dashboard.HistoricalRefreshSec == 0 {
		c.Dashboard.HistoricalRefreshSec = 60
	}
	if c.Dashboard.WindRefreshSec == 0 {
		c.Dashboard.WindRefreshSec = 30
	}
	if c.Dashboard.FatigueRefreshSec == 0 {
		c.Dashboard.FatigueRefreshSec = 30
	}
	if c.Dashboard.ClockIntervalMS == 0 {
		c.Dashboard.ClockIntervalMS = 1000
	}
	// SequenceGuard defaults to true; YAML booleans default to false so a pointer tells them apart
	if c.Dashboard.SequenceGuard == nil {
		guard := true
		c.Dashboard.SequenceGuard = &guard
	}
	if c.Dashboard.TrajectoryLowColor == "" {
		c.Dashboard.TrajectoryLowColor = DefaultTrajectoryLowColor
	}
	if c.Dashboard.TrajectoryHighColor == "" {
		c.Dashboard.TrajectoryHighColor = DefaultTrajectoryHighColor
	}
	if c.Dashboard.EventQueueSize == 0 {
		c.Dashboard.EventQueueSize = DefaultEventQueueSize
	}

	if len(c.Profiles) == 0 {
		c.Profiles = DefaultProfiles()
	}
	defaults := DefaultUnitConversion()
	if c.Units.StandardGravity == 0 {
		c.Units.StandardGravity = defaults.StandardGravity
	}
	if c.Units.DisplacementToMM == 0 {
		c.Units.DisplacementToMM = defaults.DisplacementToMM
	}

	if c.Wind.StatsWindow == 0 {
		c.Wind.StatsWindow = DefaultWindStatsWindow
	}

	if c.MQTT.Topics.Stream == "" {
		c.MQTT.Topics.Stream = "towerdash/{device}/stream"
	}
	if c.MQTT.Topics.Spectrum == "" {
		c.MQTT.Topics.Spectrum = "towerdash/{device}/spectrum"
	}
	if c.MQTT.Topics.WindSample == "" {
		c.MQTT.Topics.WindSample = "towerdash/wind/sample"
	}
	if c.MQTT.Topics.WindStats == "" {
		c.MQTT.Topics.WindStats = "towerdash/wind/stats"
	}
	if c.MQTT.SummaryTopic == "" {
		c.MQTT.SummaryTopic = "towerdash/summary"
	}
	if c.MQTT.SummaryIntervalSec == 0 {
		c.MQTT.SummaryIntervalSec = 60
	}

	if c.Prometheus.Pushgateway.Job == "" {
		c.Prometheus.Pushgateway.Job = "towerdash"
	}
	if c.Prometheus.Pushgateway.IntervalSec == 0 {
		c.Prometheus.Pushgateway.IntervalSec = 60
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	switch c.Archive.Source {
	case "http":
		if c.Backend.BaseURL == "" {
			return fmt.Errorf("backend.base_url is required for the http archive source")
		}
	case "dir":
		if c.Archive.DataDir == "" {
			return fmt.Errorf("archive.data_dir is required for the dir archive source")
		}
	default:
		return fmt.Errorf("archive.source must be http or dir, got %q", c.Archive.Source)
	}
	if c.Archive.MaxPoints < 1 {
		return fmt.Errorf("archive.max_points must be at least 1")
	}
	if c.Archive.LookbackDays < 0 {
		return fmt.Errorf("archive.lookback_days must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("archive.timezone: %w", err)
	}
	if c.Dashboard.HistoricalRefreshSec < 1 || c.Dashboard.WindRefreshSec < 1 || c.Dashboard.FatigueRefreshSec < 1 {
		return fmt.Errorf("dashboard refresh intervals must be at least 1 second")
	}
	if c.Dashboard.ClockIntervalMS < 100 {
		return fmt.Errorf("dashboard.clock_interval_ms must be at least 100")
	}
	if _, err := NewTrajectoryPalette(c.Dashboard.TrajectoryLowColor, c.Dashboard.TrajectoryHighColor); err != nil {
		return fmt.Errorf("dashboard trajectory colours: %w", err)
	}
	if _, err := NewProfileRegistry(c.Profiles, c.Dashboard.DefaultProfile); err != nil {
		return fmt.Errorf("profiles: %w", err)
	}
	if c.Units.StandardGravity <= 0 || c.Units.DisplacementToMM <= 0 {
		return fmt.Errorf("units must be positive")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if c.Prometheus.Pushgateway.Enabled && c.Prometheus.Pushgateway.URL == "" {
		return fmt.Errorf("prometheus.pushgateway.url is required when the pushgateway is enabled")
	}
	return nil
}

// Location returns the timezone archive timestamps are interpreted in
func (c *Config) Location() (*time.Location, error) {
	if c.Archive.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Archive.Timezone)
}

// SequenceGuardEnabled reports whether stale poll completions are discarded
func (c *Config) SequenceGuardEnabled() bool {
	return c.Dashboard.SequenceGuard == nil || *c.Dashboard.SequenceGuard
}

// IsTrustedProxy checks if an IP address is in the trusted proxy list
func (sc *ServerConfig) IsTrustedProxy(ipStr string) bool {
	return ipInNets(ipStr, sc.trustedProxyNets)
}

// IsIPAllowed checks if an IP address may scrape metrics. An empty allow list admits everyone.
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.AllowedHosts) == 0 {
		return true
	}
	return ipInNets(ipStr, pc.allowedNets)
}

// parseIPNets parses a list of IPs/CIDRs into networks
func parseIPNets(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, ipStr := range entries {
		// Check if it's a CIDR notation
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			nets = append(nets, ipNet)
			continue
		}
		// Try parsing as a single IP address
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
		// Convert single IP to CIDR (/32 for IPv4, /128 for IPv6)
		var ipNet *net.IPNet
		if ip.To4() != nil {
			_, ipNet, _ = net.ParseCIDR(ipStr + "/32")
		} else {
			_, ipNet, _ = net.ParseCIDR(ipStr + "/128")
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func ipInNets(ipStr string, nets []*net.IPNet) bool {
	if len(nets) == 0 {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range nets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
