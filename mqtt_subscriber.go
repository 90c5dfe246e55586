package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// deviceTopicLevel is the placeholder for the device name in configured topics
const deviceTopicLevel = "{device}"

// MQTTFeedSubscriber receives the push feeds (live stream, spectrum and wind) from the broker and
// submits them to the engine
type MQTTFeedSubscriber struct {
	client  mqtt.Client
	config  *MQTTConfig
	engine  *Engine
	metrics *PrometheusMetrics
	ctx     context.Context
	cancel  context.CancelFunc
}

// generateClientID creates a random client ID for the MQTT connection
func generateClientID() string {
	return "towerdash_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	// Client certificate is optional
	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTFeedSubscriber connects to the broker. Subscriptions are (re)made in the connect handler
// so that they survive reconnects.
func NewMQTTFeedSubscriber(config *MQTTConfig, engine *Engine, metrics *PrometheusMetrics) (*MQTTFeedSubscriber, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MQTTFeedSubscriber{
		config:  config,
		engine:  engine,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(true)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
		s.subscribe(client)
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)
	return s, nil
}

// Client returns the underlying connection, shared with the summary publisher
func (s *MQTTFeedSubscriber) Client() mqtt.Client {
	return s.client
}

// subscribe subscribes to every configured feed topic
func (s *MQTTFeedSubscriber) subscribe(client mqtt.Client) {
	feeds := []struct {
		pattern string
		handle  func(topic string, payload []byte) error
	}{
		{s.config.Topics.Stream, s.handleStream},
		{s.config.Topics.Spectrum, s.handleSpectrum},
		{s.config.Topics.WindSample, s.handleWindSample},
		{s.config.Topics.WindStats, s.handleWindStats},
	}

	for _, feed := range feeds {
		if feed.pattern == "" {
			continue
		}
		filter := topicFilter(feed.pattern)
		handle := feed.handle
		token := client.Subscribe(filter, s.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			if err := handle(msg.Topic(), msg.Payload()); err != nil {
				log.Printf("Warning: MQTT: Dropping message on %s: %v", msg.Topic(), err)
			}
		})
		if token.Wait() && token.Error() != nil {
			log.Printf("MQTT ERROR: Failed to subscribe to %s: %v", filter, token.Error())
			continue
		}
		if DebugMode {
			log.Printf("DEBUG: MQTT: Subscribed to %s", filter)
		}
	}
}

func (s *MQTTFeedSubscriber) handleStream(topic string, payload []byte) error {
	frame, err := decodeStreamFrame(deviceFromTopic(s.config.Topics.Stream, topic), payload, time.Now())
	if err != nil {
		s.metrics.RecordInvalidPayload("stream")
		return err
	}
	s.metrics.RecordMQTTMessage("stream")
	return s.engine.Submit(s.ctx, StreamFrameEvent{Frame: frame})
}

func (s *MQTTFeedSubscriber) handleSpectrum(topic string, payload []byte) error {
	frame, err := decodeSpectrumFrame(deviceFromTopic(s.config.Topics.Spectrum, topic), payload, time.Now())
	if err != nil {
		s.metrics.RecordInvalidPayload("spectrum")
		return err
	}
	s.metrics.RecordMQTTMessage("spectrum")
	return s.engine.Submit(s.ctx, SpectrumFrameEvent{Frame: frame})
}

func (s *MQTTFeedSubscriber) handleWindSample(_ string, payload []byte) error {
	ev, err := decodeWindSampleEvent(payload)
	if err != nil {
		s.metrics.RecordInvalidPayload("wind_sample")
		return err
	}
	s.metrics.RecordMQTTMessage("wind_sample")
	return s.engine.Submit(s.ctx, ev)
}

func (s *MQTTFeedSubscriber) handleWindStats(_ string, payload []byte) error {
	ev, err := decodeWindStatsEvent(payload)
	if err != nil {
		s.metrics.RecordInvalidPayload("wind_stats")
		return err
	}
	s.metrics.RecordMQTTMessage("wind_stats")
	return s.engine.Submit(s.ctx, ev)
}

// Disconnect gracefully disconnects from the MQTT broker
func (s *MQTTFeedSubscriber) Disconnect() {
	s.cancel()
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}

// topicFilter turns a configured topic into a subscription filter
func topicFilter(pattern string) string {
	return strings.ReplaceAll(pattern, deviceTopicLevel, "+")
}

// deviceFromTopic returns the level of topic that sits where pattern has {device}
func deviceFromTopic(pattern, topic string) string {
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return ""
	}
	for i, level := range want {
		if level == deviceTopicLevel {
			return got[i]
		}
	}
	return ""
}

// streamWire accepts both the flat per-axis frame and the socket frame, where channels arrive
// as time_data and the displacement track as displacement
type streamWire struct {
	Device              string      `json:"device"`
	AccX                []float64   `json:"acc_x"`
	AccY                []float64   `json:"acc_y"`
	DispX               []float64   `json:"disp_x"`
	DispY               []float64   `json:"disp_y"`
	TimeData            [][]float64 `json:"time_data"`
	Displacement        [][]float64 `json:"displacement"`
	EffectiveSampleRate *float64    `json:"effective_sample_rate"`
	SampleRate          *float64    `json:"sample_rate"`
}

// decodeStreamFrame parses a stream message. A device named in the payload wins over the topic.
func decodeStreamFrame(topicDevice string, data []byte, received time.Time) (StreamFrame, error) {
	var wire streamWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return StreamFrame{}, fmt.Errorf("%w: stream: %v", ErrInvalidPayload, err)
	}

	frame := StreamFrame{
		Device:   wire.Device,
		AccX:     wire.AccX,
		AccY:     wire.AccY,
		DispX:    wire.DispX,
		DispY:    wire.DispY,
		Received: received,
	}
	if frame.Device == "" {
		frame.Device = topicDevice
	}
	if frame.AccX == nil && len(wire.TimeData) > 0 {
		frame.AccX = wire.TimeData[0]
	}
	if frame.AccY == nil && len(wire.TimeData) > 1 {
		frame.AccY = wire.TimeData[1]
	}
	if frame.DispX == nil && len(wire.Displacement) > 0 {
		frame.DispX = wire.Displacement[0]
	}
	if frame.DispY == nil && len(wire.Displacement) > 1 {
		frame.DispY = wire.Displacement[1]
	}
	switch {
	case wire.EffectiveSampleRate != nil:
		frame.SampleRate = *wire.EffectiveSampleRate
	case wire.SampleRate != nil:
		frame.SampleRate = *wire.SampleRate
	}

	if frame.AccX == nil && frame.AccY == nil && frame.DispX == nil && frame.DispY == nil {
		return StreamFrame{}, fmt.Errorf("%w: stream: no channel data", ErrInvalidPayload)
	}
	if math.IsNaN(frame.SampleRate) || math.IsInf(frame.SampleRate, 0) || frame.SampleRate < 0 {
		return StreamFrame{}, fmt.Errorf("%w: stream: bad sample rate %v", ErrInvalidPayload, frame.SampleRate)
	}
	return frame, nil
}

// spectrumWire accepts {freq, spectra} and the compact {df, count, values:{x,y}} form
type spectrumWire struct {
	Device  string      `json:"device"`
	Freq    []float64   `json:"freq"`
	Spectra [][]float64 `json:"spectra"`
	DF      float64     `json:"df"`
	Count   int         `json:"count"`
	Values  *struct {
		X []float64 `json:"x"`
		Y []float64 `json:"y"`
	} `json:"values"`
}

// decodeSpectrumFrame parses a spectrum message
func decodeSpectrumFrame(topicDevice string, data []byte, received time.Time) (SpectrumFrame, error) {
	var wire spectrumWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return SpectrumFrame{}, fmt.Errorf("%w: spectrum: %v", ErrInvalidPayload, err)
	}

	frame := SpectrumFrame{
		Device:      wire.Device,
		Frequencies: wire.Freq,
		Amplitudes:  wire.Spectra,
		Received:    received,
	}
	if frame.Device == "" {
		frame.Device = topicDevice
	}

	if frame.Frequencies == nil && wire.Values != nil {
		count := wire.Count
		if count <= 0 {
			count = max(len(wire.Values.X), len(wire.Values.Y))
		}
		if wire.DF <= 0 {
			return SpectrumFrame{}, fmt.Errorf("%w: spectrum: df must be positive", ErrInvalidPayload)
		}
		frame.Frequencies = make([]float64, count)
		for i := range frame.Frequencies {
			frame.Frequencies[i] = float64(i) * wire.DF
		}
		frame.Amplitudes = [][]float64{wire.Values.X, wire.Values.Y}
	}

	if len(frame.Frequencies) == 0 {
		return SpectrumFrame{}, fmt.Errorf("%w: spectrum: no frequency axis", ErrInvalidPayload)
	}
	return frame, nil
}

// windEnvelope is the connectivity part shared by both wind events
type windEnvelope struct {
	Connected *bool           `json:"connected"`
	Mode      string          `json:"mode"`
	Stats     json.RawMessage `json:"stats"`
}

// connected treats a missing flag as connected: the message itself came from the feed
func (w windEnvelope) connected() bool {
	return w.Connected == nil || *w.Connected
}

// decodeWindSampleEvent parses {connected, mode, ts, speed_mps, direction_deg}
func decodeWindSampleEvent(data []byte) (WindSampleEvent, error) {
	var env windEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return WindSampleEvent{}, fmt.Errorf("%w: wind sample: %v", ErrInvalidPayload, err)
	}
	sw := newWindSampleWire()
	if err := json.Unmarshal(data, sw); err != nil {
		return WindSampleEvent{}, fmt.Errorf("%w: wind sample: %v", ErrInvalidPayload, err)
	}
	sample, ok := sw.sample()
	if !ok {
		return WindSampleEvent{}, fmt.Errorf("%w: wind sample: missing speed or direction", ErrInvalidPayload)
	}
	return WindSampleEvent{Connected: env.connected(), Mode: env.Mode, Sample: sample}, nil
}

// decodeWindStatsEvent parses {connected, mode, stats:{...}}; empty stats give a nil Stats
func decodeWindStatsEvent(data []byte) (WindStatsEvent, error) {
	var env windEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return WindStatsEvent{}, fmt.Errorf("%w: wind stats: %v", ErrInvalidPayload, err)
	}
	ev := WindStatsEvent{Connected: env.connected(), Mode: env.Mode}
	if isJSONObject(env.Stats) {
		stw := newWindStatsWire()
		if err := json.Unmarshal(env.Stats, stw); err != nil {
			return WindStatsEvent{}, fmt.Errorf("%w: wind stats: %v", ErrInvalidPayload, err)
		}
		ev.Stats = stw.stats()
	}
	return ev, nil
}
