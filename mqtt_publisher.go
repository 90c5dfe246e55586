package main

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	dto "github.com/prometheus/client_model/go"
)

// summaryMetricPrefix selects the dashboard's own metrics for the summary
const summaryMetricPrefix = "towerdash_"

// SummaryPublisher periodically publishes a compact dashboard summary over MQTT
type SummaryPublisher struct {
	client  mqtt.Client
	config  *MQTTConfig
	engine  *Engine
	metrics *PrometheusMetrics
}

// SummaryPayload is the summary message
type SummaryPayload struct {
	Timestamp int64                     `json:"timestamp"`
	Device    string                    `json:"device"`
	Profile   string                    `json:"profile"`
	WindowKPI WindowKPI                 `json:"window_kpi"`
	Fatigue   map[string]FatigueSummary `json:"fatigue,omitempty"`
	Wind      *WindSummary              `json:"wind,omitempty"`
	Metrics   map[string]float64        `json:"metrics,omitempty"`
}

// FatigueSummary is the per-device fatigue part of the summary
type FatigueSummary struct {
	Dmax   float64 `json:"dmax"`
	PhiDeg float64 `json:"phi_deg"`
	SaMax  float64 `json:"sa_max"`
	CumMax float64 `json:"d_cum_max"`
}

// WindSummary is the wind part of the summary
type WindSummary struct {
	Connected    bool     `json:"connected"`
	SpeedMPS     *float64 `json:"speed_mps,omitempty"`
	DirectionDeg *float64 `json:"direction_deg,omitempty"`
	SpeedMean    *float64 `json:"speed_mean,omitempty"`
}

// NewSummaryPublisher creates a publisher on an established connection
func NewSummaryPublisher(client mqtt.Client, config *MQTTConfig, engine *Engine, metrics *PrometheusMetrics) *SummaryPublisher {
	return &SummaryPublisher{
		client:  client,
		config:  config,
		engine:  engine,
		metrics: metrics,
	}
}

// Start publishes at the configured interval until ctx is done
func (sp *SummaryPublisher) Start(ctx context.Context) {
	go sp.run(ctx)
}

func (sp *SummaryPublisher) run(ctx context.Context) {
	interval := time.Duration(sp.config.SummaryIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("MQTT: Summary publisher started with %d second interval", sp.config.SummaryIntervalSec)

	// Publish immediately on start
	sp.publish(sp.buildPayload(time.Now()))

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Summary publisher stopped")
			return
		case t := <-ticker.C:
			sp.publish(sp.buildPayload(t))
		}
	}
}

// buildPayload summarises the current snapshot and the dashboard metrics
func (sp *SummaryPublisher) buildPayload(now time.Time) SummaryPayload {
	view := sp.engine.Snapshot()
	payload := SummaryPayload{
		Timestamp: now.Unix(),
		Device:    view.Device,
		Profile:   view.Profile.ID,
		WindowKPI: view.WindowKPI,
		Metrics:   gatherSummaryMetrics(sp.metrics),
	}

	if len(view.Fatigue) > 0 {
		payload.Fatigue = make(map[string]FatigueSummary, len(view.Fatigue))
		for device, rec := range view.Fatigue {
			payload.Fatigue[device] = FatigueSummary{
				Dmax:   rec.Dmax,
				PhiDeg: rec.PhiDeg,
				SaMax:  rec.SaMax,
				CumMax: rec.CumMax,
			}
		}
	}

	if view.Wind.Sample != nil || view.Wind.Stats != nil || view.Wind.Connected {
		wind := &WindSummary{Connected: view.Wind.Connected}
		if s := view.Wind.Sample; s != nil {
			speed, dir := s.SpeedMPS, s.DirectionDeg
			wind.SpeedMPS, wind.DirectionDeg = &speed, &dir
		}
		if st := view.Wind.Stats; st != nil {
			mean := st.SpeedMean
			wind.SpeedMean = &mean
		}
		payload.Wind = wind
	}
	return payload
}

// gatherSummaryMetrics flattens the dashboard's metrics into name_label_value keys
func gatherSummaryMetrics(pm *PrometheusMetrics) map[string]float64 {
	families, err := pm.Gatherer().Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return nil
	}

	out := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, summaryMetricPrefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			out[metricKey(name, m.GetLabel())] = value
		}
	}
	return out
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// metricKey appends the labels in name order so that keys are stable between publishes
func metricKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]*dto.LabelPair, len(labels))
	copy(pairs, labels)
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].GetName() < pairs[j].GetName() })

	var b strings.Builder
	b.WriteString(name)
	for _, l := range pairs {
		b.WriteString("_")
		b.WriteString(l.GetName())
		b.WriteString("_")
		b.WriteString(l.GetValue())
	}
	return b.String()
}

// publish sends the summary to the summary topic
func (sp *SummaryPublisher) publish(payload SummaryPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal summary: %v", err)
		sp.metrics.RecordSummaryPublish(err)
		return
	}

	token := sp.client.Publish(sp.config.SummaryTopic, sp.config.QoS, sp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", sp.config.SummaryTopic, token.Error())
		sp.metrics.RecordSummaryPublish(token.Error())
		return
	}
	sp.metrics.RecordSummaryPublish(nil)
}
