package main

import (
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labelPair(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: &name, Value: &value}
}

func TestMetricKeySortsLabels(t *testing.T) {
	assert.Equal(t, "towerdash_view_version", metricKey("towerdash_view_version", nil))
	assert.Equal(t, "m_a_1_b_2", metricKey("m", []*dto.LabelPair{labelPair("b", "2"), labelPair("a", "1")}))
}

func TestGatherSummaryMetrics(t *testing.T) {
	metrics := NewPrometheusMetrics()
	metrics.RecordMQTTMessage("stream")
	metrics.RecordMQTTMessage("stream")
	metrics.RecordInvalidPayload("spectrum")

	out := gatherSummaryMetrics(metrics)
	assert.Equal(t, 2.0, out["towerdash_mqtt_messages_total_kind_stream"])
	assert.Equal(t, 1.0, out["towerdash_invalid_payloads_total_kind_spectrum"])
	for key := range out {
		assert.True(t, strings.HasPrefix(key, summaryMetricPrefix), key)
	}

	assert.Empty(t, gatherSummaryMetrics(nil))
}

func TestSummaryPayloadFromSnapshot(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Device: "dev1"}, nil)
	e.Apply(archiveEvent(0, "dev1", 2))
	e.Apply(FatigueRefreshedEvent{
		Curves:    map[string]*DamageCurve{"dev1": {Directions: []float64{0, 90}, Damages: []float64{0.1, 0.4}}},
		Snapshots: map[string]FatigueRow{"dev1": {Timestamp: "2024-01-01T10:00:00", Dmax: 0.2, PhiDeg: 30, SaMax: 5}},
	})
	e.Apply(WindSampleEvent{Connected: true, Sample: WindSample{Time: engineNow, SpeedMPS: 6, DirectionDeg: 180}})

	sp := NewSummaryPublisher(nil, &MQTTConfig{}, e, nil)
	payload := sp.buildPayload(engineNow)

	assert.Equal(t, engineNow.Unix(), payload.Timestamp)
	assert.Equal(t, "dev1", payload.Device)
	assert.Equal(t, "tower-a", payload.Profile)
	assert.True(t, payload.WindowKPI.Valid)
	assert.InDelta(t, 2.0, payload.WindowKPI.VibMax, 1e-9)

	require.Contains(t, payload.Fatigue, "dev1")
	assert.Equal(t, 0.2, payload.Fatigue["dev1"].Dmax)
	assert.Equal(t, 0.4, payload.Fatigue["dev1"].CumMax)

	require.NotNil(t, payload.Wind)
	require.NotNil(t, payload.Wind.SpeedMPS)
	assert.Equal(t, 6.0, *payload.Wind.SpeedMPS)
}

func TestSummaryPayloadWithoutWind(t *testing.T) {
	e := newTestEngine(t, EngineConfig{}, nil)
	payload := NewSummaryPublisher(nil, &MQTTConfig{}, e, nil).buildPayload(time.Now())
	assert.Nil(t, payload.Wind)
	assert.Nil(t, payload.Fatigue)
}
