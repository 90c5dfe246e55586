package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicFilter(t *testing.T) {
	assert.Equal(t, "towers/+/stream", topicFilter("towers/{device}/stream"))
	assert.Equal(t, "towers/wind/sample", topicFilter("towers/wind/sample"))
}

func TestDeviceFromTopic(t *testing.T) {
	assert.Equal(t, "dev1", deviceFromTopic("towers/{device}/stream", "towers/dev1/stream"))
	assert.Equal(t, "", deviceFromTopic("towers/{device}/stream", "towers/dev1/extra/stream"))
	assert.Equal(t, "", deviceFromTopic("towers/stream", "towers/stream"))
}

func TestDecodeStreamFrame(t *testing.T) {
	received := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("flat frame", func(t *testing.T) {
		frame, err := decodeStreamFrame("dev1", []byte(`{"acc_x":[1,2],"acc_y":[3],"disp_x":[0.1],"disp_y":[0.2],"effective_sample_rate":50}`), received)
		require.NoError(t, err)
		assert.Equal(t, "dev1", frame.Device)
		assert.Equal(t, []float64{1, 2}, frame.AccX)
		assert.Equal(t, 50.0, frame.SampleRate)
		assert.Equal(t, received, frame.Received)
	})

	t.Run("socket frame", func(t *testing.T) {
		frame, err := decodeStreamFrame("dev1", []byte(`{"device":"dev2","time_data":[[1],[2]],"displacement":[[0.1,0.2],[0.3]],"sample_rate":25}`), received)
		require.NoError(t, err)
		assert.Equal(t, "dev2", frame.Device)
		assert.Equal(t, []float64{1}, frame.AccX)
		assert.Equal(t, []float64{2}, frame.AccY)
		assert.Equal(t, []float64{0.1, 0.2}, frame.DispX)
		assert.Equal(t, []float64{0.3}, frame.DispY)
		assert.Equal(t, 25.0, frame.SampleRate)
	})

	t.Run("rejects", func(t *testing.T) {
		for _, payload := range []string{
			`not json`,
			`{"device":"dev1"}`,
			`{"acc_x":[1],"effective_sample_rate":-1}`,
		} {
			_, err := decodeStreamFrame("dev1", []byte(payload), received)
			assert.True(t, errors.Is(err, ErrInvalidPayload), payload)
		}
	})
}

func TestDecodeSpectrumFrame(t *testing.T) {
	received := time.Now()

	frame, err := decodeSpectrumFrame("dev1", []byte(`{"freq":[0,0.5],"spectra":[[1,2],[3,4]]}`), received)
	require.NoError(t, err)
	assert.Equal(t, "dev1", frame.Device)
	assert.Equal(t, []float64{0, 0.5}, frame.Frequencies)
	assert.Len(t, frame.Amplitudes, 2)

	frame, err = decodeSpectrumFrame("dev1", []byte(`{"df":0.25,"count":3,"values":{"x":[1,2,3],"y":[4,5,6]}}`), received)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.25, 0.5}, frame.Frequencies)
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, frame.Amplitudes)

	_, err = decodeSpectrumFrame("dev1", []byte(`{"df":0,"values":{"x":[1]}}`), received)
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	_, err = decodeSpectrumFrame("dev1", []byte(`{}`), received)
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestDecodeWindEvents(t *testing.T) {
	ev, err := decodeWindSampleEvent([]byte(`{"mode":"sim","ts":1700000000.5,"speed_mps":3.5,"direction_deg":-45}`))
	require.NoError(t, err)
	assert.True(t, ev.Connected)
	assert.Equal(t, "sim", ev.Mode)
	assert.Equal(t, 3.5, ev.Sample.SpeedMPS)
	assert.InDelta(t, 315.0, ev.Sample.DirectionDeg, 1e-9)
	assert.Equal(t, int64(1700000000), ev.Sample.Time.Unix())

	_, err = decodeWindSampleEvent([]byte(`{"connected":true,"speed_mps":null,"direction_deg":10}`))
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	stats, err := decodeWindStatsEvent([]byte(`{"connected":false,"mode":"rs485","stats":{"speed_mean":2,"speed_min":1,"speed_max":3,"direction_mean_deg":10,"n":60}}`))
	require.NoError(t, err)
	assert.False(t, stats.Connected)
	require.NotNil(t, stats.Stats)
	assert.Equal(t, 60, stats.Stats.Count)
	assert.Equal(t, 2.0, stats.Stats.SpeedMean)

	stats, err = decodeWindStatsEvent([]byte(`{"connected":true,"stats":{}}`))
	require.NoError(t, err)
	assert.Nil(t, stats.Stats)
}
