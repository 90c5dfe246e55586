package main

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `type,timestamp,device,channel,acc_max,acc_min,acc_rms,disp_max,disp_min,disp_rms,fatigue_Dmax,fatigue_phi_deg,fatigue_Sa_max
stat,2024-01-01 00:00:00,dev1,0,1,-2,0.5,3,-1,1,,,
stat,2024-01-01 00:00:00,dev1,1,0.5,-0.2,0.1,1,-4,2,,,
fatigue,2024-01-01 00:00:00,dev1,,,,,,,,0.001,45,12.5
stat,"broken
`

func TestParseArchiveCSV(t *testing.T) {
	rows, skipped, err := ParseArchiveCSV(strings.NewReader(samplePage))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, rows, 3)

	assert.Equal(t, RowTypeStat, rows[0].Type)
	assert.Equal(t, "dev1", rows[0].Device)
	assert.Equal(t, -2.0, rows[0].AccMin)
	assert.True(t, math.IsNaN(rows[0].FatigueDmax))

	fr, ok := rows[2].AsFatigue()
	require.True(t, ok)
	assert.Equal(t, 0.001, fr.Dmax)
	assert.Equal(t, 45.0, fr.PhiDeg)
	assert.Equal(t, 12.5, fr.SaMax)
}

func TestParseArchiveCSVHeaderOnly(t *testing.T) {
	rows, skipped, err := ParseArchiveCSV(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, skipped)

	_, _, err = ParseArchiveCSV(strings.NewReader("device,channel\n"))
	assert.Error(t, err)
}

func TestArchiveRowAsStat(t *testing.T) {
	var row ArchiveRow
	require.NoError(t, json.Unmarshal([]byte(`{"type":"stat","timestamp":"2024-01-01T00:00:00","channel":"1","acc_max":0.5,"acc_min":-0.2,"disp_max":null,"disp_min":-4}`), &row))

	st, ok := row.AsStat(time.UTC)
	require.True(t, ok)
	assert.Equal(t, 1, st.Channel)
	assert.Equal(t, 0.5, st.AccMax)
	assert.Equal(t, 4.0, st.DispMax)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), st.Time)
}

func TestArchiveRowRejects(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"unknown type", `{"type":"other","timestamp":"2024-01-01T00:00:00","channel":0}`},
		{"channel out of range", `{"type":"stat","timestamp":"2024-01-01T00:00:00","channel":2}`},
		{"missing channel", `{"type":"stat","timestamp":"2024-01-01T00:00:00"}`},
		{"bad timestamp", `{"type":"stat","timestamp":"yesterday","channel":0}`},
	}

	for _, test := range tests {
		var row ArchiveRow
		require.NoError(t, json.Unmarshal([]byte(test.json), &row), test.name)
		_, ok := row.AsStat(time.UTC)
		assert.False(t, ok, test.name)
	}
}

func TestParseFieldFloat(t *testing.T) {
	assert.Equal(t, 1.5, parseFieldFloat(" 1.5 "))
	assert.True(t, math.IsNaN(parseFieldFloat("")))
	assert.True(t, math.IsNaN(parseFieldFloat("None")))
	assert.True(t, math.IsNaN(parseFieldFloat("abc")))
}
