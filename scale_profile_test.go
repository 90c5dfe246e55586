package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileRegistryDefaults(t *testing.T) {
	reg, err := NewProfileRegistry(DefaultProfiles(), "")
	require.NoError(t, err)

	assert.Equal(t, "tower-a", reg.Default().ID)
	assert.Len(t, reg.List(), 3)

	b, err := reg.Lookup("tower-b")
	require.NoError(t, err)
	assert.Equal(t, 1.15, b.VibScale)
	assert.Equal(t, 1.1, b.DispScale)
	assert.Equal(t, 1.2, b.FatigueScale)
}

func TestProfileRegistryUnknownID(t *testing.T) {
	reg, err := NewProfileRegistry(DefaultProfiles(), "tower-c")
	require.NoError(t, err)
	assert.Equal(t, "tower-c", reg.Default().ID)

	_, err = reg.Lookup("tower-z")
	assert.True(t, errors.Is(err, ErrUnknownProfile))

	_, err = NewProfileRegistry(DefaultProfiles(), "tower-z")
	assert.True(t, errors.Is(err, ErrUnknownProfile))
}

func TestProfileRegistryRejectsBadTables(t *testing.T) {
	tests := []struct {
		name     string
		profiles []ScaleProfile
	}{
		{"empty", nil},
		{"missing id", []ScaleProfile{{VibScale: 1, DispScale: 1, FatigueScale: 1}}},
		{"duplicate id", []ScaleProfile{
			{ID: "a", VibScale: 1, DispScale: 1, FatigueScale: 1},
			{ID: "a", VibScale: 1, DispScale: 1, FatigueScale: 1},
		}},
		{"zero scale", []ScaleProfile{{ID: "a", VibScale: 0, DispScale: 1, FatigueScale: 1}}},
		{"negative scale", []ScaleProfile{{ID: "a", VibScale: 1, DispScale: -1, FatigueScale: 1}}},
	}

	for _, test := range tests {
		_, err := NewProfileRegistry(test.profiles, "")
		assert.Error(t, err, test.name)
	}
}

func TestProfileRegistryListIsCopy(t *testing.T) {
	reg, err := NewProfileRegistry(DefaultProfiles(), "")
	require.NoError(t, err)

	list := reg.List()
	list[0].VibScale = 99
	assert.Equal(t, 1.0, reg.Default().VibScale)
}

func TestAccelerationFactor(t *testing.T) {
	uc := DefaultUnitConversion()
	assert.Equal(t, 9.80665, uc.AccelerationFactor("g"))
	assert.Equal(t, 9.80665, uc.AccelerationFactor(" G "))
	assert.Equal(t, 1.0, uc.AccelerationFactor("m/s^2"))
	assert.Equal(t, 1.0, uc.AccelerationFactor(""))
}
