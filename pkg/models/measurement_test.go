package models

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeasurementKey_String(t *testing.T) {
	id := uuid.MustParse("6f2c1a52-8f3b-4a9b-9c1e-2f7a9d41c0de")

	assert.Equal(t, "PPA:12", MeasurementKey{SignalID: id, Source: "PPA", ID: 12}.String())
	assert.Equal(t, id.String(), MeasurementKey{SignalID: id}.String())
	assert.True(t, UndefinedKey.IsUndefined())
}

func TestParsePointID(t *testing.T) {
	source, id, err := ParsePointID("PPA:42")
	require.NoError(t, err)
	assert.Equal(t, "PPA", source)
	assert.Equal(t, uint64(42), id)

	for _, bad := range []string{"PPA", ":1", "PPA:", "PPA:x"} {
		_, _, err := ParsePointID(bad)
		assert.Error(t, err, bad)
	}
}

func TestMeasurement_IsNaN(t *testing.T) {
	assert.True(t, Measurement{Value: math.NaN()}.IsNaN())
	assert.True(t, Measurement{Value: math.Inf(-1)}.IsNaN())
	assert.False(t, Measurement{Value: 1}.IsNaN())
}

func TestNewFrame_LastWins(t *testing.T) {
	key := MeasurementKey{Source: "PPA", ID: 1}
	f := NewFrame(1000, []Measurement{
		{Key: key, Timestamp: 1000, Value: 1},
		{Key: key, Timestamp: 1000, Value: 2},
	})

	require.Len(t, f.Measurements, 1)
	assert.Equal(t, 2.0, f.Measurements[key].Value)
	assert.Len(t, f.List(), 1)
}

func TestStateFlags(t *testing.T) {
	f := OverRangeError | UpSampled

	assert.True(t, f.Has(UpSampled))
	assert.True(t, f.HasError())
	assert.False(t, UpSampled.HasError())
	assert.Equal(t, "OverRangeError|UpSampled", f.String())
	assert.Equal(t, "Normal", Normal.String())
}

func TestParseUnit(t *testing.T) {
	tests := []struct {
		in   string
		want Unit
	}{
		{"points", UnitPoints},
		{"point", UnitPoints},
		{"Seconds", Second},
		{"millisecond", Millisecond},
		{"microseconds", Microsecond},
		{"minutes", Minute},
		{"hour", Hour},
		{"days", Day},
	}
	for _, tt := range tests {
		got, err := ParseUnit(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseUnit("fortnight")
	assert.Error(t, err)
	assert.Equal(t, "seconds", Second.Name(true))
	assert.True(t, UnitPoints.IsPoints())
}
