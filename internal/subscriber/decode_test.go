package subscriber

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/eca/pkg/models"
)

var sid = uuid.MustParse("6f2c1a9e-0d4b-4c1e-9f5e-2b7a8c3d4e5f")

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestNormalizeTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		want int64
	}{
		{"absent", 0, 0},
		{"seconds", 1_704_499_200, 1_704_499_200_000_000},
		{"milliseconds", 1_704_499_200_123, 1_704_499_200_123_000},
		{"microseconds", 1_704_499_200_123_456, 1_704_499_200_123_456},
		{"nanoseconds", 1_704_499_200_123_456_789, 1_704_499_200_123_456},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeTimestamp(tt.in))
		})
	}
}

func TestDecodeFrame_MsgPack(t *testing.T) {
	v := 59.98
	payload, err := msgpack.Marshal(&wireFrame{
		Time: 1_704_499_200_000,
		Measurements: []wireMeasurement{
			{ID: sid.String(), Point: "PPA:3", Value: &v, Flags: uint32(models.UpSampled)},
			{Point: "PPA:4", Time: 1_704_499_199_900},
		},
	})
	require.NoError(t, err)

	frame, err := DecodeFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1_704_499_200_000_000), frame.Timestamp)
	require.Len(t, frame.Measurements, 2)

	m := frame.Measurements[models.MeasurementKey{SignalID: sid, Source: "PPA", ID: 3}]
	assert.Equal(t, 59.98, m.Value)
	assert.Equal(t, int64(1_704_499_200_000_000), m.Timestamp)
	assert.True(t, m.Flags.Has(models.UpSampled))

	m = frame.Measurements[models.MeasurementKey{Source: "PPA", ID: 4}]
	assert.True(t, math.IsNaN(m.Value))
	assert.Equal(t, int64(1_704_499_199_900_000), m.Timestamp)
}

func TestDecodeFrame_GzipJSON(t *testing.T) {
	data, err := json.Marshal(map[string]any{
		"m": []map[string]any{
			{"point": "PPA:1", "t": 1_704_499_200, "v": 1.5},
			{"point": "PPA:2", "t": 1_704_499_201, "v": 2.5},
		},
	})
	require.NoError(t, err)

	frame, err := DecodeFrame(gzipped(t, data))
	require.NoError(t, err)

	// Without a frame time the latest measurement time is used
	assert.Equal(t, int64(1_704_499_201_000_000), frame.Timestamp)
	assert.Equal(t, 1.5, frame.Measurements[models.MeasurementKey{Source: "PPA", ID: 1}].Value)
}

func TestDecodeFrame_Errors(t *testing.T) {
	_, err := DecodeFrame([]byte("not a frame"))
	assert.Error(t, err)

	_, err = DecodeFrame([]byte(`{"t":1,"m":[{"v":1}]}`))
	assert.ErrorContains(t, err, "neither signal ID nor point")

	_, err = DecodeFrame([]byte(`{"t":1,"m":[{"id":"nope","v":1}]}`))
	assert.ErrorContains(t, err, "invalid signal ID")

	_, err = DecodeFrame([]byte{0x1f, 0x8b, 0x00})
	assert.ErrorContains(t, err, "gzip")
}

func TestDecodeMetadata(t *testing.T) {
	ds := models.DataSet{Tables: []models.DataTable{{
		Name:    "ActiveMeasurements",
		Columns: []models.DataColumn{{Name: "SignalID", Type: "guid"}, {Name: "ID", Type: "string"}, {Name: "Adder", Type: "int"}},
		Rows:    [][]any{{sid.String(), "PPA:1", 7}},
	}}}

	payload, err := msgpack.Marshal(&ds)
	require.NoError(t, err)

	got, err := DecodeMetadata(payload)
	require.NoError(t, err)
	require.Len(t, got.Tables, 1)
	assert.Equal(t, int64(7), got.Tables[0].Rows[0][2])

	data, err := json.Marshal(&ds)
	require.NoError(t, err)
	got, err = DecodeMetadata(gzipped(t, data))
	require.NoError(t, err)
	assert.Equal(t, "PPA:1", got.Tables[0].Rows[0][1])

	_, err = DecodeMetadata([]byte(`{"tables":[{"name":"T","columns":[{"name":"A"}],"rows":[[1,2]]}]}`))
	assert.ErrorContains(t, err, "expected 1 values")
}

func TestEncodeMeasurements(t *testing.T) {
	const base = int64(1_704_499_200_000_000)
	payload, err := EncodeMeasurements(base, []models.Measurement{
		{Key: models.MeasurementKey{SignalID: sid, Source: "OUT", ID: 9}, Timestamp: base - 1000, Value: 3.25, Flags: models.CalculatedValue},
		{Key: models.MeasurementKey{Source: "OUT", ID: 10}, Timestamp: base, Value: math.NaN()},
	})
	require.NoError(t, err)

	frame, err := DecodeFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, base, frame.Timestamp)

	m := frame.Measurements[models.MeasurementKey{SignalID: sid, Source: "OUT", ID: 9}]
	assert.Equal(t, 3.25, m.Value)
	assert.Equal(t, base-1000, m.Timestamp)
	assert.Equal(t, models.CalculatedValue, m.Flags)
	assert.True(t, frame.Measurements[models.MeasurementKey{Source: "OUT", ID: 10}].IsNaN())
}
