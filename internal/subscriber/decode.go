package subscriber

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/eca/pkg/models"
)

// MaxPayloadSize bounds an inflated payload
const MaxPayloadSize = 64 << 20

var errPayloadTooLarge = errors.New("payload exceeds maximum size")

// wireMeasurement is one measurement as carried on the feed. A nil value
// stands for NaN, which JSON cannot express.
type wireMeasurement struct {
	ID    string   `json:"id,omitempty" msgpack:"id,omitempty"`
	Point string   `json:"point,omitempty" msgpack:"point,omitempty"`
	Time  int64    `json:"t,omitempty" msgpack:"t,omitempty"`
	Value *float64 `json:"v" msgpack:"v"`
	Flags uint32   `json:"f,omitempty" msgpack:"f,omitempty"`
}

type wireFrame struct {
	Time         int64             `json:"t" msgpack:"t"`
	Measurements []wireMeasurement `json:"m" msgpack:"m"`
}

// inflate returns the payload, decompressed when it carries the gzip magic
func inflate(payload []byte) ([]byte, error) {
	if len(payload) < 2 || payload[0] != 0x1f || payload[1] != 0x8b {
		return payload, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid gzip payload: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(io.LimitReader(zr, MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to inflate payload: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return nil, errPayloadTooLarge
	}
	return data, nil
}

// DecodeFrame decodes a frame payload, trying MessagePack first and falling
// back to JSON.
func DecodeFrame(payload []byte) (models.Frame, error) {
	data, err := inflate(payload)
	if err != nil {
		return models.Frame{}, err
	}

	var wf wireFrame
	if err := msgpack.Unmarshal(data, &wf); err != nil {
		wf = wireFrame{}
		if jsonErr := json.Unmarshal(data, &wf); jsonErr != nil {
			return models.Frame{}, fmt.Errorf("failed to decode frame as MessagePack or JSON: %w", jsonErr)
		}
	}

	return wf.frame()
}

func (wf *wireFrame) frame() (models.Frame, error) {
	frameTime := normalizeTimestamp(wf.Time)

	list := make([]models.Measurement, 0, len(wf.Measurements))
	for i, wm := range wf.Measurements {
		key, err := wm.key()
		if err != nil {
			return models.Frame{}, fmt.Errorf("measurement %d: %w", i, err)
		}

		m := models.Measurement{
			Key:       key,
			Timestamp: normalizeTimestamp(wm.Time),
			Value:     math.NaN(),
			Flags:     models.StateFlags(wm.Flags),
		}
		if wm.Value != nil {
			m.Value = *wm.Value
		}
		if m.Timestamp == 0 {
			m.Timestamp = frameTime
		}
		list = append(list, m)
	}

	if frameTime == 0 {
		for _, m := range list {
			frameTime = max(frameTime, m.Timestamp)
		}
		if frameTime == 0 {
			frameTime = time.Now().UnixMicro()
			for i := range list {
				list[i].Timestamp = frameTime
			}
		}
	}

	return models.NewFrame(frameTime, list), nil
}

func (wm *wireMeasurement) key() (models.MeasurementKey, error) {
	var key models.MeasurementKey
	if wm.ID != "" {
		id, err := uuid.Parse(wm.ID)
		if err != nil {
			return key, fmt.Errorf("invalid signal ID %q: %w", wm.ID, err)
		}
		key.SignalID = id
	}
	if wm.Point != "" {
		source, id, err := models.ParsePointID(wm.Point)
		if err != nil {
			return key, err
		}
		key.Source, key.ID = source, id
	}
	if key.IsUndefined() {
		return key, errors.New("measurement has neither signal ID nor point identifier")
	}
	return key, nil
}

// DecodeMetadata decodes a metadata snapshot. Integers decode as int64 or
// uint64 so they land in typed table columns unchanged.
func DecodeMetadata(payload []byte) (*models.DataSet, error) {
	data, err := inflate(payload)
	if err != nil {
		return nil, err
	}

	ds := &models.DataSet{}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(ds); err != nil {
		ds = &models.DataSet{}
		if jsonErr := json.Unmarshal(data, ds); jsonErr != nil {
			return nil, fmt.Errorf("failed to decode metadata as MessagePack or JSON: %w", jsonErr)
		}
	}

	for _, t := range ds.Tables {
		for i, row := range t.Rows {
			if len(row) != len(t.Columns) {
				return nil, fmt.Errorf("table %s row %d: expected %d values, got %d", t.Name, i, len(t.Columns), len(row))
			}
		}
	}
	return ds, nil
}

// EncodeMeasurements encodes measurements as a MessagePack frame for the
// output topic.
func EncodeMeasurements(frameTime int64, measurements []models.Measurement) ([]byte, error) {
	wf := wireFrame{
		Time:         frameTime,
		Measurements: make([]wireMeasurement, 0, len(measurements)),
	}
	for _, m := range measurements {
		wm := wireMeasurement{
			Time:  m.Timestamp,
			Flags: uint32(m.Flags),
		}
		if m.Key.SignalID != uuid.Nil {
			wm.ID = m.Key.SignalID.String()
		}
		if m.Key.Source != "" {
			wm.Point = m.Key.String()
		}
		v := m.Value
		wm.Value = &v
		wf.Measurements = append(wf.Measurements, wm)
	}
	return msgpack.Marshal(&wf)
}

// normalizeTimestamp converts seconds, milliseconds or nanoseconds to
// microseconds based on magnitude. Zero means absent.
//
//	Seconds:      ~1.7e9
//	Milliseconds: ~1.7e12
//	Microseconds: ~1.7e15
//	Nanoseconds:  ~1.7e18
func normalizeTimestamp(ts int64) int64 {
	switch {
	case ts <= 0:
		return 0
	case ts > 1e18:
		return ts / 1000
	case ts > 1e15:
		return ts
	case ts > 1e12:
		return ts * 1000
	default:
		return ts * 1_000_000
	}
}
