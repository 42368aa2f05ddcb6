package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MeasurementKey identifies a signal: the signal GUID plus its point identifier
// within a source (e.g. "PPA:12").
type MeasurementKey struct {
	SignalID uuid.UUID `json:"signal_id" msgpack:"id"`
	Source   string    `json:"source,omitempty" msgpack:"src,omitempty"`
	ID       uint64    `json:"id,omitempty" msgpack:"pid,omitempty"`
}

// UndefinedKey is the zero key, used for placeholder measurements.
var UndefinedKey = MeasurementKey{}

// String returns the "SOURCE:ID" form when a point identifier is present,
// otherwise the signal GUID.
func (k MeasurementKey) String() string {
	if k.Source != "" {
		return k.Source + ":" + strconv.FormatUint(k.ID, 10)
	}
	return k.SignalID.String()
}

// IsUndefined reports whether the key has no signal ID and no point identifier.
func (k MeasurementKey) IsUndefined() bool {
	return k == UndefinedKey
}

// ParsePointID parses a "SOURCE:ID" point identifier.
func ParsePointID(s string) (source string, id uint64, err error) {
	idx := strings.LastIndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return "", 0, fmt.Errorf("invalid point identifier %q: expected SOURCE:ID", s)
	}
	id, err = strconv.ParseUint(strings.TrimSpace(s[idx+1:]), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid point identifier %q: %w", s, err)
	}
	return strings.TrimSpace(s[:idx]), id, nil
}

// Measurement is a single timestamped value of a signal.
// Timestamps are microseconds since the Unix epoch.
type Measurement struct {
	Key       MeasurementKey `json:"key" msgpack:"k"`
	Timestamp int64          `json:"timestamp" msgpack:"t"`
	Value     float64        `json:"value" msgpack:"v"`
	Flags     StateFlags     `json:"flags" msgpack:"f"`
}

// IsNaN reports whether the measurement carries a NaN or infinite value.
func (m Measurement) IsNaN() bool {
	return math.IsNaN(m.Value) || math.IsInf(m.Value, 0)
}

// Frame is one batch of measurements delivered together by the subscription
// feed. Timestamp is the frame time in microseconds.
type Frame struct {
	Timestamp    int64                          `json:"timestamp" msgpack:"t"`
	Measurements map[MeasurementKey]Measurement `json:"-" msgpack:"-"`
}

// NewFrame builds a frame from a list of measurements. Later entries for the
// same key win.
func NewFrame(timestamp int64, measurements []Measurement) Frame {
	f := Frame{
		Timestamp:    timestamp,
		Measurements: make(map[MeasurementKey]Measurement, len(measurements)),
	}
	for _, m := range measurements {
		f.Measurements[m.Key] = m
	}
	return f
}

// List returns the frame's measurements in unspecified order.
func (f Frame) List() []Measurement {
	list := make([]Measurement, 0, len(f.Measurements))
	for _, m := range f.Measurements {
		list = append(list, m)
	}
	return list
}
