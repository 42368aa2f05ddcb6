// Package mapper turns incoming frames into structured values of the input
// mapping and structured output values back into measurements.
//
// Mapping trees are flattened once per metadata refresh into index-ordered
// lists (signal keys per leaf, window groups per buffered field and nested
// mapping collections) which every frame replays in the same order.
package mapper

import (
	"context"
	"math"
	"sync"

	"github.com/basekick-labs/eca/internal/alignment"
	"github.com/basekick-labs/eca/internal/lookup"
	"github.com/basekick-labs/eca/internal/mapping"
	"github.com/basekick-labs/eca/internal/udt"
	"github.com/basekick-labs/eca/pkg/models"
	"github.com/rs/zerolog"
)

// Signals is the signal lookup the mapper reads current values from.
type Signals interface {
	KeyResolver
	UpdateMeasurementLookup(frame models.Frame) models.Frame
	GetMeasurement(key models.MeasurementKey) models.Measurement
}

// Config configures a Mapper.
type Config struct {
	Inputs  *mapping.Compiler
	Outputs *mapping.Compiler

	// InputMapping and OutputMapping name the root mappings. An empty
	// OutputMapping disables Unmap.
	InputMapping  string
	OutputMapping string

	Signals   Signals
	Alignment *alignment.Coordinator
	Strategy  alignment.Strategy
	Logger    zerolog.Logger
}

// Mapper maps frames through the input mapping and unmaps output records
// through the output mapping. Map and Unmap must not run concurrently with
// themselves; the engine delivers frames one at a time.
type Mapper struct {
	mu sync.Mutex

	cfg    Config
	input  *plan
	output *plan

	minimum   map[models.MeasurementKey]int64
	retention map[models.MeasurementKey]int64

	logger zerolog.Logger
}

// New creates a mapper. CrunchMetadata must succeed before Map.
func New(cfg *Config) *Mapper {
	return &Mapper{
		cfg:       *cfg,
		minimum:   make(map[models.MeasurementKey]int64),
		retention: make(map[models.MeasurementKey]int64),
		logger:    cfg.Logger.With().Str("component", "mapper").Logger(),
	}
}

// SetMinimumRetention requests that key keeps at least d microseconds of
// history regardless of the mappings. A zero d clears the request. Takes
// effect on the next CrunchMetadata.
func (m *Mapper) SetMinimumRetention(key models.MeasurementKey, d int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		delete(m.minimum, key)
		return
	}
	m.minimum[key] = d
}

// Retention returns the history kept for key, in microseconds.
func (m *Mapper) Retention(key models.MeasurementKey) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retention[key]
}

// CrunchMetadata flattens the input and output mappings against the current
// metadata, recomputes retention and creates or evicts signal buffers. On
// error the previous plans stay in effect.
func (m *Mapper) CrunchMetadata(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	input, err := buildPlan(ctx, m.cfg.Inputs, m.cfg.Signals, m.cfg.Alignment, m.cfg.InputMapping)
	if err != nil {
		return err
	}

	var output *plan
	if m.cfg.OutputMapping != "" && m.cfg.Outputs != nil {
		output, err = buildPlan(ctx, m.cfg.Outputs, m.cfg.Signals, m.cfg.Alignment, m.cfg.OutputMapping)
		if err != nil {
			return err
		}
	}

	retention := make(map[models.MeasurementKey]int64, len(input.retention)+len(m.minimum))
	for k, d := range input.retention {
		retention[k] = d
	}
	for k, d := range m.minimum {
		if d > retention[k] {
			retention[k] = d
		}
	}

	evicted := 0
	for _, k := range m.cfg.Alignment.Keys() {
		if _, ok := retention[k]; !ok {
			m.cfg.Alignment.RemoveBuffer(k)
			evicted++
		}
	}
	for k := range retention {
		m.cfg.Alignment.EnsureBuffer(k)
	}

	m.input, m.output, m.retention = input, output, retention

	m.logger.Info().
		Str("input", m.cfg.InputMapping).
		Str("output", m.cfg.OutputMapping).
		Int("signals", len(input.keys())).
		Int("buffered", len(retention)).
		Int("evicted", evicted).
		Msg("Mapping metadata crunched")

	return nil
}

// InputKeys returns every signal the input mapping reads.
func (m *Mapper) InputKeys() []models.MeasurementKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.input == nil {
		return nil
	}
	return m.input.keys()
}

// FilterExpression returns the subscription filter covering every input
// signal and every signal with a minimum retention.
func (m *Mapper) FilterExpression() string {
	keys := m.InputKeys()
	m.mu.Lock()
	for k := range m.minimum {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	return lookup.BuildFilterExpression(keys)
}

// NewOutput returns an empty record of the output mapping's type.
func (m *Mapper) NewOutput() (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.output == nil {
		return nil, ErrNotCrunched
	}
	return NewRecord(m.output.root.Type), nil
}

// Map queues the frame into the signal buffers and evaluates the input
// mapping against it.
func (m *Mapper) Map(f models.Frame) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.input == nil {
		return nil, ErrNotCrunched
	}

	f = m.cfg.Signals.UpdateMeasurementLookup(f)
	for _, ms := range f.Measurements {
		m.cfg.Alignment.Queue(ms)
	}

	t := newTraversal(m.input, f.Timestamp)
	rec, err := m.mapRecord(t, m.input.root)
	if err == nil {
		err = t.finish()
	}

	for k, d := range m.retention {
		if b, ok := m.cfg.Alignment.Buffer(k); ok {
			b.SetRetentionTime(f.Timestamp - d)
		}
	}

	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Mapper) mapRecord(t *traversal, tm *mapping.TypeMapping) (*Record, error) {
	rec := NewRecord(tm.Type)
	for _, fm := range tm.FieldMappings {
		v, err := m.mapField(t, fm)
		if err != nil {
			return nil, err
		}
		if err := rec.Set(fm.Field.Identifier, v); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func placeholder(key models.MeasurementKey, ts int64) models.Measurement {
	return models.Measurement{Key: key, Timestamp: ts, Value: math.NaN(), Flags: models.BadData}
}

// current returns the value of key in the frame being evaluated.
func (m *Mapper) current(t *traversal, key models.MeasurementKey) models.Measurement {
	f := t.current()
	if key.IsUndefined() {
		return placeholder(key, f.timestamp)
	}
	if f.values == nil {
		return m.cfg.Signals.GetMeasurement(key)
	}
	if ms, ok := f.values[key]; ok {
		return ms
	}
	return placeholder(key, f.timestamp)
}

// at returns the value of key at the instant of a point window.
func (m *Mapper) at(t *traversal, key models.MeasurementKey, w alignment.SampleWindow) models.Measurement {
	ft := t.current().timestamp
	if !key.IsUndefined() {
		if ms := m.cfg.Alignment.GetMeasurements(key, ft, w, m.cfg.Strategy); len(ms) > 0 {
			return ms[0]
		}
	}
	return placeholder(key, w.Start(ft))
}

func scalarValue(t udt.DataType, ms models.Measurement) Value {
	scalar, flags := convert(t, ms.Value)
	if t == udt.DataType(udt.Guid) {
		scalar = ms.Key.SignalID
	}
	return Value{
		Type:   t,
		Scalar: scalar,
		Meta:   MetaValues{Key: ms.Key, Timestamp: ms.Timestamp, Flags: ms.Flags | flags},
	}
}

func (m *Mapper) mapField(t *traversal, fm *mapping.FieldMapping) (Value, error) {
	typ := fm.Field.Type
	elem := fm.Field.ElementType()

	switch fm.Kind() {
	case mapping.ScalarSignal:
		keys, err := t.nextKeys()
		if err != nil {
			return Value{}, err
		}
		key := firstKey(keys)
		if !fm.IsBuffered() {
			return scalarValue(typ, m.current(t, key)), nil
		}
		g, err := t.nextWindow()
		if err != nil {
			return Value{}, err
		}
		return scalarValue(typ, m.at(t, key, g.window)), nil

	case mapping.ArraySignal:
		keys, err := t.nextKeys()
		if err != nil {
			return Value{}, err
		}
		var g *windowGroup
		if fm.IsBuffered() {
			if g, err = t.nextWindow(); err != nil {
				return Value{}, err
			}
		}
		v := Value{Type: typ, Elements: make([]Value, 0, len(keys))}
		for _, key := range keys {
			ms := m.current(t, key)
			if g != nil {
				ms = m.at(t, key, g.window)
			}
			v.Elements = append(v.Elements, scalarValue(elem, ms))
		}
		return v, nil

	case mapping.ArraySignalWindow:
		keys, err := t.nextKeys()
		if err != nil {
			return Value{}, err
		}
		g, err := t.nextWindow()
		if err != nil {
			return Value{}, err
		}
		v := Value{Type: typ}
		key := firstKey(keys)
		if key.IsUndefined() {
			return v, nil
		}
		for _, ms := range m.cfg.Alignment.GetMeasurements(key, t.current().timestamp, g.window, m.cfg.Strategy) {
			v.Elements = append(v.Elements, scalarValue(elem, ms))
		}
		return v, nil

	case mapping.ScalarMapping:
		nested, err := t.nextCollection()
		if err != nil {
			return Value{}, err
		}
		if !fm.IsBuffered() {
			rec, err := m.mapRecord(t, nested[0])
			if err != nil {
				return Value{}, err
			}
			return Value{Type: typ, Record: rec}, nil
		}
		g, err := t.nextWindow()
		if err != nil {
			return Value{}, err
		}
		recs, err := m.mapWindowed(t, g, nested, false)
		if err != nil {
			return Value{}, err
		}
		return recs[0], nil

	case mapping.ArrayMappingLiteral:
		nested, err := t.nextCollection()
		if err != nil {
			return Value{}, err
		}
		v := Value{Type: typ, Elements: make([]Value, 0, len(nested))}
		for _, tm := range nested {
			rec, err := m.mapRecord(t, tm)
			if err != nil {
				return Value{}, err
			}
			v.Elements = append(v.Elements, Value{Type: elem, Record: rec})
		}
		return v, nil

	case mapping.ArrayMappingRelative, mapping.ArrayMappingWindow:
		nested, err := t.nextCollection()
		if err != nil {
			return Value{}, err
		}
		g, err := t.nextWindow()
		if err != nil {
			return Value{}, err
		}
		elements, err := m.mapWindowed(t, g, nested, fm.HasWindow())
		if err != nil {
			return Value{}, err
		}
		return Value{Type: typ, Elements: elements}, nil
	}

	return Value{}, ErrPlanMismatch
}

// mapWindowed evaluates nested mappings against aligned history. A point
// window evaluates every mapping once against a single row; a ranged window
// evaluates the one mapping once per row, rewinding the cursors to the
// same snapshot before each row. The cursors end past the subtree either
// way.
func (m *Mapper) mapWindowed(t *traversal, g *windowGroup, nested []*mapping.TypeMapping, ranged bool) ([]Value, error) {
	ft := t.current().timestamp
	start := g.window.Start(ft)
	rows := m.cfg.Alignment.GetFrames(g.keys, ft, g.window, m.cfg.Strategy)

	var out []Value
	if !ranged {
		row := alignment.Row{}
		if len(rows) > 0 {
			row = rows[0]
		}
		if err := t.push(frame{timestamp: start, buffered: true, values: row}); err != nil {
			return nil, err
		}
		for _, tm := range nested {
			rec, err := m.mapRecord(t, tm)
			if err != nil {
				t.pop()
				return nil, err
			}
			out = append(out, Value{Type: tm.Type, Record: rec})
		}
		t.pop()
		t.cursor = g.end
		return out, nil
	}

	tm := nested[0]
	snapshot := t.cursor
	for _, row := range rows {
		t.cursor = snapshot
		if err := t.push(frame{timestamp: rowTime(row, start), buffered: true, values: row}); err != nil {
			return nil, err
		}
		rec, err := m.mapRecord(t, tm)
		t.pop()
		if err != nil {
			return nil, err
		}
		out = append(out, Value{Type: tm.Type, Record: rec})
	}
	t.cursor = g.end
	return out, nil
}
