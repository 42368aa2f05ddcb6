package mapper

import (
	"fmt"

	"github.com/basekick-labs/eca/internal/mapping"
	"github.com/basekick-labs/eca/pkg/models"
)

// Unmap walks the output mapping over rec and returns the measurements it
// binds to. Scalars are stamped with their meta timestamp when set, else
// with the frame time, the window start of relative fields, or the ideal
// sample time of windowed fields. Flags come from the meta values.
func (m *Mapper) Unmap(rec *Record, frameTime int64) ([]models.Measurement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.output == nil {
		return nil, ErrNotCrunched
	}
	if rec == nil || rec.Type != m.output.root.Type {
		return nil, fmt.Errorf("output record must be of type %s", m.output.root.Type)
	}

	u := &unmapper{t: newTraversal(m.output, frameTime)}
	if err := u.record(m.output.root, rec); err != nil {
		return nil, err
	}
	if err := u.t.finish(); err != nil {
		return nil, err
	}
	return u.out, nil
}

type unmapper struct {
	t   *traversal
	out []models.Measurement
}

func (u *unmapper) emit(key models.MeasurementKey, v Value, ts int64) {
	if u.t.discard || key.IsUndefined() {
		return
	}
	if v.Meta.Timestamp != 0 {
		ts = v.Meta.Timestamp
	}
	u.out = append(u.out, models.Measurement{Key: key, Timestamp: ts, Value: v.Float(), Flags: v.Meta.Flags})
}

// record walks tm over rec. A nil rec walks the subtree without emitting,
// keeping the cursors in step for missing array elements.
func (u *unmapper) record(tm *mapping.TypeMapping, rec *Record) error {
	if rec == nil {
		discard := u.t.discard
		u.t.discard = true
		defer func() { u.t.discard = discard }()
		rec = NewRecord(tm.Type)
	}
	for _, fm := range tm.FieldMappings {
		v, ok := rec.Get(fm.Field.Identifier)
		if !ok {
			return fmt.Errorf("record of type %s has no field %s", rec.Type, fm.Field.Identifier)
		}
		if err := u.field(fm, *v); err != nil {
			return err
		}
	}
	return nil
}

func element(v Value, i int) *Record {
	if i < len(v.Elements) {
		return v.Elements[i].Record
	}
	return nil
}

func (u *unmapper) field(fm *mapping.FieldMapping, v Value) error {
	t := u.t
	ts := t.current().timestamp

	switch fm.Kind() {
	case mapping.ScalarSignal, mapping.ArraySignal:
		keys, err := t.nextKeys()
		if err != nil {
			return err
		}
		if fm.IsBuffered() {
			g, err := t.nextWindow()
			if err != nil {
				return err
			}
			ts = g.window.Start(ts)
		}
		if fm.Kind() == mapping.ScalarSignal {
			u.emit(firstKey(keys), v, ts)
			return nil
		}
		for i, key := range keys {
			if i < len(v.Elements) {
				u.emit(key, v.Elements[i], ts)
			}
		}
		return nil

	case mapping.ArraySignalWindow:
		keys, err := t.nextKeys()
		if err != nil {
			return err
		}
		g, err := t.nextWindow()
		if err != nil {
			return err
		}
		timestamps := g.window.GetTimestamps(ts)
		key := firstKey(keys)
		for i, e := range v.Elements {
			u.emit(key, e, timestamps[min(i, len(timestamps)-1)])
		}
		return nil

	case mapping.ScalarMapping:
		nested, err := t.nextCollection()
		if err != nil {
			return err
		}
		if !fm.IsBuffered() {
			return u.record(nested[0], v.Record)
		}
		g, err := t.nextWindow()
		if err != nil {
			return err
		}
		if err := u.windowed(g, ts, func() error { return u.record(nested[0], v.Record) }); err != nil {
			return err
		}
		t.cursor = g.end
		return nil

	case mapping.ArrayMappingLiteral:
		nested, err := t.nextCollection()
		if err != nil {
			return err
		}
		for i, tm := range nested {
			if err := u.record(tm, element(v, i)); err != nil {
				return err
			}
		}
		return nil

	case mapping.ArrayMappingRelative:
		nested, err := t.nextCollection()
		if err != nil {
			return err
		}
		g, err := t.nextWindow()
		if err != nil {
			return err
		}
		err = u.windowed(g, ts, func() error {
			for i, tm := range nested {
				if err := u.record(tm, element(v, i)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		t.cursor = g.end
		return nil

	case mapping.ArrayMappingWindow:
		nested, err := t.nextCollection()
		if err != nil {
			return err
		}
		g, err := t.nextWindow()
		if err != nil {
			return err
		}
		timestamps := g.window.GetTimestamps(ts)
		snapshot := t.cursor
		for i, e := range v.Elements {
			t.cursor = snapshot
			at := timestamps[min(i, len(timestamps)-1)]
			if err := t.push(frame{timestamp: at, buffered: true}); err != nil {
				return err
			}
			err := u.record(nested[0], e.Record)
			t.pop()
			if err != nil {
				return err
			}
		}
		t.cursor = g.end
		return nil
	}

	return ErrPlanMismatch
}

// windowed runs fn inside a buffered frame stamped at the window start.
func (u *unmapper) windowed(g *windowGroup, frameTime int64, fn func() error) error {
	if err := u.t.push(frame{timestamp: g.window.Start(frameTime), buffered: true}); err != nil {
		return err
	}
	defer u.t.pop()
	return fn()
}
