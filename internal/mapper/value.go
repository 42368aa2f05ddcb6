package mapper

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/eca/internal/udt"
	"github.com/basekick-labs/eca/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MetaValues carries the provenance of a mapped scalar.
type MetaValues struct {
	Key       models.MeasurementKey `json:"key"`
	Timestamp int64                 `json:"timestamp"`
	Flags     models.StateFlags     `json:"flags"`
}

// Value is one mapped field value: a scalar with its meta values, an array
// of elements, or a nested record.
type Value struct {
	Type     udt.DataType
	Scalar   any
	Meta     MetaValues
	Elements []Value
	Record   *Record
}

// Float returns the scalar as a float64, or NaN when it has no numeric form.
func (v Value) Float() float64 {
	f, ok := toFloat(v.Scalar)
	if !ok {
		return math.NaN()
	}
	return f
}

// FieldValue is one named field of a record.
type FieldValue struct {
	Name  string
	Value Value
}

// Record is a structured value of a user-defined type. Fields are kept in
// declaration order.
type Record struct {
	Type   *udt.UserDefinedType
	Fields []FieldValue
}

// NewRecord returns a record of t with every field set to its zero value.
func NewRecord(t *udt.UserDefinedType) *Record {
	r := &Record{Type: t, Fields: make([]FieldValue, len(t.Fields))}
	for i, f := range t.Fields {
		r.Fields[i] = FieldValue{Name: f.Identifier, Value: zeroValue(f.Type)}
	}
	return r
}

func zeroValue(t udt.DataType) Value {
	v := Value{Type: t}
	if t == nil || t.IsArray() {
		return v
	}
	if ud, ok := t.(*udt.UserDefinedType); ok {
		v.Record = NewRecord(ud)
		return v
	}
	v.Scalar, _ = convert(t, 0)
	return v
}

// Get returns the value of a field, case-insensitive.
func (r *Record) Get(name string) (*Value, bool) {
	for i := range r.Fields {
		if strings.EqualFold(r.Fields[i].Name, name) {
			return &r.Fields[i].Value, true
		}
	}
	return nil, false
}

// Set replaces the value of a field.
func (r *Record) Set(name string, v Value) error {
	fv, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("type %s has no field %s", r.Type, name)
	}
	if v.Type == nil {
		v.Type = fv.Type
	}
	*fv = v
	return nil
}

// SetScalar assigns a scalar field, keeping its type and meta values.
func (r *Record) SetScalar(name string, scalar any) error {
	fv, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("type %s has no field %s", r.Type, name)
	}
	fv.Scalar = scalar
	return nil
}

// Map renders the record as nested maps, for logging and JSON output.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, len(r.Fields))
	for _, f := range r.Fields {
		out[f.Name] = f.Value.export()
	}
	return out
}

func (v Value) export() any {
	switch {
	case v.Record != nil:
		return v.Record.Map()
	case v.Type != nil && v.Type.IsArray():
		list := make([]any, len(v.Elements))
		for i, e := range v.Elements {
			list[i] = e.export()
		}
		return list
	default:
		return v.Scalar
	}
}

// convert turns a measurement value into the Go representation of a
// primitive type. Values that cannot be represented become the zero value
// flagged OverRangeError.
func convert(t udt.DataType, f float64) (any, models.StateFlags) {
	finite := !math.IsNaN(f) && !math.IsInf(f, 0)

	switch t {
	case udt.Double:
		return f, models.Normal
	case udt.Single:
		return float32(f), models.Normal
	case udt.Decimal:
		if !finite {
			return decimal.Zero, models.OverRangeError
		}
		return decimal.NewFromFloat(f), models.Normal
	case udt.Boolean:
		return finite && f != 0, models.Normal
	case udt.String:
		return strconv.FormatFloat(f, 'g', -1, 64), models.Normal
	}

	if !finite {
		return zeroOf(t), models.OverRangeError
	}

	switch t {
	case udt.Byte:
		n, flags := clamp(f, 0, math.MaxUint8)
		return uint8(n), flags
	case udt.Int16:
		n, flags := clamp(f, math.MinInt16, math.MaxInt16)
		return int16(n), flags
	case udt.Int32:
		n, flags := clamp(f, math.MinInt32, math.MaxInt32)
		return int32(n), flags
	case udt.Int64:
		n, flags := clamp(f, math.MinInt64, math.MaxInt64)
		return int64(n), flags
	case udt.UInt16:
		n, flags := clamp(f, 0, math.MaxUint16)
		return uint16(n), flags
	case udt.UInt32:
		n, flags := clamp(f, 0, math.MaxUint32)
		return uint32(n), flags
	case udt.UInt64:
		n, flags := clamp(f, 0, math.MaxUint64)
		return uint64(n), flags
	case udt.Char:
		n, flags := clamp(f, 0, math.MaxInt32)
		return rune(n), flags
	case udt.Date, udt.DateTime:
		return time.UnixMicro(int64(f)).UTC(), models.Normal
	case udt.Time, udt.TimeSpan:
		return time.Duration(int64(f)) * time.Microsecond, models.Normal
	case udt.Guid:
		return uuid.Nil, models.Normal
	}
	return f, models.Normal
}

func zeroOf(t udt.DataType) any {
	v, _ := convert(t, 0)
	return v
}

// clamp rounds f to the nearest integer (ties to even) and limits it to
// [lo, hi].
func clamp(f, lo, hi float64) (float64, models.StateFlags) {
	n := math.RoundToEven(f)
	switch {
	case n < lo:
		return lo, models.UnderRangeError
	case hi >= math.MaxInt64 && n >= hi:
		// float64(MaxInt64) and float64(MaxUint64) round up past the range.
		return math.Nextafter(hi, 0), models.OverRangeError
	case n > hi:
		return hi, models.OverRangeError
	}
	return n, models.Normal
}

// toFloat converts a scalar back to a measurement value.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case decimal.Decimal:
		return x.InexactFloat64(), true
	case time.Time:
		return float64(x.UnixMicro()), true
	case time.Duration:
		return float64(x.Microseconds()), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
