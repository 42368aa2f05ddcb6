package mapping

import (
	"strings"

	"github.com/basekick-labs/eca/internal/udt"
	"github.com/basekick-labs/eca/pkg/models"
	"github.com/shopspring/decimal"
)

// Kind is the shape of a field mapping, derived from the target field type
// and the time-window values.
type Kind int

const (
	// ScalarSignal binds a scalar primitive field to one signal.
	ScalarSignal Kind = iota
	// ScalarMapping binds a UDT field to a nested mapping.
	ScalarMapping
	// ArraySignal binds an array field to several signals at one instant,
	// either the frame time or a relative time.
	ArraySignal
	// ArraySignalWindow samples one signal over a moving time window.
	ArraySignalWindow
	// ArrayMappingLiteral binds each array element to its own mapping.
	ArrayMappingLiteral
	// ArrayMappingRelative evaluates a list of mappings at a relative time.
	ArrayMappingRelative
	// ArrayMappingWindow evaluates one mapping once per sample of a window.
	ArrayMappingWindow
)

func (k Kind) String() string {
	switch k {
	case ScalarSignal:
		return "ScalarSignal"
	case ScalarMapping:
		return "ScalarMapping"
	case ArraySignal:
		return "ArraySignal"
	case ArraySignalWindow:
		return "ArraySignalWindow"
	case ArrayMappingLiteral:
		return "ArrayMappingLiteral"
	case ArrayMappingRelative:
		return "ArrayMappingRelative"
	case ArrayMappingWindow:
		return "ArrayMappingWindow"
	default:
		return "Unknown"
	}
}

// IsSignal reports whether the shape binds directly to external signals.
func (k Kind) IsSignal() bool {
	return k == ScalarSignal || k == ArraySignal || k == ArraySignalWindow
}

// TimeWindow holds the relative-time, window and sample-rate values of a
// field mapping. A zero SampleRate means the coordinator default applies.
type TimeWindow struct {
	RelativeTime decimal.Decimal
	RelativeUnit models.Unit
	WindowSize   decimal.Decimal
	WindowUnit   models.Unit
	SampleRate   decimal.Decimal
	SampleUnit   models.Unit
}

// IsBuffered reports whether the values depend on historical data.
func (w TimeWindow) IsBuffered() bool {
	return !w.RelativeTime.IsZero() || !w.WindowSize.IsZero()
}

// HasWindow reports whether a window size is set.
func (w TimeWindow) HasWindow() bool {
	return !w.WindowSize.IsZero()
}

// FieldMapping binds one field of a user-defined type to an expression.
// The expression is a signal filter for primitive fields and one or more
// mapping identifiers for user-defined fields.
type FieldMapping struct {
	Field      *udt.Field
	Expression string
	TimeWindow

	// TimeWindowExpression is the trailing clause text as written.
	TimeWindowExpression string
}

// IsArray reports whether the target field is an array.
func (fm *FieldMapping) IsArray() bool {
	return fm.Field.Type.IsArray()
}

// IsUserDefined reports whether the target field (or element) is a UDT.
func (fm *FieldMapping) IsUserDefined() bool {
	return fm.Field.Type.IsUserDefined()
}

// Kind returns the mapping shape.
func (fm *FieldMapping) Kind() Kind {
	switch {
	case !fm.IsArray() && !fm.IsUserDefined():
		return ScalarSignal
	case !fm.IsArray():
		return ScalarMapping
	case !fm.IsUserDefined() && fm.HasWindow():
		return ArraySignalWindow
	case !fm.IsUserDefined():
		return ArraySignal
	case fm.HasWindow():
		return ArrayMappingWindow
	case !fm.RelativeTime.IsZero():
		return ArrayMappingRelative
	default:
		return ArrayMappingLiteral
	}
}

// MappingIdentifiers splits a nested-mapping expression into identifiers.
// Lists may be separated by commas or semicolons and wrapped in braces.
func (fm *FieldMapping) MappingIdentifiers() []string {
	if !fm.IsUserDefined() {
		return nil
	}
	return SplitIdentifiers(fm.Expression)
}

// SplitIdentifiers splits "{M1, M2}", "M1; M2" or "M1" into identifiers.
func SplitIdentifiers(expr string) []string {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "{")
	expr = strings.TrimSuffix(expr, "}")
	parts := strings.FieldsFunc(expr, func(r rune) bool { return r == ',' || r == ';' })
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// TypeMapping binds the fields of a user-defined type.
type TypeMapping struct {
	Identifier    string
	Type          *udt.UserDefinedType
	FieldMappings []*FieldMapping
	File          string
}

// FieldMapping returns the mapping of a field (case-insensitive).
func (tm *TypeMapping) FieldMapping(field string) (*FieldMapping, bool) {
	for _, fm := range tm.FieldMappings {
		if strings.EqualFold(fm.Field.Identifier, field) {
			return fm, true
		}
	}
	return nil, false
}

// IsBuffered reports whether any field mapping is buffered.
func (tm *TypeMapping) IsBuffered() bool {
	for _, fm := range tm.FieldMappings {
		if fm.IsBuffered() {
			return true
		}
	}
	return false
}
