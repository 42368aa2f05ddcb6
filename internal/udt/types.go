package udt

import (
	"strings"
)

// DefaultCategory is the category of types declared before any category line.
const DefaultCategory = "UDT"

// DataType identifies a type by category and identifier.
type DataType interface {
	Category() string
	Identifier() string
	IsUserDefined() bool
	IsArray() bool
	String() string
}

// PrimitiveType is one of the fixed built-in types.
type PrimitiveType struct {
	category   string
	identifier string
}

func (t *PrimitiveType) Category() string    { return t.category }
func (t *PrimitiveType) Identifier() string  { return t.identifier }
func (t *PrimitiveType) IsUserDefined() bool { return false }
func (t *PrimitiveType) IsArray() bool       { return false }
func (t *PrimitiveType) String() string      { return t.category + "." + t.identifier }

// UserDefinedType is a named record type with ordered fields.
type UserDefinedType struct {
	category   string
	identifier string
	file       string
	Fields     []*Field
}

func (t *UserDefinedType) Category() string    { return t.category }
func (t *UserDefinedType) Identifier() string  { return t.identifier }
func (t *UserDefinedType) IsUserDefined() bool { return true }
func (t *UserDefinedType) IsArray() bool       { return false }
func (t *UserDefinedType) String() string      { return t.category + "." + t.identifier }

// File returns the document the type was compiled from.
func (t *UserDefinedType) File() string { return t.file }

// Field returns the field with the given identifier (case-insensitive).
func (t *UserDefinedType) Field(identifier string) (*Field, bool) {
	for _, f := range t.Fields {
		if strings.EqualFold(f.Identifier, identifier) {
			return f, true
		}
	}
	return nil, false
}

// ArrayType wraps an underlying element type.
type ArrayType struct {
	Underlying DataType
}

func (t *ArrayType) Category() string    { return t.Underlying.Category() }
func (t *ArrayType) Identifier() string  { return t.Underlying.Identifier() + "[]" }
func (t *ArrayType) IsUserDefined() bool { return t.Underlying.IsUserDefined() }
func (t *ArrayType) IsArray() bool       { return true }
func (t *ArrayType) String() string      { return t.Underlying.String() + "[]" }

// Field is one resolved field of a user-defined type.
type Field struct {
	Identifier string
	Type       DataType
	Reference  TypeReference
}

// ElementType returns the field type, or the underlying type for array fields.
func (f *Field) ElementType() DataType {
	if a, ok := f.Type.(*ArrayType); ok {
		return a.Underlying
	}
	return f.Type
}

// TypeReference is a field type as written in the source, before resolution.
// Category is empty when the source did not name one.
type TypeReference struct {
	Category   string
	Identifier string
	IsArray    bool
}

func (r TypeReference) String() string {
	s := r.Identifier
	if r.Category != "" {
		s = r.Category + "." + s
	}
	if r.IsArray {
		s += "[]"
	}
	return s
}

// Primitive categories.
const (
	CategoryInteger       = "Integer"
	CategoryFloatingPoint = "FloatingPoint"
	CategoryDateTime      = "DateTime"
	CategoryText          = "Text"
	CategoryOther         = "Other"
)

// The primitive catalog. Created once and shared read-only.
var (
	Byte   = &PrimitiveType{CategoryInteger, "Byte"}
	Int16  = &PrimitiveType{CategoryInteger, "Int16"}
	Int32  = &PrimitiveType{CategoryInteger, "Int32"}
	Int64  = &PrimitiveType{CategoryInteger, "Int64"}
	UInt16 = &PrimitiveType{CategoryInteger, "UInt16"}
	UInt32 = &PrimitiveType{CategoryInteger, "UInt32"}
	UInt64 = &PrimitiveType{CategoryInteger, "UInt64"}

	Decimal = &PrimitiveType{CategoryFloatingPoint, "Decimal"}
	Double  = &PrimitiveType{CategoryFloatingPoint, "Double"}
	Single  = &PrimitiveType{CategoryFloatingPoint, "Single"}

	Date     = &PrimitiveType{CategoryDateTime, "Date"}
	DateTime = &PrimitiveType{CategoryDateTime, "DateTime"}
	Time     = &PrimitiveType{CategoryDateTime, "Time"}
	TimeSpan = &PrimitiveType{CategoryDateTime, "TimeSpan"}

	Char   = &PrimitiveType{CategoryText, "Char"}
	String = &PrimitiveType{CategoryText, "String"}

	Boolean = &PrimitiveType{CategoryOther, "Boolean"}
	Guid    = &PrimitiveType{CategoryOther, "Guid"}
)

var primitives = []*PrimitiveType{
	Byte, Int16, Int32, Int64, UInt16, UInt32, UInt64,
	Decimal, Double, Single,
	Date, DateTime, Time, TimeSpan,
	Char, String,
	Boolean, Guid,
}

// Primitives returns the primitive catalog.
func Primitives() []*PrimitiveType {
	out := make([]*PrimitiveType, len(primitives))
	copy(out, primitives)
	return out
}

// LookupPrimitive finds a primitive by identifier, case-insensitive.
func LookupPrimitive(identifier string) (*PrimitiveType, bool) {
	for _, p := range primitives {
		if strings.EqualFold(p.identifier, identifier) {
			return p, true
		}
	}
	return nil, false
}

// IsNaNCapable reports whether a primitive can hold NaN. Integer types and
// Decimal cannot.
func IsNaNCapable(t DataType) bool {
	if t.IsUserDefined() || t.IsArray() {
		return true
	}
	if strings.EqualFold(t.Category(), CategoryInteger) {
		return false
	}
	return t != DataType(Decimal)
}

func typeKey(category, identifier string) string {
	return strings.ToLower(category) + "." + strings.ToLower(identifier)
}
