package udt

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Writer serializes user-defined types back to IDL text.
type Writer struct {
	Indent string
}

// NewWriter creates a writer indenting fields with four spaces.
func NewWriter() *Writer {
	return &Writer{Indent: "    "}
}

// Write emits the given types, inserting a category line whenever the
// category changes. Field types are always written with their category so
// the output resolves identically regardless of the surrounding catalog.
func (w *Writer) Write(out io.Writer, types []*UserDefinedType) error {
	category := ""
	for i, t := range types {
		if i > 0 {
			if _, err := io.WriteString(out, "\n"); err != nil {
				return err
			}
		}
		if !strings.EqualFold(t.Category(), category) {
			category = t.Category()
			if _, err := fmt.Fprintf(out, "category %s\n", category); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(out, "%s {\n", t.Identifier()); err != nil {
			return err
		}
		for _, f := range t.Fields {
			if _, err := fmt.Fprintf(out, "%s%s\n", w.Indent, formatField(f)); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(out, "}\n"); err != nil {
			return err
		}
	}
	return nil
}

// Bytes renders the given types.
func (w *Writer) Bytes(types []*UserDefinedType) []byte {
	var buf bytes.Buffer
	_ = w.Write(&buf, types)
	return buf.Bytes()
}

func formatField(f *Field) string {
	elem := f.ElementType()
	suffix := ""
	if f.Type.IsArray() {
		suffix = "[]"
	}
	return fmt.Sprintf("%s %s%s %s", elem.Category(), elem.Identifier(), suffix, f.Identifier)
}
