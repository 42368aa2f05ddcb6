package mapping

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/basekick-labs/eca/pkg/models"
	"github.com/shopspring/decimal"
)

// Writer serializes type mappings back to mapping text.
type Writer struct {
	Indent string
}

// NewWriter creates a writer indenting field mappings with four spaces.
func NewWriter() *Writer {
	return &Writer{Indent: "    "}
}

// Write emits the given mappings. Types are always qualified with their
// category.
func (w *Writer) Write(out io.Writer, mappings []*TypeMapping) error {
	for i, tm := range mappings {
		if i > 0 {
			if _, err := io.WriteString(out, "\n"); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(out, "%s %s %s {\n", tm.Type.Category(), tm.Type.Identifier(), tm.Identifier); err != nil {
			return err
		}
		for _, fm := range tm.FieldMappings {
			if _, err := fmt.Fprintf(out, "%s%s\n", w.Indent, FormatFieldMapping(fm)); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(out, "}\n"); err != nil {
			return err
		}
	}
	return nil
}

// Bytes renders the given mappings.
func (w *Writer) Bytes(mappings []*TypeMapping) []byte {
	var buf bytes.Buffer
	_ = w.Write(&buf, mappings)
	return buf.Bytes()
}

// FormatFieldMapping renders one "Field: expression clauses" line.
func FormatFieldMapping(fm *FieldMapping) string {
	var b strings.Builder
	b.WriteString(fm.Field.Identifier)
	b.WriteString(": ")
	b.WriteString(FormatExpression(fm.Expression))
	if clause := FormatTimeWindow(fm.TimeWindow); clause != "" {
		b.WriteString(" ")
		b.WriteString(clause)
	}
	return b.String()
}

// FormatExpression wraps an expression in braces when it would not read
// back as a single bare token.
func FormatExpression(expr string) string {
	needsBraces := expr == "" || strings.HasPrefix(expr, "{")
	for _, r := range expr {
		if unicode.IsSpace(r) {
			needsBraces = true
			break
		}
	}
	if needsBraces {
		return "{ " + expr + " }"
	}
	return expr
}

// FormatTimeWindow renders the relative-time and sample-rate clauses.
func FormatTimeWindow(w TimeWindow) string {
	var parts []string
	switch {
	case w.HasWindow() && w.WindowSize.Equal(w.RelativeTime) && w.WindowUnit == w.RelativeUnit:
		parts = append(parts, "last "+formatSpan(w.WindowSize, w.WindowUnit))
	case w.HasWindow():
		parts = append(parts, fmt.Sprintf("from %s ago for %s",
			formatSpan(w.RelativeTime, w.RelativeUnit), formatSpan(w.WindowSize, w.WindowUnit)))
	case !w.RelativeTime.IsZero():
		parts = append(parts, formatSpan(w.RelativeTime, w.RelativeUnit)+" ago")
	}
	if !w.SampleRate.IsZero() {
		parts = append(parts, fmt.Sprintf("@ %s per %s", w.SampleRate.String(), w.SampleUnit.Name(false)))
	}
	return strings.Join(parts, " ")
}

func formatSpan(n decimal.Decimal, unit models.Unit) string {
	return fmt.Sprintf("%s %s", n.String(), unit.Name(!n.Equal(decimal.NewFromInt(1))))
}
