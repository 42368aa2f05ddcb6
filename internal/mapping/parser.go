package mapping

import (
	"errors"
	"fmt"
	"strings"

	"github.com/basekick-labs/eca/internal/dsl"
	"github.com/basekick-labs/eca/internal/udt"
	"github.com/basekick-labs/eca/pkg/models"
	"github.com/shopspring/decimal"
)

// TypeResolver resolves the user-defined type a mapping binds.
type TypeResolver interface {
	GetUserDefinedType(category, identifier string) (*udt.UserDefinedType, error)
}

type parser struct {
	s     *dsl.Scanner
	file  string
	types TypeResolver
}

// parseDocument parses a mapping document. Types are resolved through the
// type catalog; nested mapping references are checked later by validation.
func parseDocument(file string, src []byte, types TypeResolver) ([]*TypeMapping, error) {
	p := &parser{s: dsl.NewScanner(file, src), file: file, types: types}
	var mappings []*TypeMapping

	for {
		p.s.SkipWhitespace()
		if p.s.AtEOF() {
			return mappings, nil
		}
		tm, err := p.parseMapping()
		if err != nil {
			return nil, err
		}
		for _, prev := range mappings {
			if strings.EqualFold(prev.Identifier, tm.Identifier) {
				return nil, &dsl.DefinitionError{File: file, Kind: "mapping", Name: tm.Identifier, PreviousFile: file}
			}
		}
		mappings = append(mappings, tm)
	}
}

func (p *parser) parseMapping() (*TypeMapping, error) {
	s := p.s
	var words []string
	for len(words) < 3 {
		s.SkipSpaces()
		id := s.TryIdentifier()
		if id == "" {
			break
		}
		words = append(words, id)
	}
	s.SkipWhitespace()
	if len(words) < 2 {
		if s.Peek() == '{' || s.AtEOF() {
			return nil, s.Errorf("type identifier", "mapping identifier")
		}
		return nil, s.Errorf("identifier")
	}
	if s.Peek() != '{' {
		return nil, s.Errorf("'{'")
	}

	category, typeName, identifier := "", words[0], words[1]
	if len(words) == 3 {
		category, typeName, identifier = words[0], words[1], words[2]
	}

	typ, err := p.types.GetUserDefinedType(category, typeName)
	if err != nil {
		var ref *dsl.ReferenceError
		if errors.As(err, &ref) && ref.Owner == "" {
			ref.File = p.file
			ref.Owner = identifier
			return nil, ref
		}
		return nil, &dsl.ReferenceError{File: p.file, Owner: identifier, Reference: typeName, Err: err}
	}

	tm := &TypeMapping{Identifier: identifier, Type: typ, File: p.file}
	s.Next()

	for {
		s.SkipWhitespace()
		switch s.Peek() {
		case '}':
			s.Next()
			return tm, s.ExpectLineEnd()
		case dsl.EOF:
			return nil, s.Errorf("field mapping", "'}'")
		}

		fm, err := p.parseFieldMapping(tm)
		if err != nil {
			return nil, err
		}
		if _, dup := tm.FieldMapping(fm.Field.Identifier); dup {
			return nil, &dsl.DefinitionError{File: p.file, Kind: "field mapping", Name: tm.Identifier + "." + fm.Field.Identifier}
		}
		tm.FieldMappings = append(tm.FieldMappings, fm)

		s.SkipSpaces()
		if s.Peek() == ';' {
			s.Next()
			continue
		}
		if err := s.ExpectLineEnd('}'); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseFieldMapping(tm *TypeMapping) (*FieldMapping, error) {
	s := p.s
	mark := s.Mark()
	name, err := s.ReadIdentifier("field identifier")
	if err != nil {
		return nil, err
	}
	field, ok := tm.Type.Field(name)
	if !ok {
		return nil, &dsl.ReferenceError{
			File:      p.file,
			Owner:     tm.Identifier,
			Reference: name,
			Err:       fmt.Errorf("type %s has no field %q", tm.Type, name),
		}
	}
	s.SkipSpaces()
	if err := s.Expect(':'); err != nil {
		return nil, err
	}
	s.SkipSpaces()

	fm := &FieldMapping{Field: field}
	switch {
	case !field.Type.IsArray() && !field.Type.IsUserDefined():
		err = p.parseSignalScalar(fm)
	case !field.Type.IsArray():
		err = p.parseMappingScalar(fm)
	case !field.Type.IsUserDefined():
		err = p.parseSignalArray(fm)
	default:
		err = p.parseMappingArray(fm)
	}
	if err != nil {
		return nil, err
	}
	if fm.Expression == "" {
		return nil, s.ErrorAt(mark, "empty expression", "field mapping requires an expression", "expression")
	}
	return fm, nil
}

func (p *parser) parseSignalExpression() (string, error) {
	if p.s.Peek() == '{' {
		return p.s.ReadDelimited('{', '}')
	}
	if p.s.Peek() == '\n' || p.s.AtEOF() {
		return "", p.s.Errorf("expression")
	}
	return p.s.ReadToken(), nil
}

func (p *parser) parseSignalScalar(fm *FieldMapping) error {
	expr, err := p.parseSignalExpression()
	if err != nil {
		return err
	}
	fm.Expression = expr
	return p.parseClauses(fm, false)
}

func (p *parser) parseSignalArray(fm *FieldMapping) error {
	expr, err := p.parseSignalExpression()
	if err != nil {
		return err
	}
	fm.Expression = expr
	return p.parseClauses(fm, true)
}

func (p *parser) parseMappingScalar(fm *FieldMapping) error {
	ids, err := p.parseMappingList()
	if err != nil {
		return err
	}
	if len(ids) != 1 {
		return p.s.Errorf("single mapping identifier")
	}
	fm.Expression = ids[0]
	return p.parseClauses(fm, false)
}

func (p *parser) parseMappingArray(fm *FieldMapping) error {
	mark := p.s.Mark()
	ids, err := p.parseMappingList()
	if err != nil {
		return err
	}
	fm.Expression = strings.Join(ids, ", ")
	if err := p.parseClauses(fm, true); err != nil {
		return err
	}
	if fm.HasWindow() && len(ids) != 1 {
		return p.s.ErrorAt(mark, fm.Expression, "a time window requires a single mapping", "mapping identifier")
	}
	return nil
}

// parseMappingList reads "Ident" or "{Ident, Ident; Ident}".
func (p *parser) parseMappingList() ([]string, error) {
	s := p.s
	if s.Peek() != '{' {
		id, err := s.ReadIdentifier("mapping identifier", "'{'")
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	s.Next()
	var ids []string
	for {
		s.SkipWhitespace()
		if s.Peek() == '}' && len(ids) > 0 {
			s.Next()
			return ids, nil
		}
		id, err := s.ReadIdentifier("mapping identifier")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		s.SkipWhitespace()
		switch s.Peek() {
		case ',', ';':
			s.Next()
		case '}':
		default:
			return nil, s.Errorf("','", "';'", "'}'")
		}
	}
}

// parseClauses reads the optional relative-time and sample-rate clauses.
func (p *parser) parseClauses(fm *FieldMapping, allowWindow bool) error {
	p.s.SkipSpaces()
	start := p.s.Mark()
	w, err := parseTimeWindow(p.s, allowWindow)
	if err != nil {
		return err
	}
	fm.TimeWindow = w
	fm.TimeWindowExpression = strings.TrimSpace(p.s.Text(start))
	return nil
}

// ParseTimeWindow parses a relative-time clause followed by an optional
// sample-rate clause. The whole text must be consumed.
func ParseTimeWindow(text string, allowWindow bool) (TimeWindow, error) {
	s := dsl.NewScanner("", []byte(text))
	s.SkipWhitespace()
	w, err := parseTimeWindow(s, allowWindow)
	if err != nil {
		return TimeWindow{}, err
	}
	s.SkipWhitespace()
	if !s.AtEOF() {
		return TimeWindow{}, s.Errorf("end of time window")
	}
	return w, nil
}

func parseTimeWindow(s *dsl.Scanner, allowWindow bool) (TimeWindow, error) {
	var w TimeWindow
	windowMark := s.Mark()
	switch {
	case isDigit(s.Peek()):
		n, unit, err := parseSpan(s)
		if err != nil {
			return w, err
		}
		s.SkipSpaces()
		if err := s.ExpectKeyword("ago"); err != nil {
			return w, err
		}
		w.RelativeTime, w.RelativeUnit = n, unit

	case s.TryKeyword("last"):
		s.SkipSpaces()
		n, unit, err := parseSpan(s)
		if err != nil {
			return w, err
		}
		w.RelativeTime, w.RelativeUnit = n, unit
		w.WindowSize, w.WindowUnit = n, unit

	case s.TryKeyword("from"):
		s.SkipSpaces()
		n, unit, err := parseSpan(s)
		if err != nil {
			return w, err
		}
		s.SkipSpaces()
		s.TryKeyword("ago")
		s.SkipSpaces()
		if err := s.ExpectKeyword("for"); err != nil {
			return w, err
		}
		s.SkipSpaces()
		size, sizeUnit, err := parseSpan(s)
		if err != nil {
			return w, err
		}
		w.RelativeTime, w.RelativeUnit = n, unit
		w.WindowSize, w.WindowUnit = size, sizeUnit
	}

	if w.HasWindow() && !allowWindow {
		return w, s.ErrorAt(windowMark, "time window", "time windows are only valid on array fields", "relative time")
	}

	s.SkipSpaces()
	if s.Peek() == '@' {
		s.Next()
		s.SkipSpaces()
		rate, err := parseDecimal(s)
		if err != nil {
			return w, err
		}
		s.SkipSpaces()
		if err := s.ExpectKeyword("per"); err != nil {
			return w, err
		}
		s.SkipSpaces()
		unit, err := parseUnit(s, false)
		if err != nil {
			return w, err
		}
		if !rate.IsPositive() {
			return w, s.ErrorAt(windowMark, rate.String(), "sample rate must be positive", "number")
		}
		w.SampleRate, w.SampleUnit = rate, unit
	}

	return w, nil
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func parseDecimal(s *dsl.Scanner) (decimal.Decimal, error) {
	mark := s.Mark()
	text, err := s.ReadNumber()
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, s.ErrorAt(mark, text, err.Error(), "number")
	}
	return d, nil
}

// parseSpan reads "NUMBER unit".
func parseSpan(s *dsl.Scanner) (decimal.Decimal, models.Unit, error) {
	n, err := parseDecimal(s)
	if err != nil {
		return decimal.Zero, 0, err
	}
	s.SkipSpaces()
	unit, err := parseUnit(s, true)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return n, unit, nil
}

func parseUnit(s *dsl.Scanner, allowPoints bool) (models.Unit, error) {
	mark := s.Mark()
	name := s.TryIdentifier()
	unit, err := models.ParseUnit(name)
	if err != nil || (unit.IsPoints() && !allowPoints) {
		s.Reset(mark)
		expected := models.UnitNames()
		if !allowPoints {
			expected = expected[1:]
		}
		return 0, s.Errorf(expected...)
	}
	return unit, nil
}
