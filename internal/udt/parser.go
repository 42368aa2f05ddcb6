package udt

import (
	"strings"

	"github.com/basekick-labs/eca/internal/dsl"
)

// definition is a parsed type declaration whose field types are still
// unresolved references.
type definition struct {
	category   string
	identifier string
	file       string
	fields     []fieldDefinition
}

type fieldDefinition struct {
	identifier string
	reference  TypeReference
}

func (d *definition) key() string {
	return typeKey(d.category, d.identifier)
}

func (d *definition) name() string {
	return d.category + "." + d.identifier
}

// parseDocument parses an IDL document into definitions. It does not touch
// any catalog.
func parseDocument(file string, src []byte) ([]*definition, error) {
	s := dsl.NewScanner(file, src)
	category := DefaultCategory
	var defs []*definition

	for {
		s.SkipWhitespace()
		if s.AtEOF() {
			return defs, nil
		}

		id, err := s.ReadIdentifier("'category'", "type identifier")
		if err != nil {
			return nil, err
		}
		s.SkipSpaces()

		if strings.EqualFold(id, "category") && s.Peek() != '{' {
			name, err := s.ReadIdentifier("category name")
			if err != nil {
				return nil, err
			}
			if err := s.ExpectLineEnd(); err != nil {
				return nil, err
			}
			category = name
			continue
		}

		def := &definition{category: category, identifier: id, file: file}
		if err := parseBody(s, def); err != nil {
			return nil, err
		}
		for _, prev := range defs {
			if prev.key() == def.key() {
				return nil, &dsl.DefinitionError{File: file, Kind: "type", Name: def.name(), PreviousFile: file}
			}
		}
		defs = append(defs, def)
	}
}

func parseBody(s *dsl.Scanner, def *definition) error {
	s.SkipWhitespace()
	if err := s.Expect('{'); err != nil {
		return err
	}
	for {
		s.SkipWhitespace()
		switch s.Peek() {
		case '}':
			s.Next()
			return s.ExpectLineEnd()
		case dsl.EOF:
			return s.Errorf("field declaration", "'}'")
		}

		field, err := parseField(s)
		if err != nil {
			return err
		}
		for _, f := range def.fields {
			if strings.EqualFold(f.identifier, field.identifier) {
				return &dsl.DefinitionError{File: def.file, Kind: "field", Name: def.name() + "." + field.identifier}
			}
		}
		def.fields = append(def.fields, field)

		s.SkipSpaces()
		if s.Peek() == ';' {
			s.Next()
			continue
		}
		if err := s.ExpectLineEnd('}'); err != nil {
			return err
		}
	}
}

type word struct {
	text    string
	isArray bool
	mark    dsl.Mark
}

// parseField reads "[category] type[] field" or "[category] type field[]".
func parseField(s *dsl.Scanner) (fieldDefinition, error) {
	var words []word
	for len(words) < 3 {
		s.SkipSpaces()
		if !dsl.IsIdentifierStart(s.Peek()) {
			break
		}
		w := word{mark: s.Mark()}
		w.text = s.TryIdentifier()
		if s.Peek() == '[' {
			s.Next()
			if err := s.Expect(']'); err != nil {
				return fieldDefinition{}, err
			}
			w.isArray = true
		}
		words = append(words, w)
	}

	if len(words) < 2 {
		return fieldDefinition{}, s.Errorf("type identifier", "field identifier")
	}

	var category word
	typeWord, fieldWord := words[0], words[1]
	if len(words) == 3 {
		category, typeWord, fieldWord = words[0], words[1], words[2]
		if category.isArray {
			return fieldDefinition{}, s.ErrorAt(category.mark, "'[]'", "array marker on a category name", "type identifier")
		}
	}
	if typeWord.isArray && fieldWord.isArray {
		return fieldDefinition{}, s.ErrorAt(fieldWord.mark, "'[]'", "array marker may appear on the type or the field, not both", "newline")
	}

	return fieldDefinition{
		identifier: fieldWord.text,
		reference: TypeReference{
			Category:   category.text,
			Identifier: typeWord.text,
			IsArray:    typeWord.isArray || fieldWord.isArray,
		},
	}, nil
}
