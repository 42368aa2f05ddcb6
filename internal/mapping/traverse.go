package mapping

import (
	"errors"

	"github.com/basekick-labs/eca/internal/dsl"
)

// TraverseSignalMappings flattens fm to the leaf field mappings that bind
// directly to signals, walking through nested mappings in field order.
// A buffered field mapping with a buffered descendant at any depth is a
// nested-buffering StructuralError.
func (c *Compiler) TraverseSignalMappings(fm *FieldMapping) ([]*FieldMapping, error) {
	t := &traversal{c: c}
	if err := t.walkField(nil, fm, nil); err != nil {
		return nil, err
	}
	return t.leaves, nil
}

// TraverseTypeMapping flattens every field mapping of tm.
func (c *Compiler) TraverseTypeMapping(tm *TypeMapping) ([]*FieldMapping, error) {
	t := &traversal{c: c}
	if err := t.walkMapping(tm, nil); err != nil {
		return nil, err
	}
	return t.leaves, nil
}

// TraverseMapping flattens the mapping with the given identifier.
func (c *Compiler) TraverseMapping(identifier string) ([]*FieldMapping, error) {
	tm, ok := c.GetTypeMapping(identifier)
	if !ok {
		return nil, &dsl.ReferenceError{Reference: identifier, Err: errors.New("mapping not found")}
	}
	return c.TraverseTypeMapping(tm)
}

type traversal struct {
	c      *Compiler
	path   []*TypeMapping
	leaves []*FieldMapping
}

func (t *traversal) pathNames() []string {
	names := make([]string, len(t.path))
	for i, tm := range t.path {
		names[i] = tm.Identifier
	}
	return names
}

func (t *traversal) walkMapping(tm *TypeMapping, buffered *FieldMapping) error {
	for _, m := range t.path {
		if m == tm {
			return &dsl.StructuralError{
				File:    tm.File,
				Kind:    dsl.Circular,
				Mapping: tm.Identifier,
				Path:    append(t.pathNames(), tm.Identifier),
			}
		}
	}

	t.path = append(t.path, tm)
	defer func() { t.path = t.path[:len(t.path)-1] }()

	for _, fm := range tm.FieldMappings {
		if err := t.walkField(tm, fm, buffered); err != nil {
			return err
		}
	}
	return nil
}

// walkField visits fm; buffered is the nearest buffered ancestor, if any.
func (t *traversal) walkField(owner *TypeMapping, fm *FieldMapping, buffered *FieldMapping) error {
	if buffered != nil && fm.IsBuffered() {
		se := &dsl.StructuralError{
			Kind:  dsl.NestedBuffering,
			Field: fm.Field.Identifier,
			Path:  t.pathNames(),
		}
		if owner != nil {
			se.File = owner.File
			se.Mapping = owner.Identifier
		}
		return se
	}

	if fm.Kind().IsSignal() {
		t.leaves = append(t.leaves, fm)
		return nil
	}

	if buffered == nil && fm.IsBuffered() {
		buffered = fm
	}
	for _, id := range fm.MappingIdentifiers() {
		nested, ok := t.c.GetTypeMapping(id)
		if !ok {
			re := &dsl.ReferenceError{Field: fm.Field.Identifier, Reference: id, Err: errors.New("mapping not found")}
			if owner != nil {
				re.File = owner.File
				re.Owner = owner.Identifier
			}
			return re
		}
		if err := t.walkMapping(nested, buffered); err != nil {
			return err
		}
	}
	return nil
}
