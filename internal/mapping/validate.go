package mapping

import (
	"fmt"
	"strings"

	"github.com/basekick-labs/eca/internal/dsl"
)

type visitState int

const (
	unvisited visitState = iota
	visiting
	valid
)

type visitRecord struct {
	state    visitState
	hasError bool
	// buffered is set when the mapping or any descendant has a buffered field.
	buffered bool
}

type validator struct {
	c       *Compiler
	records map[*TypeMapping]*visitRecord
	path    []string
	errors  []*dsl.BatchError
}

// ValidateDefinedMappings checks the whole catalog for unresolved mapping
// references, circular references and nested time windows. Each mapping is
// validated once and reports at most one error; mappings depending on an
// invalid mapping are skipped without a further report.
func (c *Compiler) ValidateDefinedMappings() []*dsl.BatchError {
	v := &validator{c: c, records: make(map[*TypeMapping]*visitRecord)}
	for _, tm := range c.DefinedMappings() {
		v.validate(tm)
	}
	if len(v.errors) > 0 {
		c.logger.Warn().Int("errors", len(v.errors)).Msg("Mapping validation failed")
	}
	return v.errors
}

func (v *validator) record(tm *TypeMapping) *visitRecord {
	r, ok := v.records[tm]
	if !ok {
		r = &visitRecord{}
		v.records[tm] = r
	}
	return r
}

func (v *validator) report(tm *TypeMapping, err error) {
	r := v.record(tm)
	if r.hasError {
		return
	}
	r.hasError = true
	contents, _ := v.c.Contents(tm.File)
	v.errors = append(v.errors, dsl.NewBatchError(tm.File, contents, err))
}

// validate returns whether tm is valid and whether it contains a buffered
// field mapping at any depth.
func (v *validator) validate(tm *TypeMapping) (bool, bool) {
	r := v.record(tm)
	switch {
	case r.hasError:
		return false, r.buffered
	case r.state == valid:
		return true, r.buffered
	case r.state == visiting:
		v.report(tm, &dsl.StructuralError{
			File:    tm.File,
			Kind:    dsl.Circular,
			Mapping: tm.Identifier,
			Path:    append(append([]string(nil), v.path...), tm.Identifier),
		})
		return false, r.buffered
	}

	r.state = visiting
	v.path = append(v.path, tm.Identifier)
	defer func() {
		v.path = v.path[:len(v.path)-1]
		r.state = valid
	}()

	for _, fm := range tm.FieldMappings {
		if fm.IsBuffered() {
			r.buffered = true
		}
		if fm.Kind().IsSignal() {
			continue
		}
		for _, id := range fm.MappingIdentifiers() {
			dep, ok := v.c.GetTypeMapping(id)
			if !ok {
				v.report(tm, &dsl.ReferenceError{
					File:      tm.File,
					Owner:     tm.Identifier,
					Field:     fm.Field.Identifier,
					Reference: id,
					Err:       fmt.Errorf("mapping not found"),
				})
				return false, r.buffered
			}
			if want := fm.Field.ElementType(); !strings.EqualFold(dep.Type.String(), want.String()) {
				v.report(tm, &dsl.ReferenceError{
					File:      tm.File,
					Owner:     tm.Identifier,
					Field:     fm.Field.Identifier,
					Reference: id,
					Err:       fmt.Errorf("mapping %s binds %s, field expects %s", dep.Identifier, dep.Type, want),
				})
				return false, r.buffered
			}

			depValid, depBuffered := v.validate(dep)
			if !depValid {
				r.hasError = true
				return false, r.buffered
			}
			if fm.IsBuffered() && depBuffered {
				v.report(tm, &dsl.StructuralError{
					File:    tm.File,
					Kind:    dsl.NestedWindow,
					Mapping: tm.Identifier,
					Field:   fm.Field.Identifier,
					Path:    []string{tm.Identifier, dep.Identifier},
				})
				return false, r.buffered
			}
			r.buffered = r.buffered || depBuffered
		}
	}

	return !r.hasError, r.buffered
}
