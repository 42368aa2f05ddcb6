package udt

import (
	"github.com/basekick-labs/eca/internal/dsl"
)

// EnumerateReferencingTypes returns every user-defined type with a field
// whose type reference denotes t (directly or as an array element).
// References are matched with the normal precedence rules without resolving
// unrelated types. Types whose references cannot be matched or resolved are
// skipped and reported as batch errors.
func (c *Compiler) EnumerateReferencingTypes(t DataType) ([]*UserDefinedType, []*dsl.BatchError) {
	if a, ok := t.(*ArrayType); ok {
		t = a.Underlying
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		types []*UserDefinedType
		batch []*dsl.BatchError
	)
	for _, d := range c.defs {
		matches, err := c.references(d, t)
		if err == nil && matches {
			var udt *UserDefinedType
			err = c.track(func() error {
				var err error
				udt, err = c.resolveDefinition(d)
				return err
			})
			if err == nil {
				types = append(types, udt)
			}
		}
		if err != nil {
			batch = append(batch, dsl.NewBatchError(d.file, c.contents[d.file], err))
		}
	}
	return types, batch
}

func (c *Compiler) references(d *definition, t DataType) (bool, error) {
	matches := false
	for _, fd := range d.fields {
		cand, err := c.lookup(fd.reference)
		if err != nil {
			return false, fieldError(d, fd, err)
		}
		if denotes(cand, t) {
			matches = true
		}
	}
	return matches, nil
}

func denotes(cand candidate, t DataType) bool {
	if cand.primitive != nil {
		p, ok := t.(*PrimitiveType)
		return ok && p == cand.primitive
	}
	return t.IsUserDefined() && cand.definition.key() == typeKey(t.Category(), t.Identifier())
}

// GetReferencedTypes returns the user-defined types t depends on,
// transitively, with dependencies before their dependents. t itself is not
// included.
func GetReferencedTypes(t *UserDefinedType) []*UserDefinedType {
	var (
		ordered []*UserDefinedType
		visited = map[*UserDefinedType]bool{t: true}
		visit   func(*UserDefinedType)
	)
	visit = func(u *UserDefinedType) {
		for _, f := range u.Fields {
			dep, ok := f.ElementType().(*UserDefinedType)
			if !ok || visited[dep] {
				continue
			}
			visited[dep] = true
			visit(dep)
			ordered = append(ordered, dep)
		}
	}
	visit(t)
	return ordered
}
