package udt

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/basekick-labs/eca/internal/dsl"
	"github.com/rs/zerolog"
)

// FileExtension is the extension of IDL documents.
const FileExtension = ".ecaidl"

type resolveState int

const (
	stateUnresolved resolveState = iota
	stateResolving
	stateResolved
	stateFailed
)

// Compiler parses IDL documents into a catalog of user-defined types and
// resolves field type references lazily on first access.
//
// Parsed definitions and the resolved graph are kept apart: definitions are
// immutable once compiled, resolution builds UserDefinedType nodes from them
// and records progress in a state table. A type referencing a type that is
// still being resolved receives the already allocated node, so cyclic type
// graphs terminate.
type Compiler struct {
	mu sync.Mutex

	defs         []*definition
	byKey        map[string]*definition
	byIdentifier map[string][]*definition
	contents     map[string]string

	resolved map[string]*UserDefinedType
	state    map[string]resolveState
	failures map[string]error
	arrays   map[DataType]*ArrayType
	run      []string

	logger zerolog.Logger
}

// NewCompiler creates an empty compiler.
func NewCompiler(logger zerolog.Logger) *Compiler {
	c := &Compiler{
		byKey:        make(map[string]*definition),
		byIdentifier: make(map[string][]*definition),
		contents:     make(map[string]string),
		logger:       logger.With().Str("component", "udt-compiler").Logger(),
	}
	c.invalidate()
	return c
}

// Clone returns an independent compiler with the same definitions and a fresh
// resolution state.
func (c *Compiler) Clone() *Compiler {
	c.mu.Lock()
	defer c.mu.Unlock()

	clone := NewCompiler(c.logger)
	for _, d := range c.defs {
		clone.add(d)
	}
	for file, text := range c.contents {
		clone.contents[file] = text
	}
	return clone
}

// Scan compiles every IDL document under dir recursively. Failures are
// isolated per file and returned as batch errors; an error is returned only
// when the directory cannot be enumerated.
func (c *Compiler) Scan(dir string) ([]*dsl.BatchError, error) {
	files, err := dsl.FindFiles(dir, FileExtension)
	if err != nil {
		return nil, err
	}

	var batch []*dsl.BatchError
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			batch = append(batch, dsl.NewBatchError(file, "", err))
			continue
		}
		if err := c.CompileSource(file, data); err != nil {
			batch = append(batch, asBatchError(file, data, err))
		}
	}

	c.logger.Debug().
		Str("dir", dir).
		Int("files", len(files)).
		Int("errors", len(batch)).
		Msg("Scanned type definitions")

	return batch, nil
}

// Compile compiles one IDL document from disk.
func (c *Compiler) Compile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return c.CompileSource(path, data)
}

// CompileSource compiles one IDL document. Definitions previously compiled
// from the same name are replaced. On failure the catalog is unchanged and
// the returned error is a *dsl.BatchError carrying name and contents.
func (c *Compiler) CompileSource(name string, src []byte) error {
	defs, err := parseDocument(name, src)
	if err != nil {
		return dsl.NewBatchError(name, string(src), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range defs {
		if prev, ok := c.byKey[d.key()]; ok && prev.file != name {
			return dsl.NewBatchError(name, string(src), &dsl.DefinitionError{
				File:         name,
				Kind:         "type",
				Name:         d.name(),
				PreviousFile: prev.file,
			})
		}
	}

	c.removeFile(name)
	for _, d := range defs {
		c.add(d)
	}
	c.contents[name] = string(src)
	c.invalidate()
	return nil
}

// Remove drops a type definition. It reports whether the type existed.
func (c *Compiler) Remove(category, identifier string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.byKey[typeKey(category, identifier)]
	if !ok {
		return false
	}
	c.remove(d)
	c.invalidate()
	return true
}

// GetType resolves a type by category and identifier. An identifier ending
// in "[]" yields the array type of the base type. An empty category applies
// the ambiguity rules of GetTypeByName.
func (c *Compiler) GetType(category, identifier string) (DataType, error) {
	ref := TypeReference{Category: category, Identifier: identifier}
	if strings.HasSuffix(identifier, "[]") {
		ref.Identifier = strings.TrimSpace(strings.TrimSuffix(identifier, "[]"))
		ref.IsArray = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var t DataType
	err := c.track(func() error {
		var err error
		t, err = c.resolveReference(ref)
		return err
	})
	return t, err
}

// GetTypeByName resolves an identifier, optionally qualified as
// "Category.Identifier". An unqualified identifier must be unambiguous:
// a unique candidate, else a unique primitive, else a unique candidate in
// the default category.
func (c *Compiler) GetTypeByName(name string) (DataType, error) {
	if idx := strings.LastIndexByte(name, '.'); idx > 0 {
		return c.GetType(name[:idx], name[idx+1:])
	}
	return c.GetType("", name)
}

// GetUserDefinedType resolves a type and requires it to be user defined.
func (c *Compiler) GetUserDefinedType(category, identifier string) (*UserDefinedType, error) {
	t, err := c.GetType(category, identifier)
	if err != nil {
		return nil, err
	}
	udt, ok := t.(*UserDefinedType)
	if !ok {
		return nil, &dsl.ReferenceError{Reference: t.String(), Err: fmt.Errorf("%s is not a user-defined type", t)}
	}
	return udt, nil
}

// DefinedTypes resolves and returns every defined type in declaration order.
// Types failing resolution are skipped and reported as batch errors.
func (c *Compiler) DefinedTypes() ([]*UserDefinedType, []*dsl.BatchError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		types []*UserDefinedType
		batch []*dsl.BatchError
	)
	for _, d := range c.defs {
		var t *UserDefinedType
		err := c.track(func() error {
			var err error
			t, err = c.resolveDefinition(d)
			return err
		})
		if err != nil {
			batch = append(batch, dsl.NewBatchError(d.file, c.contents[d.file], err))
			continue
		}
		types = append(types, t)
	}
	return types, batch
}

// Files returns the documents currently contributing definitions.
func (c *Compiler) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	files := make([]string, 0, len(c.contents))
	for f := range c.contents {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Contents returns the source text a document was compiled from.
func (c *Compiler) Contents(file string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.contents[file]
	return text, ok
}

func (c *Compiler) add(d *definition) {
	c.defs = append(c.defs, d)
	c.byKey[d.key()] = d
	id := strings.ToLower(d.identifier)
	c.byIdentifier[id] = append(c.byIdentifier[id], d)
}

func (c *Compiler) remove(d *definition) {
	delete(c.byKey, d.key())
	c.defs = without(c.defs, d)
	id := strings.ToLower(d.identifier)
	if list := without(c.byIdentifier[id], d); len(list) > 0 {
		c.byIdentifier[id] = list
	} else {
		delete(c.byIdentifier, id)
	}
}

func (c *Compiler) removeFile(file string) {
	for _, d := range append([]*definition(nil), c.defs...) {
		if d.file == file {
			c.remove(d)
		}
	}
	delete(c.contents, file)
}

func without(list []*definition, d *definition) []*definition {
	out := list[:0:0]
	for _, item := range list {
		if item != d {
			out = append(out, item)
		}
	}
	return out
}

// invalidate discards the resolved graph after the catalog changed.
func (c *Compiler) invalidate() {
	c.resolved = make(map[string]*UserDefinedType)
	c.state = make(map[string]resolveState)
	c.failures = make(map[string]error)
	c.arrays = make(map[DataType]*ArrayType)
}

// track runs one top-level resolution. When it fails, types resolved during
// the run are reset to unresolved since they may hold the node of a type that
// has since failed.
func (c *Compiler) track(fn func() error) error {
	c.run = c.run[:0]
	err := fn()
	if err != nil {
		for _, key := range c.run {
			if c.state[key] == stateResolved {
				c.state[key] = stateUnresolved
				delete(c.resolved, key)
			}
		}
	}
	c.run = c.run[:0]
	return err
}

// candidate is either a primitive or a parsed definition.
type candidate struct {
	primitive  *PrimitiveType
	definition *definition
}

func (c candidate) category() string {
	if c.primitive != nil {
		return c.primitive.category
	}
	return c.definition.category
}

func (c candidate) name() string {
	if c.primitive != nil {
		return c.primitive.String()
	}
	return c.definition.name()
}

// lookup finds the candidate a reference denotes without resolving it.
func (c *Compiler) lookup(ref TypeReference) (candidate, error) {
	if ref.Category != "" {
		if p, ok := LookupPrimitive(ref.Identifier); ok && strings.EqualFold(p.category, ref.Category) {
			return candidate{primitive: p}, nil
		}
		if d, ok := c.byKey[typeKey(ref.Category, ref.Identifier)]; ok {
			return candidate{definition: d}, nil
		}
		return candidate{}, &dsl.ReferenceError{Reference: ref.Category + "." + ref.Identifier}
	}

	var all []candidate
	if p, ok := LookupPrimitive(ref.Identifier); ok {
		all = append(all, candidate{primitive: p})
	}
	for _, d := range c.byIdentifier[strings.ToLower(ref.Identifier)] {
		all = append(all, candidate{definition: d})
	}

	switch len(all) {
	case 0:
		return candidate{}, &dsl.ReferenceError{Reference: ref.Identifier}
	case 1:
		return all[0], nil
	}

	if primitives := filter(all, func(x candidate) bool { return x.primitive != nil }); len(primitives) == 1 {
		return primitives[0], nil
	}
	if defaults := filter(all, func(x candidate) bool {
		return strings.EqualFold(x.category(), DefaultCategory)
	}); len(defaults) == 1 {
		return defaults[0], nil
	}

	names := make([]string, len(all))
	for i, x := range all {
		names[i] = x.name()
	}
	return candidate{}, &dsl.ReferenceError{Reference: ref.Identifier, Candidates: names}
}

func filter(list []candidate, keep func(candidate) bool) []candidate {
	var out []candidate
	for _, x := range list {
		if keep(x) {
			out = append(out, x)
		}
	}
	return out
}

func (c *Compiler) resolveReference(ref TypeReference) (DataType, error) {
	cand, err := c.lookup(ref)
	if err != nil {
		return nil, err
	}

	var base DataType
	if cand.primitive != nil {
		base = cand.primitive
	} else {
		udt, err := c.resolveDefinition(cand.definition)
		if err != nil {
			return nil, err
		}
		base = udt
	}

	if !ref.IsArray {
		return base, nil
	}
	return c.arrayOf(base), nil
}

func (c *Compiler) arrayOf(base DataType) *ArrayType {
	if a, ok := c.arrays[base]; ok {
		return a
	}
	a := &ArrayType{Underlying: base}
	c.arrays[base] = a
	return a
}

func (c *Compiler) resolveDefinition(d *definition) (*UserDefinedType, error) {
	key := d.key()
	switch c.state[key] {
	case stateResolved, stateResolving:
		return c.resolved[key], nil
	case stateFailed:
		return nil, c.failures[key]
	}

	node := &UserDefinedType{category: d.category, identifier: d.identifier, file: d.file}
	c.resolved[key] = node
	c.state[key] = stateResolving
	c.run = append(c.run, key)

	fields := make([]*Field, 0, len(d.fields))
	for _, fd := range d.fields {
		t, err := c.resolveReference(fd.reference)
		if err != nil {
			err = fieldError(d, fd, err)
			c.state[key] = stateFailed
			c.failures[key] = err
			delete(c.resolved, key)
			return nil, err
		}
		fields = append(fields, &Field{Identifier: fd.identifier, Type: t, Reference: fd.reference})
	}

	node.Fields = fields
	c.state[key] = stateResolved
	return node, nil
}

func fieldError(d *definition, fd fieldDefinition, err error) error {
	if re, ok := err.(*dsl.ReferenceError); ok && re.Owner == "" {
		re.File = d.file
		re.Owner = d.name()
		re.Field = fd.identifier
		return re
	}
	return &dsl.ReferenceError{
		File:      d.file,
		Owner:     d.name(),
		Field:     fd.identifier,
		Reference: fd.reference.String(),
		Err:       err,
	}
}

func asBatchError(file string, data []byte, err error) *dsl.BatchError {
	if be, ok := err.(*dsl.BatchError); ok {
		return be
	}
	return dsl.NewBatchError(file, string(data), err)
}
