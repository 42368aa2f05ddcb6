package mapping

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/basekick-labs/eca/internal/dsl"
	"github.com/basekick-labs/eca/internal/filterexpr"
	"github.com/rs/zerolog"
)

// FileExtension is the extension of mapping documents.
const FileExtension = ".ecamap"

// TableName is the only table mapping filter expressions can select from.
const TableName = "Mappings"

var tableColumns = []filterexpr.Column{
	{Name: "TypeCategory", Type: filterexpr.Text},
	{Name: "TypeIdentifier", Type: filterexpr.Text},
	{Name: "MappingIdentifier", Type: filterexpr.Text},
}

// Compiler parses mapping documents (*.ecamap) against a type catalog.
// Mapping identifiers are unique across the catalog, case-insensitive.
type Compiler struct {
	mu sync.Mutex

	types    TypeResolver
	mappings []*TypeMapping
	byID     map[string]*TypeMapping
	contents map[string]string

	filter      *filterexpr.Database
	filterDirty bool

	logger zerolog.Logger
}

// NewCompiler creates an empty compiler resolving types through types.
func NewCompiler(types TypeResolver, logger zerolog.Logger) *Compiler {
	return &Compiler{
		types:       types,
		byID:        make(map[string]*TypeMapping),
		contents:    make(map[string]string),
		filterDirty: true,
		logger:      logger.With().Str("component", "mapping-compiler").Logger(),
	}
}

// Close releases the filter database, if one was opened.
func (c *Compiler) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filter == nil {
		return nil
	}
	err := c.filter.Close()
	c.filter = nil
	return err
}

// Scan compiles every mapping document under dir recursively, isolating
// failures per file.
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
			var be *dsl.BatchError
			if !errors.As(err, &be) {
				be = dsl.NewBatchError(file, string(data), err)
			}
			batch = append(batch, be)
		}
	}

	c.logger.Debug().
		Str("dir", dir).
		Int("files", len(files)).
		Int("errors", len(batch)).
		Msg("Scanned mappings")

	return batch, nil
}

// Compile compiles one mapping document from disk.
func (c *Compiler) Compile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return c.CompileSource(path, data)
}

// CompileSource compiles one mapping document, replacing mappings previously
// compiled from the same name. On failure the catalog is unchanged and the
// error is a *dsl.BatchError.
func (c *Compiler) CompileSource(name string, src []byte) error {
	parsed, err := parseDocument(name, src, c.types)
	if err != nil {
		return dsl.NewBatchError(name, string(src), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tm := range parsed {
		if prev, ok := c.byID[strings.ToLower(tm.Identifier)]; ok && prev.File != name {
			return dsl.NewBatchError(name, string(src), &dsl.DefinitionError{
				File:         name,
				Kind:         "mapping",
				Name:         tm.Identifier,
				PreviousFile: prev.File,
			})
		}
	}

	c.removeFile(name)
	for _, tm := range parsed {
		c.mappings = append(c.mappings, tm)
		c.byID[strings.ToLower(tm.Identifier)] = tm
	}
	c.contents[name] = string(src)
	c.filterDirty = true
	return nil
}

func (c *Compiler) removeFile(file string) {
	kept := c.mappings[:0]
	for _, tm := range c.mappings {
		if tm.File == file {
			delete(c.byID, strings.ToLower(tm.Identifier))
			continue
		}
		kept = append(kept, tm)
	}
	c.mappings = kept
	delete(c.contents, file)
}

// Remove drops a mapping. It reports whether it existed.
func (c *Compiler) Remove(identifier string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	tm, ok := c.byID[strings.ToLower(identifier)]
	if !ok {
		return false
	}
	delete(c.byID, strings.ToLower(identifier))
	kept := c.mappings[:0]
	for _, m := range c.mappings {
		if m != tm {
			kept = append(kept, m)
		}
	}
	c.mappings = kept
	c.filterDirty = true
	return true
}

// GetTypeMapping looks a mapping up by identifier, case-insensitive.
func (c *Compiler) GetTypeMapping(identifier string) (*TypeMapping, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm, ok := c.byID[strings.ToLower(strings.TrimSpace(identifier))]
	return tm, ok
}

// DefinedMappings returns all mappings in compile order.
func (c *Compiler) DefinedMappings() []*TypeMapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*TypeMapping, len(c.mappings))
	copy(out, c.mappings)
	return out
}

// Contents returns the source text a document was compiled from.
func (c *Compiler) Contents(file string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.contents[file]
	return text, ok
}

// EnumerateTypeMappings selects mappings by a filter expression over the
// Mappings table (TypeCategory, TypeIdentifier, MappingIdentifier), or by a
// ';'-delimited list of identifiers. Unknown identifiers are skipped and a
// filter over any other table selects nothing.
func (c *Compiler) EnumerateTypeMappings(ctx context.Context, expression string) ([]*TypeMapping, error) {
	if !filterexpr.IsFilterExpression(expression) {
		var out []*TypeMapping
		for _, id := range strings.Split(expression, ";") {
			if tm, ok := c.GetTypeMapping(id); ok {
				out = append(out, tm)
			}
		}
		return out, nil
	}

	expr, err := filterexpr.Parse(expression)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(expr.Table, TableName) {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.refreshFilterTable(ctx); err != nil {
		return nil, err
	}
	rows, err := c.filter.Select(ctx, expr, "MappingIdentifier")
	if err != nil {
		return nil, err
	}

	out := make([]*TypeMapping, 0, len(rows))
	for _, row := range rows {
		if tm, ok := c.byID[strings.ToLower(row[0])]; ok {
			out = append(out, tm)
		}
	}
	return out, nil
}

func (c *Compiler) refreshFilterTable(ctx context.Context) error {
	if c.filter == nil {
		db, err := filterexpr.Open(c.logger)
		if err != nil {
			return err
		}
		c.filter = db
		c.filterDirty = true
	}
	if !c.filterDirty {
		return nil
	}

	rows := make([][]any, len(c.mappings))
	for i, tm := range c.mappings {
		rows[i] = []any{tm.Type.Category(), tm.Type.Identifier(), tm.Identifier}
	}
	if err := c.filter.CreateTable(ctx, TableName, tableColumns, rows); err != nil {
		return err
	}
	c.filterDirty = false
	return nil
}

// UpdateTimeWindow re-parses the time-window clause of one field mapping and
// rewrites it in place. The field mapping is left unchanged when the text
// does not parse.
func (c *Compiler) UpdateTimeWindow(mappingID, fieldID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tm, ok := c.byID[strings.ToLower(mappingID)]
	if !ok {
		return &dsl.ReferenceError{Reference: mappingID, Err: errors.New("mapping not found")}
	}
	fm, ok := tm.FieldMapping(fieldID)
	if !ok {
		return &dsl.ReferenceError{Owner: tm.Identifier, Reference: fieldID, Err: errors.New("field not mapped")}
	}

	w, err := ParseTimeWindow(text, fm.IsArray())
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("mapping", tm.Identifier).
			Str("field", fm.Field.Identifier).
			Msg("Ignoring invalid time window")
		return err
	}
	if fm.IsUserDefined() && fm.IsArray() && w.HasWindow() && len(fm.MappingIdentifiers()) != 1 {
		return fmt.Errorf("field %s.%s: a time window requires a single mapping", tm.Identifier, fm.Field.Identifier)
	}

	fm.TimeWindow = w
	fm.TimeWindowExpression = strings.TrimSpace(text)
	return nil
}

// GetReferencedMappings returns the mappings tm depends on, transitively,
// dependencies first. Unknown identifiers are skipped.
func (c *Compiler) GetReferencedMappings(tm *TypeMapping) []*TypeMapping {
	var (
		ordered []*TypeMapping
		visited = map[*TypeMapping]bool{tm: true}
		visit   func(*TypeMapping)
	)
	visit = func(m *TypeMapping) {
		for _, fm := range m.FieldMappings {
			for _, id := range fm.MappingIdentifiers() {
				dep, ok := c.GetTypeMapping(id)
				if !ok || visited[dep] {
					continue
				}
				visited[dep] = true
				visit(dep)
				ordered = append(ordered, dep)
			}
		}
	}
	visit(tm)
	return ordered
}

// Files returns the documents currently contributing mappings.
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
