// Package library keeps the definition documents on disk: user-defined
// types, input mappings and output mappings, each in its own directory and
// guarded by its own lock.
package library

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/basekick-labs/eca/internal/dsl"
	"github.com/basekick-labs/eca/internal/mapping"
	"github.com/basekick-labs/eca/internal/storage"
	"github.com/basekick-labs/eca/internal/udt"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds the three definition directories.
type Config struct {
	UDTPath           string
	InputMappingPath  string
	OutputMappingPath string
	Logger            zerolog.Logger
}

// mappingDomain is one mapping directory with its compiler and the batch
// errors of its last load.
type mappingDomain struct {
	mu       sync.RWMutex
	name     string
	store    *storage.LocalBackend
	compiler *mapping.Compiler
	errors   []*dsl.BatchError
}

// Library owns the compilers built from the definition directories.
// UDT edits and mapping edits lock independently.
type Library struct {
	udtMu     sync.RWMutex
	udtStore  *storage.LocalBackend
	types     *udt.Compiler
	udtErrors []*dsl.BatchError

	inputs  *mappingDomain
	outputs *mappingDomain

	logger zerolog.Logger
}

// New opens (creating if needed) the three directories. Call Load to
// compile their contents.
func New(cfg *Config) (*Library, error) {
	logger := cfg.Logger.With().Str("component", "library").Logger()

	udts, err := storage.NewLocalBackend(cfg.UDTPath, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("udt directory: %w", err)
	}
	inputs, err := storage.NewLocalBackend(cfg.InputMappingPath, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("input mapping directory: %w", err)
	}
	outputs, err := storage.NewLocalBackend(cfg.OutputMappingPath, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("output mapping directory: %w", err)
	}

	types := udt.NewCompiler(cfg.Logger)
	return &Library{
		udtStore: udts,
		types:    types,
		inputs:   &mappingDomain{name: "input", store: inputs, compiler: mapping.NewCompiler(types, cfg.Logger)},
		outputs:  &mappingDomain{name: "output", store: outputs, compiler: mapping.NewCompiler(types, cfg.Logger)},
		logger:   logger,
	}, nil
}

// Close releases the mapping compilers.
func (l *Library) Close() error {
	var firstErr error
	for _, d := range []*mappingDomain{l.inputs, l.outputs} {
		d.mu.Lock()
		if err := d.compiler.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.mu.Unlock()
	}
	return firstErr
}

// Types returns the current type compiler.
func (l *Library) Types() *udt.Compiler {
	l.udtMu.RLock()
	defer l.udtMu.RUnlock()
	return l.types
}

// Inputs returns the current input mapping compiler.
func (l *Library) Inputs() *mapping.Compiler {
	return l.inputs.current()
}

// Outputs returns the current output mapping compiler.
func (l *Library) Outputs() *mapping.Compiler {
	return l.outputs.current()
}

func (d *mappingDomain) current() *mapping.Compiler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.compiler
}

// Load recompiles every directory. Types are scanned first; both mapping
// directories are then scanned and validated concurrently against them.
// Per-file failures become batch errors; only unreadable directories fail.
func (l *Library) Load(ctx context.Context) error {
	types, err := l.loadTypes()
	if err != nil {
		return err
	}
	return l.loadMappings(ctx, types)
}

func (l *Library) loadTypes() (*udt.Compiler, error) {
	l.udtMu.Lock()
	defer l.udtMu.Unlock()

	types := udt.NewCompiler(l.logger)
	batch, err := types.Scan(l.udtStore.BasePath())
	if err != nil {
		return nil, err
	}
	defined, resolveErrs := types.DefinedTypes()
	batch = append(batch, resolveErrs...)

	l.types, l.udtErrors = types, batch

	l.logger.Info().
		Int("types", len(defined)).
		Int("errors", len(batch)).
		Msg("Loaded type definitions")

	return types, nil
}

func (l *Library) loadMappings(ctx context.Context, types *udt.Compiler) error {
	g, _ := errgroup.WithContext(ctx)
	for _, d := range []*mappingDomain{l.inputs, l.outputs} {
		d := d
		g.Go(func() error {
			return d.reload(types, l.logger)
		})
	}
	return g.Wait()
}

func (d *mappingDomain) reload(types *udt.Compiler, logger zerolog.Logger) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := mapping.NewCompiler(types, logger)
	batch, err := c.Scan(d.store.BasePath())
	if err != nil {
		c.Close()
		return fmt.Errorf("%s mappings: %w", d.name, err)
	}
	batch = append(batch, c.ValidateDefinedMappings()...)

	if d.compiler != nil {
		d.compiler.Close()
	}
	d.compiler, d.errors = c, batch

	logger.Info().
		Str("component", "library").
		Str("domain", d.name).
		Int("mappings", len(c.DefinedMappings())).
		Int("errors", len(batch)).
		Msg("Loaded mappings")

	return nil
}

// BatchErrors returns the errors of the last load of every directory,
// sorted by file path.
func (l *Library) BatchErrors() []*dsl.BatchError {
	l.udtMu.RLock()
	out := append([]*dsl.BatchError(nil), l.udtErrors...)
	l.udtMu.RUnlock()

	for _, d := range []*mappingDomain{l.inputs, l.outputs} {
		d.mu.RLock()
		out = append(out, d.errors...)
		d.mu.RUnlock()
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

func errorFor(batch []*dsl.BatchError, file string) error {
	for _, e := range batch {
		if e.FilePath == file {
			return e
		}
	}
	return nil
}

// FixUDT overwrites an IDL document and recompiles the library. It returns
// the batch error still reported for that file, if any.
func (l *Library) FixUDT(ctx context.Context, file, contents string) error {
	full, err := l.writeUDT(ctx, file, []byte(contents))
	if err != nil {
		return err
	}
	if err := l.Load(ctx); err != nil {
		return err
	}

	l.udtMu.RLock()
	defer l.udtMu.RUnlock()
	return errorFor(l.udtErrors, full)
}

func (l *Library) writeUDT(ctx context.Context, file string, data []byte) (string, error) {
	l.udtMu.Lock()
	defer l.udtMu.Unlock()

	rel, err := l.udtStore.Relative(file)
	if err != nil {
		return "", err
	}
	if err := l.udtStore.Write(ctx, rel, data); err != nil {
		return "", err
	}
	return l.udtStore.FullPath(rel)
}

// FixInputMapping overwrites an input mapping document and reloads the
// input mappings.
func (l *Library) FixInputMapping(ctx context.Context, file, contents string) error {
	return l.fixMapping(ctx, l.inputs, file, contents)
}

// FixOutputMapping overwrites an output mapping document and reloads the
// output mappings.
func (l *Library) FixOutputMapping(ctx context.Context, file, contents string) error {
	return l.fixMapping(ctx, l.outputs, file, contents)
}

func (l *Library) fixMapping(ctx context.Context, d *mappingDomain, file, contents string) error {
	rel, err := d.store.Relative(file)
	if err != nil {
		return err
	}
	if err := d.store.Write(ctx, rel, []byte(contents)); err != nil {
		return err
	}
	full, err := d.store.FullPath(rel)
	if err != nil {
		return err
	}
	if err := d.reload(l.Types(), l.logger); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return errorFor(d.errors, full)
}

// UDTPath returns the document path of a type: <Category>/<Identifier>.ecaidl.
func UDTPath(t *udt.UserDefinedType) string {
	return path.Join(t.Category(), t.Identifier()+udt.FileExtension)
}

// MappingPath returns the document path of a mapping:
// <TypeCategory>/<Identifier>.ecamap.
func MappingPath(tm *mapping.TypeMapping) string {
	return path.Join(tm.Type.Category(), tm.Identifier+mapping.FileExtension)
}

// WriteUDT persists t to its own document and recompiles the library.
func (l *Library) WriteUDT(ctx context.Context, t *udt.UserDefinedType) error {
	data := udt.NewWriter().Bytes([]*udt.UserDefinedType{t})
	full, err := l.writeUDT(ctx, UDTPath(t), data)
	if err != nil {
		return err
	}
	if err := l.Load(ctx); err != nil {
		return err
	}

	l.udtMu.RLock()
	defer l.udtMu.RUnlock()
	return errorFor(l.udtErrors, full)
}

// WriteInputMapping persists tm to its own input mapping document.
func (l *Library) WriteInputMapping(ctx context.Context, tm *mapping.TypeMapping) error {
	return l.fixMapping(ctx, l.inputs, MappingPath(tm), string(mapping.NewWriter().Bytes([]*mapping.TypeMapping{tm})))
}

// WriteOutputMapping persists tm to its own output mapping document.
func (l *Library) WriteOutputMapping(ctx context.Context, tm *mapping.TypeMapping) error {
	return l.fixMapping(ctx, l.outputs, MappingPath(tm), string(mapping.NewWriter().Bytes([]*mapping.TypeMapping{tm})))
}
