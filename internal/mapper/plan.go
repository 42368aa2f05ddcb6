package mapper

import (
	"context"
	"fmt"

	"github.com/basekick-labs/eca/internal/alignment"
	"github.com/basekick-labs/eca/internal/dsl"
	"github.com/basekick-labs/eca/internal/mapping"
	"github.com/basekick-labs/eca/pkg/models"
)

// cursor indexes the three flattened lists of a plan.
type cursor struct {
	key        int
	window     int
	collection int
}

// windowGroup describes one buffered field: the signals its subtree reads,
// its window parameters, and the cursor position just past its subtree.
type windowGroup struct {
	field  *mapping.FieldMapping
	keys   []models.MeasurementKey
	window alignment.SampleWindow
	end    cursor
}

// plan is a mapping tree flattened into index-ordered lists, replayed on
// every frame in the same traversal order it was built in.
type plan struct {
	root *mapping.TypeMapping

	keyGroups   [][]models.MeasurementKey
	windows     []*windowGroup
	collections [][]*mapping.TypeMapping

	// retention is the history each key needs, in microseconds.
	retention map[models.MeasurementKey]int64
}

func (p *plan) position() cursor {
	return cursor{key: len(p.keyGroups), window: len(p.windows), collection: len(p.collections)}
}

// keys returns every defined key referenced by the plan.
func (p *plan) keys() []models.MeasurementKey {
	seen := make(map[models.MeasurementKey]bool)
	var out []models.MeasurementKey
	for _, group := range p.keyGroups {
		for _, k := range group {
			if !k.IsUndefined() && !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// KeyResolver resolves signal expressions to measurement keys.
type KeyResolver interface {
	GetMeasurementKeys(ctx context.Context, expression string) ([]models.MeasurementKey, error)
}

type planner struct {
	ctx       context.Context
	compiler  *mapping.Compiler
	keys      KeyResolver
	alignment *alignment.Coordinator
	plan      *plan
	resolved  map[string][]models.MeasurementKey
}

// buildPlan flattens the mapping named identifier. Nested buffering and
// circular references are rejected before anything is flattened.
func buildPlan(ctx context.Context, compiler *mapping.Compiler, keys KeyResolver, coord *alignment.Coordinator, identifier string) (*plan, error) {
	root, ok := compiler.GetTypeMapping(identifier)
	if !ok {
		return nil, fmt.Errorf("mapping %s: %w", identifier, ErrMappingNotFound)
	}
	if _, err := compiler.TraverseTypeMapping(root); err != nil {
		return nil, err
	}

	pl := &planner{
		ctx:       ctx,
		compiler:  compiler,
		keys:      keys,
		alignment: coord,
		plan:      &plan{root: root, retention: make(map[models.MeasurementKey]int64)},
		resolved:  make(map[string][]models.MeasurementKey),
	}
	if err := pl.mapping(root); err != nil {
		return nil, err
	}
	return pl.plan, nil
}

func (pl *planner) resolve(expression string) ([]models.MeasurementKey, error) {
	if keys, ok := pl.resolved[expression]; ok {
		return keys, nil
	}
	keys, err := pl.keys.GetMeasurementKeys(pl.ctx, expression)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signals %q: %w", expression, err)
	}
	pl.resolved[expression] = keys
	return keys, nil
}

func (pl *planner) mapping(tm *mapping.TypeMapping) error {
	for _, fm := range tm.FieldMappings {
		if err := pl.field(tm, fm); err != nil {
			return err
		}
	}
	return nil
}

func (pl *planner) field(owner *mapping.TypeMapping, fm *mapping.FieldMapping) error {
	kind := fm.Kind()

	if kind.IsSignal() {
		keys, err := pl.resolve(fm.Expression)
		if err != nil {
			return err
		}
		pl.plan.keyGroups = append(pl.plan.keyGroups, keys)
		if fm.IsBuffered() {
			group, err := pl.window(fm, keys)
			if err != nil {
				return err
			}
			group.end = pl.plan.position()
		}
		return nil
	}

	var nested []*mapping.TypeMapping
	for _, id := range fm.MappingIdentifiers() {
		tm, ok := pl.compiler.GetTypeMapping(id)
		if !ok {
			return &dsl.ReferenceError{File: owner.File, Owner: owner.Identifier, Field: fm.Field.Identifier, Reference: id, Err: ErrMappingNotFound}
		}
		nested = append(nested, tm)
	}
	if kind == mapping.ScalarMapping && len(nested) != 1 {
		return fmt.Errorf("field %s.%s must map to exactly one mapping", owner.Identifier, fm.Field.Identifier)
	}
	if kind == mapping.ArrayMappingWindow && len(nested) != 1 {
		return fmt.Errorf("windowed field %s.%s must map to exactly one mapping", owner.Identifier, fm.Field.Identifier)
	}
	pl.plan.collections = append(pl.plan.collections, nested)

	var group *windowGroup
	if fm.IsBuffered() {
		leaves, err := pl.compiler.TraverseSignalMappings(fm)
		if err != nil {
			return err
		}
		var keys []models.MeasurementKey
		seen := make(map[models.MeasurementKey]bool)
		for _, leaf := range leaves {
			resolved, err := pl.resolve(leaf.Expression)
			if err != nil {
				return err
			}
			for _, k := range resolved {
				if !k.IsUndefined() && !seen[k] {
					seen[k] = true
					keys = append(keys, k)
				}
			}
		}
		if group, err = pl.window(fm, keys); err != nil {
			return err
		}
	}

	for _, tm := range nested {
		if err := pl.mapping(tm); err != nil {
			return err
		}
	}
	if group != nil {
		group.end = pl.plan.position()
	}
	return nil
}

// window appends the window group of a buffered field and records the
// retention its keys need.
func (pl *planner) window(fm *mapping.FieldMapping, keys []models.MeasurementKey) (*windowGroup, error) {
	var (
		w   alignment.SampleWindow
		err error
	)
	if fm.HasWindow() {
		w, err = pl.alignment.CreateRangedSampleWindow(fm.RelativeTime, fm.RelativeUnit, fm.SampleRate, fm.SampleUnit, fm.WindowSize, fm.WindowUnit)
	} else {
		w, err = pl.alignment.CreateSampleWindow(fm.RelativeTime, fm.RelativeUnit, fm.SampleRate, fm.SampleUnit)
	}
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", fm.Field.Identifier, err)
	}

	// One extra interval keeps a neighbour for the oldest ideal timestamp.
	retention := w.FrameOffset + w.StartOffset + w.Interval
	for _, k := range keys {
		if k.IsUndefined() {
			continue
		}
		if retention > pl.plan.retention[k] {
			pl.plan.retention[k] = retention
		}
	}

	group := &windowGroup{field: fm, keys: keys, window: w}
	pl.plan.windows = append(pl.plan.windows, group)
	return group, nil
}
