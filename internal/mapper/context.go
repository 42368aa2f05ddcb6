package mapper

import (
	"errors"
	"fmt"

	"github.com/basekick-labs/eca/internal/alignment"
	"github.com/basekick-labs/eca/internal/dsl"
	"github.com/basekick-labs/eca/internal/mapping"
	"github.com/basekick-labs/eca/pkg/models"
)

var (
	// ErrMappingNotFound is returned when a mapping identifier is unknown.
	ErrMappingNotFound = errors.New("mapping not found")
	// ErrNotCrunched is returned by Map and Unmap before CrunchMetadata
	// succeeded.
	ErrNotCrunched = errors.New("metadata has not been crunched")
	// ErrPlanMismatch is returned when a traversal runs past or stops short
	// of the flattened lists, meaning the catalog changed under the plan.
	ErrPlanMismatch = errors.New("traversal does not match the crunched mapping plan")
)

// frame is the data a subtree is evaluated against. At the top level
// values is nil and current values come from the signal lookup.
type frame struct {
	timestamp int64
	buffered  bool
	values    alignment.Row
}

// traversal carries the cursors into a plan and the frame stack while a
// mapping tree is walked. Nested evaluations push a frame and pop it when
// done; a buffered frame can never be pushed on top of another one.
type traversal struct {
	plan    *plan
	cursor  cursor
	frames  []frame
	discard bool
}

func newTraversal(p *plan, timestamp int64) *traversal {
	return &traversal{plan: p, frames: []frame{{timestamp: timestamp}}}
}

func (t *traversal) current() frame {
	return t.frames[len(t.frames)-1]
}

func (t *traversal) push(f frame) error {
	if f.buffered && t.current().buffered {
		return fmt.Errorf("cannot evaluate a buffered frame inside another: %w", dsl.ErrNestedBuffering)
	}
	t.frames = append(t.frames, f)
	return nil
}

func (t *traversal) pop() {
	if len(t.frames) > 1 {
		t.frames = t.frames[:len(t.frames)-1]
	}
}

func (t *traversal) nextKeys() ([]models.MeasurementKey, error) {
	if t.cursor.key >= len(t.plan.keyGroups) {
		return nil, ErrPlanMismatch
	}
	keys := t.plan.keyGroups[t.cursor.key]
	t.cursor.key++
	return keys, nil
}

func (t *traversal) nextWindow() (*windowGroup, error) {
	if t.cursor.window >= len(t.plan.windows) {
		return nil, ErrPlanMismatch
	}
	g := t.plan.windows[t.cursor.window]
	t.cursor.window++
	return g, nil
}

func (t *traversal) nextCollection() ([]*mapping.TypeMapping, error) {
	if t.cursor.collection >= len(t.plan.collections) {
		return nil, ErrPlanMismatch
	}
	c := t.plan.collections[t.cursor.collection]
	t.cursor.collection++
	return c, nil
}

// finish checks that the walk consumed exactly the whole plan.
func (t *traversal) finish() error {
	if t.cursor != t.plan.position() {
		return ErrPlanMismatch
	}
	return nil
}

func firstKey(keys []models.MeasurementKey) models.MeasurementKey {
	if len(keys) == 0 {
		return models.UndefinedKey
	}
	return keys[0]
}

// rowTime returns the earliest timestamp in row, or fallback when empty.
func rowTime(row alignment.Row, fallback int64) int64 {
	ts, found := int64(0), false
	for _, m := range row {
		if !found || m.Timestamp < ts {
			ts, found = m.Timestamp, true
		}
	}
	if !found {
		return fallback
	}
	return ts
}
