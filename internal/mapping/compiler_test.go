package mapping

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basekick-labs/eca/internal/dsl"
	"github.com/basekick-labs/eca/internal/udt"
	"github.com/basekick-labs/eca/pkg/models"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const typesIDL = `category ECA
Phasor {
    FloatingPoint Double Magnitude
    FloatingPoint Double Angle
}

History {
    Phasor[] Samples
    Double[] Frequency
    Double Latest
}

Pair {
    Phasor First
    Phasor[] Many
    History Past
}
`

func newCompilers(t *testing.T, docs ...string) *Compiler {
	t.Helper()
	types := udt.NewCompiler(zerolog.Nop())
	require.NoError(t, types.CompileSource("types.ecaidl", []byte(typesIDL)))

	c := NewCompiler(types, zerolog.Nop())
	t.Cleanup(func() { c.Close() })
	for i, doc := range docs {
		require.NoError(t, c.CompileSource(filepath.Join("maps", string(rune('a'+i))+".ecamap"), []byte(doc)))
	}
	return c
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCompile_FieldShapes(t *testing.T) {
	c := newCompilers(t, `
ECA Phasor P1 {
    Magnitude: {FILTER ActiveMeasurements WHERE PointTag = 'MAG'}
    Angle: PPA:2
}

Phasor P2 { Magnitude: {PPA:3}; Angle: {PPA:4} }

History H1 {
    Samples: P1 last 5 points @ 30 per second
    Frequency: {PPA:5} from 2 seconds ago for 1 second
    Latest: PPA:6 3 points ago
}

Pair PR {
    First: P1
    Many: {P1, P2}
    Past: H1
}
`)

	p1, ok := c.GetTypeMapping("p1")
	require.True(t, ok)
	assert.Equal(t, "FILTER ActiveMeasurements WHERE PointTag = 'MAG'", p1.FieldMappings[0].Expression)
	assert.Equal(t, ScalarSignal, p1.FieldMappings[0].Kind())
	assert.Equal(t, "PPA:2", p1.FieldMappings[1].Expression)

	p2, ok := c.GetTypeMapping("P2")
	require.True(t, ok)
	require.Len(t, p2.FieldMappings, 2)
	assert.Equal(t, "PPA:4", p2.FieldMappings[1].Expression)

	h1, _ := c.GetTypeMapping("H1")
	samples := h1.FieldMappings[0]
	assert.Equal(t, ArrayMappingWindow, samples.Kind())
	assert.True(t, samples.WindowSize.Equal(dec("5")))
	assert.True(t, samples.RelativeTime.Equal(dec("5")))
	assert.Equal(t, models.UnitPoints, samples.WindowUnit)
	assert.True(t, samples.SampleRate.Equal(dec("30")))
	assert.Equal(t, models.Second, samples.SampleUnit)
	assert.Equal(t, "last 5 points @ 30 per second", samples.TimeWindowExpression)

	freq := h1.FieldMappings[1]
	assert.Equal(t, ArraySignalWindow, freq.Kind())
	assert.True(t, freq.RelativeTime.Equal(dec("2")))
	assert.Equal(t, models.Second, freq.RelativeUnit)
	assert.True(t, freq.WindowSize.Equal(dec("1")))

	latest := h1.FieldMappings[2]
	assert.Equal(t, ScalarSignal, latest.Kind())
	assert.True(t, latest.IsBuffered())
	assert.Equal(t, models.UnitPoints, latest.RelativeUnit)

	pr, _ := c.GetTypeMapping("PR")
	assert.Equal(t, ScalarMapping, pr.FieldMappings[0].Kind())
	assert.Equal(t, ArrayMappingLiteral, pr.FieldMappings[1].Kind())
	assert.Equal(t, []string{"P1", "P2"}, pr.FieldMappings[1].MappingIdentifiers())
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind any
	}{
		{"window on scalar", "Phasor X {\n Magnitude: PPA:1 last 5 seconds\n}\n", &dsl.SyntaxError{}},
		{"unknown unit", "History X {\n Frequency: PPA:1 last 5 fortnights\n}\n", &dsl.SyntaxError{}},
		{"missing ago", "Phasor X {\n Magnitude: PPA:1 5 seconds\n}\n", &dsl.SyntaxError{}},
		{"points as rate unit", "History X {\n Frequency: PPA:1 last 5 seconds @ 30 per point\n}\n", &dsl.SyntaxError{}},
		{"window over a list", "Pair X {\n Many: {A, B} last 2 seconds\n}\n", &dsl.SyntaxError{}},
		{"unknown field", "Phasor X {\n Voltage: PPA:1\n}\n", &dsl.ReferenceError{}},
		{"unknown type", "Unknown X {\n A: PPA:1\n}\n", &dsl.ReferenceError{}},
		{"primitive type", "Double X {\n A: PPA:1\n}\n", &dsl.ReferenceError{}},
		{"duplicate field", "Phasor X {\n Angle: PPA:1\n Angle: PPA:2\n}\n", &dsl.DefinitionError{}},
		{"duplicate mapping", "Phasor X {\n Angle: PPA:1\n}\nPhasor x {\n Angle: PPA:1\n}\n", &dsl.DefinitionError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCompilers(t)
			err := c.CompileSource("bad.ecamap", []byte(tt.src))
			require.Error(t, err)

			var be *dsl.BatchError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.src, be.FileContents)

			switch tt.kind.(type) {
			case *dsl.SyntaxError:
				var target *dsl.SyntaxError
				assert.True(t, errors.As(err, &target), err.Error())
			case *dsl.ReferenceError:
				var target *dsl.ReferenceError
				assert.True(t, errors.As(err, &target), err.Error())
			case *dsl.DefinitionError:
				var target *dsl.DefinitionError
				assert.True(t, errors.As(err, &target), err.Error())
			}
			assert.Empty(t, c.DefinedMappings())
		})
	}
}

func TestCompile_DuplicateAcrossFiles(t *testing.T) {
	c := newCompilers(t, "Phasor M1 {\n Angle: PPA:1\n}\n")
	err := c.CompileSource("other.ecamap", []byte("Phasor m1 {\n Angle: PPA:2\n}\n"))
	var def *dsl.DefinitionError
	require.True(t, errors.As(err, &def))
	assert.Equal(t, filepath.Join("maps", "a.ecamap"), def.PreviousFile)
}

func TestValidate_NoErrors(t *testing.T) {
	c := newCompilers(t, `
Phasor P1 {
    Magnitude: PPA:1
    Angle: PPA:2
}
History H1 {
    Samples: P1 last 5 points
    Latest: PPA:3
}
Pair PR {
    First: P1
    Many: {P1; P1}
    Past: H1
}
`)
	assert.Empty(t, c.ValidateDefinedMappings())
}

func TestValidate_NestedWindowReportedOnce(t *testing.T) {
	c := newCompilers(t, `
Phasor Inner {
    Magnitude: PPA:1 2 seconds ago
    Angle: PPA:2
}
History Outer {
    Samples: Inner last 5 seconds
}
Pair Top {
    First: Inner
    Past: Outer
}
`)
	errs := c.ValidateDefinedMappings()
	require.Len(t, errs, 1)

	var se *dsl.StructuralError
	require.True(t, errors.As(errs[0], &se))
	assert.Equal(t, dsl.NestedWindow, se.Kind)
	assert.Equal(t, "Outer", se.Mapping)
	assert.Equal(t, "Samples", se.Field)
	assert.True(t, errors.Is(errs[0], dsl.ErrNestedWindow))
}

func TestValidate_CircularReference(t *testing.T) {
	types := udt.NewCompiler(zerolog.Nop())
	require.NoError(t, types.CompileSource("t.ecaidl", []byte("A {\n B Next\n}\nB {\n A Back\n}\n")))
	c := NewCompiler(types, zerolog.Nop())
	defer c.Close()
	require.NoError(t, c.CompileSource("m.ecamap", []byte("A MA {\n Next: MB\n}\nB MB {\n Back: MA\n}\n")))

	errs := c.ValidateDefinedMappings()
	require.Len(t, errs, 1)
	var se *dsl.StructuralError
	require.True(t, errors.As(errs[0], &se))
	assert.Equal(t, dsl.Circular, se.Kind)
	assert.Equal(t, []string{"MA", "MB", "MA"}, se.Path)

	_, err := c.TraverseMapping("MA")
	require.True(t, errors.As(err, &se))
	assert.Equal(t, dsl.Circular, se.Kind)
}

func TestValidate_UnknownAndMismatchedReferences(t *testing.T) {
	c := newCompilers(t, `
Phasor P1 {
    Magnitude: PPA:1
}
History H1 {
    Latest: PPA:1
}
Pair Missing {
    First: Nowhere
}
Pair Mismatch {
    First: H1
}
Pair Dependent {
    Past: H1
    First: P1
}
`)
	errs := c.ValidateDefinedMappings()
	require.Len(t, errs, 2)
	for _, e := range errs {
		var ref *dsl.ReferenceError
		assert.True(t, errors.As(e, &ref))
	}
}

func TestTraverseSignalMappings(t *testing.T) {
	c := newCompilers(t, `
Phasor P1 {
    Magnitude: PPA:1
    Angle: PPA:2
}
Phasor P2 {
    Magnitude: PPA:3
    Angle: PPA:4
}
History H1 {
    Samples: P1 last 5 points
    Frequency: PPA:5 last 1 second
}
Pair PR {
    First: P2
    Many: {P1, P2}
    Past: H1
}
`)
	leaves, err := c.TraverseMapping("PR")
	require.NoError(t, err)
	var exprs []string
	for _, fm := range leaves {
		exprs = append(exprs, fm.Expression)
	}
	assert.Equal(t, []string{"PPA:3", "PPA:4", "PPA:1", "PPA:2", "PPA:3", "PPA:4", "PPA:1", "PPA:2", "PPA:5"}, exprs)

	h1, _ := c.GetTypeMapping("H1")
	leaves, err = c.TraverseSignalMappings(h1.FieldMappings[0])
	require.NoError(t, err)
	assert.Len(t, leaves, 2)
}

func TestTraverse_NestedBuffering(t *testing.T) {
	c := newCompilers(t, `
Phasor Inner {
    Magnitude: PPA:1 1 second ago
    Angle: PPA:2
}
History Outer {
    Samples: Inner last 5 seconds
}
`)
	_, err := c.TraverseMapping("Outer")
	var se *dsl.StructuralError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, dsl.NestedBuffering, se.Kind)
	assert.Equal(t, "Inner", se.Mapping)
	assert.True(t, errors.Is(err, dsl.ErrNestedBuffering))

	_, err = c.TraverseMapping("Inner")
	assert.NoError(t, err)
}

func TestEnumerateTypeMappings(t *testing.T) {
	c := newCompilers(t, `
Phasor P1 {
    Angle: PPA:1
}
Phasor P2 {
    Angle: PPA:2
}
History H1 {
    Latest: PPA:3
}
`)
	ctx := context.Background()

	ids := func(list []*TypeMapping) []string {
		var out []string
		for _, tm := range list {
			out = append(out, tm.Identifier)
		}
		return out
	}

	got, err := c.EnumerateTypeMappings(ctx, "FILTER Mappings WHERE TypeIdentifier = 'Phasor' ORDER BY MappingIdentifier DESC")
	require.NoError(t, err)
	assert.Equal(t, []string{"P2", "P1"}, ids(got))

	got, err = c.EnumerateTypeMappings(ctx, "FILTER MAPPINGS TOP 1")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = c.EnumerateTypeMappings(ctx, "FILTER ActiveMeasurements WHERE 1=1")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.EnumerateTypeMappings(ctx, "H1; p2 ;Nope")
	require.NoError(t, err)
	assert.Equal(t, []string{"H1", "P2"}, ids(got))

	// The table follows catalog changes.
	require.True(t, c.Remove("P2"))
	got, err = c.EnumerateTypeMappings(ctx, "FILTER Mappings WHERE TypeIdentifier = 'Phasor'")
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, ids(got))
}

func TestUpdateTimeWindow(t *testing.T) {
	c := newCompilers(t, `
History H1 {
    Frequency: PPA:5 last 1 second
    Latest: PPA:6
}
`)
	require.NoError(t, c.UpdateTimeWindow("H1", "Frequency", "from 10 points ago for 5 points @ 60 per second"))
	h1, _ := c.GetTypeMapping("H1")
	freq := h1.FieldMappings[0]
	assert.True(t, freq.RelativeTime.Equal(dec("10")))
	assert.True(t, freq.WindowSize.Equal(dec("5")))
	assert.True(t, freq.SampleRate.Equal(dec("60")))

	// Invalid text leaves the previous values in place.
	assert.Error(t, c.UpdateTimeWindow("H1", "Frequency", "last banana"))
	assert.True(t, freq.WindowSize.Equal(dec("5")))

	// Windows are rejected on scalar fields.
	assert.Error(t, c.UpdateTimeWindow("H1", "Latest", "last 2 seconds"))
	assert.False(t, h1.FieldMappings[1].IsBuffered())

	assert.Error(t, c.UpdateTimeWindow("Nope", "Latest", "1 second ago"))
}

func TestWriter_RoundTrip(t *testing.T) {
	src := `
Phasor P1 {
    Magnitude: {FILTER ActiveMeasurements WHERE SignalType = 'VPHM'}
    Angle: PPA:2 0.5 seconds ago
}
History H1 {
    Samples: P1 from 3 points ago for 2 points @ 30 per second
    Frequency: PPA:5 last 1 minute
}
Pair PR {
    Many: {P1; P1}
    Past: H1
}
`
	c := newCompilers(t, src)
	text := NewWriter().Bytes(c.DefinedMappings())

	again := newCompilers(t)
	require.NoError(t, again.CompileSource("round.ecamap", text), string(text))

	before := c.DefinedMappings()
	after := again.DefinedMappings()
	require.Len(t, after, len(before))
	for i, tm := range before {
		other := after[i]
		assert.Equal(t, tm.Identifier, other.Identifier)
		assert.Equal(t, tm.Type.String(), other.Type.String())
		require.Len(t, other.FieldMappings, len(tm.FieldMappings))
		for j, fm := range tm.FieldMappings {
			o := other.FieldMappings[j]
			assert.Equal(t, fm.Expression, o.Expression)
			assert.Equal(t, fm.Kind(), o.Kind())
			assert.True(t, fm.RelativeTime.Equal(o.RelativeTime))
			assert.True(t, fm.WindowSize.Equal(o.WindowSize))
			assert.True(t, fm.SampleRate.Equal(o.SampleRate))
			assert.Equal(t, fm.RelativeUnit, o.RelativeUnit)
			assert.Equal(t, fm.WindowUnit, o.WindowUnit)
		}
	}
	assert.Contains(t, string(text), "Magnitude: { FILTER ActiveMeasurements WHERE SignalType = 'VPHM' }")
}

func TestScan_IsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ECA"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ECA", "P1.ecamap"), []byte("Phasor P1 {\n Angle: PPA:1\n}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.ecamap"), []byte("Phasor {"), 0o644))

	c := newCompilers(t)
	batch, err := c.Scan(dir)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, filepath.Join(dir, "broken.ecamap"), batch[0].FilePath)
	assert.Len(t, c.DefinedMappings(), 1)
}
