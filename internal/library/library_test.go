package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basekick-labs/eca/internal/udt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const phasorIDL = `category ECA
Phasor {
    FloatingPoint Double Magnitude
    FloatingPoint Double Angle
}
`

const inputMapping = `ECA Phasor M1 {
    Magnitude: {SIG1}
    Angle: {SIG2}
}
`

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func newLibrary(t *testing.T) (*Library, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "udts", "ECA", "Phasor.ecaidl"), phasorIDL)
	writeFile(t, filepath.Join(root, "inputs", "ECA", "M1.ecamap"), inputMapping)
	writeFile(t, filepath.Join(root, "outputs", "ECA", "Bad.ecamap"), "Phasor OUT {\n    Magnitude {X}\n}\n")

	lib, err := New(&Config{
		UDTPath:           filepath.Join(root, "udts"),
		InputMappingPath:  filepath.Join(root, "inputs"),
		OutputMappingPath: filepath.Join(root, "outputs"),
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })
	require.NoError(t, lib.Load(context.Background()))
	return lib, root
}

func TestLoad(t *testing.T) {
	lib, root := newLibrary(t)

	_, err := lib.Types().GetType("ECA", "Phasor")
	require.NoError(t, err)

	_, ok := lib.Inputs().GetTypeMapping("m1")
	assert.True(t, ok)

	errs := lib.BatchErrors()
	require.Len(t, errs, 1)
	bad, _ := filepath.Abs(filepath.Join(root, "outputs", "ECA", "Bad.ecamap"))
	assert.Equal(t, bad, errs[0].FilePath)
	assert.Contains(t, errs[0].FileContents, "Magnitude {X}")
}

func TestFixOutputMapping(t *testing.T) {
	lib, _ := newLibrary(t)
	file := lib.BatchErrors()[0].FilePath

	err := lib.FixOutputMapping(context.Background(), file, "Phasor OUT {\n    Magnitude: {X}\n    Angle: {Y}\n}\n")
	require.NoError(t, err)
	assert.Empty(t, lib.BatchErrors())

	_, ok := lib.Outputs().GetTypeMapping("OUT")
	assert.True(t, ok)
}

func TestFixInputMapping_StillBroken(t *testing.T) {
	lib, root := newLibrary(t)
	file := filepath.Join(root, "inputs", "ECA", "M1.ecamap")

	err := lib.FixInputMapping(context.Background(), file, "Phasor M1 {\n    Nope: {X}\n}\n")
	require.Error(t, err)
	assert.Len(t, lib.BatchErrors(), 2)

	_, ok := lib.Inputs().GetTypeMapping("M1")
	assert.False(t, ok)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Nope")
}

func TestFixUDT(t *testing.T) {
	lib, root := newLibrary(t)
	file := filepath.Join(root, "udts", "ECA", "Phasor.ecaidl")

	err := lib.FixUDT(context.Background(), file, "category ECA\nPhasor {\n    Double Magnitude\n")
	require.Error(t, err)
	// The mappings of the broken type no longer compile either.
	assert.GreaterOrEqual(t, len(lib.BatchErrors()), 3)

	require.NoError(t, lib.FixUDT(context.Background(), file, phasorIDL))
	assert.Len(t, lib.BatchErrors(), 1)
	_, ok := lib.Inputs().GetTypeMapping("M1")
	assert.True(t, ok)
}

func TestWriteDefinitions(t *testing.T) {
	lib, root := newLibrary(t)
	ctx := context.Background()

	scratch := udt.NewCompiler(zerolog.Nop())
	require.NoError(t, scratch.CompileSource("bus.ecaidl", []byte("category Grid\nBus {\n    Double Voltage\n    Phasor[] Phasors\n}\nPhasor {\n    Double Magnitude\n    Double Angle\n}\n")))
	bus, err := scratch.GetUserDefinedType("Grid", "Bus")
	require.NoError(t, err)

	require.Error(t, lib.WriteUDT(ctx, bus), "Grid.Phasor is not in the library")

	phasor, err := scratch.GetUserDefinedType("Grid", "Phasor")
	require.NoError(t, err)
	require.NoError(t, lib.WriteUDT(ctx, phasor))
	require.NoError(t, lib.WriteUDT(ctx, bus))
	assert.FileExists(t, filepath.Join(root, "udts", "Grid", "Bus.ecaidl"))

	got, err := lib.Types().GetUserDefinedType("Grid", "Bus")
	require.NoError(t, err)
	require.Len(t, got.Fields, 2)
	assert.Equal(t, "Grid.Phasor[]", got.Fields[1].Type.String())

	m1, ok := lib.Inputs().GetTypeMapping("M1")
	require.True(t, ok)
	require.NoError(t, lib.WriteInputMapping(ctx, m1))
	require.NoError(t, lib.WriteOutputMapping(ctx, m1))
	assert.FileExists(t, filepath.Join(root, "outputs", "ECA", "M1.ecamap"))

	_, ok = lib.Outputs().GetTypeMapping("M1")
	assert.True(t, ok)
}
