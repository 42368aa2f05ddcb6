package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/eca/internal/alignment"
	"github.com/basekick-labs/eca/internal/library"
	"github.com/basekick-labs/eca/internal/logger"
	"github.com/basekick-labs/eca/internal/lookup"
	"github.com/basekick-labs/eca/internal/mapper"
	"github.com/basekick-labs/eca/pkg/models"
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

const outputMapping = `ECA Phasor OUT {
    Magnitude: OUTMAG
    Angle: OUTANG
}
`

const base = int64(1_704_499_200_000_000)

var tags = []string{"SIG1", "SIG2", "OUTMAG", "OUTANG"}

func signalID(tag string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tag))
}

type fakePublisher struct {
	filters   []string
	published [][]models.Measurement
}

func (p *fakePublisher) Subscribe(filter string) error {
	p.filters = append(p.filters, filter)
	return nil
}

func (p *fakePublisher) Publish(_ int64, ms []models.Measurement) error {
	p.published = append(p.published, ms)
	return nil
}

type fakeRecorder struct {
	frames []models.Frame
}

func (r *fakeRecorder) Record(f models.Frame) error {
	r.frames = append(r.frames, f)
	return nil
}

type fixture struct {
	engine    *Engine
	lookup    *lookup.Lookup
	publisher *fakePublisher
	recorder  *fakeRecorder
	root      string
	fail      error
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func newFixture(t *testing.T, log zerolog.Logger) *fixture {
	t.Helper()
	f := &fixture{
		publisher: &fakePublisher{},
		recorder:  &fakeRecorder{},
		root:      t.TempDir(),
	}
	writeFile(t, filepath.Join(f.root, "udts", "ECA", "Phasor.ecaidl"), phasorIDL)
	writeFile(t, filepath.Join(f.root, "inputs", "ECA", "M1.ecamap"), inputMapping)
	writeFile(t, filepath.Join(f.root, "outputs", "ECA", "OUT.ecamap"), outputMapping)

	lib, err := library.New(&library.Config{
		UDTPath:           filepath.Join(f.root, "udts"),
		InputMappingPath:  filepath.Join(f.root, "inputs"),
		OutputMappingPath: filepath.Join(f.root, "outputs"),
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })

	f.lookup, err = lookup.New(zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { f.lookup.Close() })

	f.engine, err = New(&Config{
		Library:       lib,
		Lookup:        f.lookup,
		Alignment:     alignment.NewCoordinator(&alignment.Config{Logger: zerolog.Nop()}),
		InputMapping:  "M1",
		OutputMapping: "OUT",
		Algorithm: AlgorithmFunc(func(_ context.Context, in, out *mapper.Record) error {
			if f.fail != nil {
				return f.fail
			}
			mag, _ := in.Get("Magnitude")
			ang, _ := in.Get("Angle")
			if err := out.SetScalar("Magnitude", mag.Float()*2); err != nil {
				return err
			}
			return out.SetScalar("Angle", ang.Float())
		}),
		Publisher: f.publisher,
		Recorder:  f.recorder,
		Logger:    log,
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.Refresh(context.Background()))
	return f
}

func metadata() *models.DataSet {
	table := models.DataTable{
		Name: lookup.ActiveMeasurements,
		Columns: []models.DataColumn{
			{Name: "SignalID", Type: "guid"},
			{Name: "ID", Type: "string"},
			{Name: "PointTag", Type: "string"},
		},
	}
	for i, tag := range tags {
		table.Rows = append(table.Rows, []any{signalID(tag).String(), "PPA:" + string(rune('1'+i)), tag})
	}
	return &models.DataSet{Tables: []models.DataTable{table}}
}

func frame(ts int64, mag, ang float64) models.Frame {
	return models.NewFrame(ts, []models.Measurement{
		{Key: models.MeasurementKey{SignalID: signalID("SIG1")}, Timestamp: ts, Value: mag},
		{Key: models.MeasurementKey{SignalID: signalID("SIG2")}, Timestamp: ts, Value: ang},
	})
}

func (f *fixture) key(tag string) models.MeasurementKey {
	return f.lookup.Normalize(models.MeasurementKey{SignalID: signalID(tag)})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)
}

func TestEngine_FrameBeforeMetadata(t *testing.T) {
	f := newFixture(t, zerolog.Nop())

	require.NoError(t, f.engine.HandleFrame(context.Background(), frame(base, 1, 2)))
	assert.Len(t, f.recorder.frames, 1)
	assert.Empty(t, f.publisher.published)
	assert.Empty(t, f.engine.FilterExpression())
}

func TestEngine_MapProcessPublish(t *testing.T) {
	f := newFixture(t, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, f.engine.HandleMetadata(ctx, metadata()))

	require.Len(t, f.publisher.filters, 1)
	filter := f.publisher.filters[0]
	assert.Contains(t, filter, signalID("SIG1").String())
	assert.Contains(t, filter, signalID("SIG2").String())
	assert.Equal(t, filter, f.engine.FilterExpression())

	require.NoError(t, f.engine.HandleFrame(ctx, frame(base, 1.25, 0.5)))
	require.Len(t, f.publisher.published, 1)

	ms := f.publisher.published[0]
	require.Len(t, ms, 2)
	assert.Equal(t, f.key("OUTMAG"), ms[0].Key)
	assert.Equal(t, 2.5, ms[0].Value)
	assert.Equal(t, base, ms[0].Timestamp)
	assert.Equal(t, f.key("OUTANG"), ms[1].Key)
	assert.Equal(t, 0.5, ms[1].Value)

	// Unchanged metadata does not resend the filter
	require.NoError(t, f.engine.HandleMetadata(ctx, metadata()))
	assert.Len(t, f.publisher.filters, 1)
}

func TestEngine_AlgorithmError(t *testing.T) {
	f := newFixture(t, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, f.engine.HandleMetadata(ctx, metadata()))

	f.fail = errors.New("diverged")
	err := f.engine.HandleFrame(ctx, frame(base, 1, 2))
	assert.ErrorIs(t, err, f.fail)
	assert.Empty(t, f.publisher.published)

	f.fail = nil
	require.NoError(t, f.engine.HandleFrame(ctx, frame(base+33_333, 1, 2)))
	assert.Len(t, f.publisher.published, 1)
}

func TestEngine_RefreshKeepsMapperOnFailure(t *testing.T) {
	f := newFixture(t, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, f.engine.HandleMetadata(ctx, metadata()))

	// Break the root input mapping on disk
	writeFile(t, filepath.Join(f.root, "inputs", "ECA", "M1.ecamap"), "ECA Phasor M1 {\n    Nope: {SIG1}\n}\n")
	err := f.engine.Refresh(ctx)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "crunch"), err.Error())

	require.NoError(t, f.engine.HandleFrame(ctx, frame(base, 3, 4)))
	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, 6.0, f.publisher.published[0][0].Value)

	// Fixing the file recovers on the next refresh
	writeFile(t, filepath.Join(f.root, "inputs", "ECA", "M1.ecamap"), inputMapping)
	require.NoError(t, f.engine.Refresh(ctx))
}

func TestEngine_StatusAndClose(t *testing.T) {
	f := newFixture(t, zerolog.New(logger.NewLogBufferWriter(io.Discard)))

	f.engine.HandleStatus("Publisher restarted", true)
	recent := f.engine.RecentStatus(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "Publisher restarted", recent[0].Message)
	assert.Equal(t, "engine", recent[0].Component)

	require.NoError(t, f.engine.Close())
	assert.ErrorIs(t, f.engine.HandleFrame(context.Background(), frame(base, 1, 2)), ErrClosed)
	assert.ErrorIs(t, f.engine.Refresh(context.Background()), ErrClosed)
}

func TestPassthrough(t *testing.T) {
	f := newFixture(t, zerolog.Nop())
	ctx := context.Background()
	f.engine.cfg.Algorithm = Passthrough
	require.NoError(t, f.engine.HandleMetadata(ctx, metadata()))

	require.NoError(t, f.engine.HandleFrame(ctx, frame(base, 7, 0.25)))
	require.Len(t, f.publisher.published, 1)
	ms := f.publisher.published[0]
	require.Len(t, ms, 2)
	assert.Equal(t, 7.0, ms[0].Value)
	assert.Equal(t, 0.25, ms[1].Value)
	assert.Equal(t, base, ms[0].Timestamp)

	require.NoError(t, Passthrough.Process(ctx, &mapper.Record{}, nil))
}

func TestSetPublisher(t *testing.T) {
	f := newFixture(t, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, f.engine.HandleMetadata(ctx, metadata()))

	next := &fakePublisher{}
	require.NoError(t, f.engine.SetPublisher(next))
	require.Len(t, next.filters, 1)
	assert.Equal(t, f.engine.FilterExpression(), next.filters[0])

	require.NoError(t, f.engine.HandleFrame(ctx, frame(base, 1, 2)))
	assert.Len(t, next.published, 1)
	assert.Empty(t, f.publisher.published)
}
