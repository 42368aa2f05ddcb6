// Package engine wires the definition library, signal lookup and mapper to
// the measurement feed. Frames are handled one at a time: each is mapped to
// an input record, handed to the algorithm, and the algorithm's output record
// is unmapped and published.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/eca/internal/alignment"
	"github.com/basekick-labs/eca/internal/library"
	"github.com/basekick-labs/eca/internal/logger"
	"github.com/basekick-labs/eca/internal/lookup"
	"github.com/basekick-labs/eca/internal/mapper"
	"github.com/basekick-labs/eca/internal/metrics"
	"github.com/basekick-labs/eca/pkg/models"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("engine closed")

// Algorithm computes an output record from a mapped input record. output
// is nil when no output mapping is configured.
type Algorithm interface {
	Process(ctx context.Context, input, output *mapper.Record) error
}

// AlgorithmFunc adapts a function to Algorithm.
type AlgorithmFunc func(ctx context.Context, input, output *mapper.Record) error

func (f AlgorithmFunc) Process(ctx context.Context, input, output *mapper.Record) error {
	return f(ctx, input, output)
}

// Publisher carries the subscription filter and output measurements back to
// the feed.
type Publisher interface {
	Subscribe(filterExpression string) error
	Publish(frameTime int64, measurements []models.Measurement) error
}

// Recorder keeps received frames for replay.
type Recorder interface {
	Record(frame models.Frame) error
}

// Config configures an Engine.
type Config struct {
	Library   *library.Library
	Lookup    *lookup.Lookup
	Alignment *alignment.Coordinator

	InputMapping  string
	OutputMapping string
	Strategy      alignment.Strategy

	// MinimumRetention keeps extra history for signals named by ID, point
	// ID or tag.
	MinimumRetention map[string]time.Duration

	Algorithm Algorithm
	Publisher Publisher
	Recorder  Recorder
	Logger    zerolog.Logger
}

// Engine serializes metadata updates, refreshes and frames behind one lock so
// the mapper never sees a half-updated catalog.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	mapper *mapper.Mapper
	ready  bool
	filter string
	closed bool
	logger zerolog.Logger
}

// New creates an engine. Definitions are not loaded until Refresh.
func New(cfg *Config) (*Engine, error) {
	if cfg.Library == nil || cfg.Lookup == nil || cfg.Alignment == nil {
		return nil, fmt.Errorf("engine requires a library, a lookup and an alignment coordinator")
	}
	if cfg.InputMapping == "" {
		return nil, fmt.Errorf("engine requires an input mapping")
	}
	return &Engine{
		cfg:    *cfg,
		logger: cfg.Logger.With().Str("component", "engine").Logger(),
	}, nil
}

// Refresh reloads the definition library and, once metadata has arrived,
// rebuilds the mapper against it. Per-file definition errors are logged and
// do not fail the refresh.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if err := e.cfg.Library.Load(ctx); err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}

	batch := e.cfg.Library.BatchErrors()
	for _, be := range batch {
		e.logger.Warn().Str("file", be.FilePath).Msg(be.Message())
	}
	metrics.Get().IncCatalogRefreshes()
	metrics.Get().SetCatalogErrors(int64(len(batch)))

	if !e.ready {
		return nil
	}
	return e.rebuild(ctx)
}

// HandleMetadata loads a metadata snapshot into the signal lookup and
// rebuilds the mapper.
func (e *Engine) HandleMetadata(ctx context.Context, ds *models.DataSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if err := e.cfg.Lookup.CrunchMetadata(ctx, ds); err != nil {
		return fmt.Errorf("failed to crunch metadata: %w", err)
	}
	e.ready = true
	return e.rebuild(ctx)
}

// rebuild compiles a new mapper from the current library. The previous
// mapper stays in place when this fails.
func (e *Engine) rebuild(ctx context.Context) error {
	m := mapper.New(&mapper.Config{
		Inputs:        e.cfg.Library.Inputs(),
		Outputs:       e.cfg.Library.Outputs(),
		InputMapping:  e.cfg.InputMapping,
		OutputMapping: e.cfg.OutputMapping,
		Signals:       e.cfg.Lookup,
		Alignment:     e.cfg.Alignment,
		Strategy:      e.cfg.Strategy,
		Logger:        e.cfg.Logger,
	})

	for token, d := range e.cfg.MinimumRetention {
		keys, err := e.cfg.Lookup.GetMeasurementKeys(ctx, token)
		if err != nil {
			e.logger.Warn().Err(err).Str("signal", token).Msg("Failed to resolve minimum retention signal")
			continue
		}
		for _, key := range keys {
			if !key.IsUndefined() {
				m.SetMinimumRetention(key, d.Microseconds())
			}
		}
	}

	if err := m.CrunchMetadata(ctx); err != nil {
		return fmt.Errorf("failed to crunch mappings: %w", err)
	}
	e.mapper = m

	filter := m.FilterExpression()
	if e.cfg.Publisher != nil && filter != e.filter {
		if err := e.cfg.Publisher.Subscribe(filter); err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
	}
	e.filter = filter

	e.logger.Info().
		Int("signals", len(m.InputKeys())).
		Msg("Engine ready")
	return nil
}

// HandleFrame maps, processes and publishes one frame.
func (e *Engine) HandleFrame(ctx context.Context, frame models.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	start := time.Now()
	if e.cfg.Recorder != nil {
		if err := e.cfg.Recorder.Record(frame); err != nil {
			e.logger.Warn().Err(err).Int64("frame_time", frame.Timestamp).Msg("Failed to record frame")
		}
	}

	if e.mapper == nil {
		e.logger.Debug().Int64("frame_time", frame.Timestamp).Msg("Frame received before metadata, skipping")
		return nil
	}

	if err := e.process(ctx, frame); err != nil {
		metrics.Get().IncFrameErrors()
		return err
	}

	metrics.Get().IncFramesProcessed()
	metrics.Get().RecordFrameLatency(time.Since(start).Microseconds())
	e.updateBufferStats()
	return nil
}

func (e *Engine) process(ctx context.Context, frame models.Frame) error {
	input, err := e.mapper.Map(frame)
	if err != nil {
		return fmt.Errorf("failed to map frame %d: %w", frame.Timestamp, err)
	}
	if e.cfg.Algorithm == nil {
		return nil
	}

	var output *mapper.Record
	if e.cfg.OutputMapping != "" {
		if output, err = e.mapper.NewOutput(); err != nil {
			return fmt.Errorf("failed to create output record: %w", err)
		}
	}

	if err := e.cfg.Algorithm.Process(ctx, input, output); err != nil {
		metrics.Get().IncAlgorithmErrors()
		return fmt.Errorf("algorithm failed for frame %d: %w", frame.Timestamp, err)
	}
	if output == nil {
		return nil
	}

	measurements, err := e.mapper.Unmap(output, frame.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to unmap output for frame %d: %w", frame.Timestamp, err)
	}
	if e.cfg.Publisher == nil {
		return nil
	}
	if err := e.cfg.Publisher.Publish(frame.Timestamp, measurements); err != nil {
		return fmt.Errorf("failed to publish output for frame %d: %w", frame.Timestamp, err)
	}
	return nil
}

func (e *Engine) updateBufferStats() {
	stats := e.cfg.Alignment.BufferStats()
	metrics.Get().SetBufferStats(
		int64(len(e.cfg.Alignment.Keys())),
		int64(stats.Measurements),
		int64(stats.Blocks),
		int64(stats.SpareBlocks),
		int64(stats.RecycledBlocks),
	)
}

// HandleStatus logs an out-of-band message from the publisher.
func (e *Engine) HandleStatus(message string, exception bool) {
	if exception {
		e.logger.Warn().Str("source", "publisher").Msg(message)
		return
	}
	e.logger.Info().Str("source", "publisher").Msg(message)
}

// SetPublisher replaces the publisher and hands it the current filter.
func (e *Engine) SetPublisher(p Publisher) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Publisher = p
	if p == nil || e.filter == "" {
		return nil
	}
	return p.Subscribe(e.filter)
}

// FilterExpression returns the subscription filter of the current mapper.
func (e *Engine) FilterExpression() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filter
}

// RecentStatus returns the latest warnings and errors, newest first.
func (e *Engine) RecentStatus(limit int) []logger.LogEntry {
	return logger.RecentStatus(limit)
}

// Close waits for the frame in flight and refuses further work.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
