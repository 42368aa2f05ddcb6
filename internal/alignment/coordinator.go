// Package alignment projects sample windows onto buffered signal history.
package alignment

import (
	"math"
	"sort"
	"sync"

	"github.com/basekick-labs/eca/internal/buffer"
	"github.com/basekick-labs/eca/pkg/models"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Strategy selects how buffered data is aligned to ideal timestamps.
type Strategy int

const (
	// NearestMeasurement takes the nearest sample for each ideal timestamp,
	// re-timestamped and flagged UpSampled when it is not an exact hit.
	// Timestamps without any sample are dropped.
	NearestMeasurement Strategy = iota
	// FillMissingData is NearestMeasurement, except that a sample further
	// than half an interval away is replaced by a NaN flagged OverRangeError.
	FillMissingData
	// None returns the raw samples inside the window.
	None
)

func (s Strategy) String() string {
	switch s {
	case NearestMeasurement:
		return "nearest"
	case FillMissingData:
		return "fill"
	case None:
		return "none"
	default:
		return "unknown"
	}
}

// ParseStrategy parses "nearest", "fill" or "none".
func ParseStrategy(s string) (Strategy, bool) {
	for _, st := range []Strategy{NearestMeasurement, FillMissingData, None} {
		if st.String() == s {
			return st, true
		}
	}
	return NearestMeasurement, false
}

// Row is one aligned instant across several signals. A missing key means no
// value for that signal.
type Row map[models.MeasurementKey]models.Measurement

// Config configures a Coordinator.
type Config struct {
	// SampleRate and SampleUnit apply to windows that do not name a rate.
	SampleRate    decimal.Decimal
	SampleUnit    models.Unit
	BufferOptions []buffer.Option
	Logger        zerolog.Logger
}

// Coordinator owns the signal buffers and aligns their history to sample
// windows.
type Coordinator struct {
	mu         sync.RWMutex
	buffers    map[models.MeasurementKey]*buffer.SignalBuffer
	sampleRate decimal.Decimal
	sampleUnit models.Unit
	bufferOpts []buffer.Option
	logger     zerolog.Logger
}

// NewCoordinator creates a coordinator. A missing default rate is 30 per
// second.
func NewCoordinator(cfg *Config) *Coordinator {
	rate, unit := cfg.SampleRate, cfg.SampleUnit
	if !rate.IsPositive() {
		rate = decimal.NewFromInt(30)
	}
	if unit <= 0 {
		unit = models.Second
	}
	return &Coordinator{
		buffers:    make(map[models.MeasurementKey]*buffer.SignalBuffer),
		sampleRate: rate,
		sampleUnit: unit,
		bufferOpts: cfg.BufferOptions,
		logger:     cfg.Logger.With().Str("component", "alignment").Logger(),
	}
}

// DefaultSampleRate returns the rate applied to windows without one.
func (c *Coordinator) DefaultSampleRate() (decimal.Decimal, models.Unit) {
	return c.sampleRate, c.sampleUnit
}

func (c *Coordinator) rate(rate decimal.Decimal, unit models.Unit) (decimal.Decimal, models.Unit) {
	if rate.IsZero() {
		return c.sampleRate, c.sampleUnit
	}
	return rate, unit
}

// CreateSampleWindow builds a point window, substituting the default rate
// when sampleRate is zero.
func (c *Coordinator) CreateSampleWindow(relativeTime decimal.Decimal, relativeUnit models.Unit, sampleRate decimal.Decimal, sampleUnit models.Unit) (SampleWindow, error) {
	rate, unit := c.rate(sampleRate, sampleUnit)
	return NewSampleWindow(relativeTime, relativeUnit, rate, unit)
}

// CreateRangedSampleWindow builds a ranged window, substituting the default
// rate when sampleRate is zero.
func (c *Coordinator) CreateRangedSampleWindow(relativeTime decimal.Decimal, relativeUnit models.Unit, sampleRate decimal.Decimal, sampleUnit models.Unit, windowSize decimal.Decimal, windowUnit models.Unit) (SampleWindow, error) {
	rate, unit := c.rate(sampleRate, sampleUnit)
	return NewRangedSampleWindow(relativeTime, relativeUnit, rate, unit, windowSize, windowUnit)
}

// EnsureBuffer returns the buffer for key, creating it if needed.
func (c *Coordinator) EnsureBuffer(key models.MeasurementKey) *buffer.SignalBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buffers[key]
	if !ok {
		b = buffer.New(key, c.bufferOpts...)
		c.buffers[key] = b
		c.logger.Debug().Str("key", key.String()).Msg("Created signal buffer")
	}
	return b
}

// RemoveBuffer drops the buffer for key.
func (c *Coordinator) RemoveBuffer(key models.MeasurementKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buffers[key]; !ok {
		return false
	}
	delete(c.buffers, key)
	c.logger.Debug().Str("key", key.String()).Msg("Removed signal buffer")
	return true
}

// Buffer returns the buffer for key, if any.
func (c *Coordinator) Buffer(key models.MeasurementKey) (*buffer.SignalBuffer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.buffers[key]
	return b, ok
}

// Keys returns the buffered keys in string order.
func (c *Coordinator) Keys() []models.MeasurementKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]models.MeasurementKey, 0, len(c.buffers))
	for k := range c.buffers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Queue stores m when its key is buffered and reports whether it was.
func (c *Coordinator) Queue(m models.Measurement) bool {
	b, ok := c.Buffer(m.Key)
	if !ok {
		return false
	}
	b.Queue(m)
	return true
}

// BufferStats sums the statistics of every buffer.
func (c *Coordinator) BufferStats() buffer.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total buffer.Stats
	for _, b := range c.buffers {
		s := b.Stats()
		total.Measurements += s.Measurements
		total.Blocks += s.Blocks
		total.SpareBlocks += s.SpareBlocks
		total.RecycledBlocks += s.RecycledBlocks
	}
	return total
}

func missing(key models.MeasurementKey, ts int64) models.Measurement {
	return models.Measurement{Key: key, Timestamp: ts, Value: math.NaN(), Flags: models.OverRangeError}
}

// GetMeasurements aligns the history of key to window at frameTime.
func (c *Coordinator) GetMeasurements(key models.MeasurementKey, frameTime int64, window SampleWindow, strategy Strategy) []models.Measurement {
	b, ok := c.Buffer(key)

	if strategy == None {
		if !ok {
			return nil
		}
		start := window.Start(frameTime)
		end := start + window.StartOffset - 1
		if window.IsPoint() {
			end = start
		}
		return b.GetMeasurements(start, end)
	}

	timestamps := window.GetTimestamps(frameTime)
	out := make([]models.Measurement, 0, len(timestamps))
	for _, ts := range timestamps {
		var (
			m     models.Measurement
			found bool
		)
		if ok {
			m, found = b.GetNearestMeasurement(ts)
		}

		if strategy == FillMissingData {
			if !found || abs(m.Timestamp-ts) > window.Interval/2 {
				out = append(out, missing(key, ts))
				continue
			}
		} else if !found {
			continue
		}

		if m.Timestamp != ts {
			m.Flags |= models.UpSampled
			m.Timestamp = ts
		}
		out = append(out, m)
	}
	return out
}

// GetFrames aligns several keys and pivots the result into rows, one per
// index. Shorter sequences are padded at the front with missing entries.
func (c *Coordinator) GetFrames(keys []models.MeasurementKey, frameTime int64, window SampleWindow, strategy Strategy) []Row {
	series := make([][]models.Measurement, len(keys))
	longest := 0
	for i, key := range keys {
		series[i] = c.GetMeasurements(key, frameTime, window, strategy)
		if len(series[i]) > longest {
			longest = len(series[i])
		}
	}

	rows := make([]Row, longest)
	for i := range rows {
		rows[i] = make(Row, len(keys))
	}
	for i, key := range keys {
		pad := longest - len(series[i])
		for j, m := range series[i] {
			rows[pad+j][key] = m
		}
	}
	return rows
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
