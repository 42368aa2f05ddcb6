package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds all ECA metrics for Prometheus export
type Metrics struct {
	startTime time.Time

	// Subscription feed
	subscriberConnected  atomic.Int64
	subscriberReconnects atomic.Int64
	messagesReceived     atomic.Int64
	messagesFailed       atomic.Int64
	bytesReceived        atomic.Int64
	metadataReceived     atomic.Int64

	// Frame processing
	framesProcessed       atomic.Int64
	frameErrors           atomic.Int64
	algorithmErrors       atomic.Int64
	measurementsPublished atomic.Int64

	// Frame latency histogram buckets (microseconds)
	// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
	frameLatencyBuckets [10]atomic.Int64
	frameLatencySum     atomic.Int64
	frameLatencyCount   atomic.Int64

	// Signal buffers
	bufferSignals        atomic.Int64
	bufferMeasurements   atomic.Int64
	bufferBlocks         atomic.Int64
	bufferSpareBlocks    atomic.Int64
	bufferRecycledBlocks atomic.Int64

	// Definition catalog
	catalogRefreshes atomic.Int64
	catalogErrors    atomic.Int64

	// Frame recorder
	recorderFrames atomic.Int64
	recorderBytes  atomic.Int64
	recorderErrors atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// Subscription feed metrics
func (m *Metrics) SetSubscriberConnected(connected bool) {
	if connected {
		m.subscriberConnected.Store(1)
	} else {
		m.subscriberConnected.Store(0)
	}
}
func (m *Metrics) IncSubscriberReconnects()     { m.subscriberReconnects.Add(1) }
func (m *Metrics) IncMessagesReceived()         { m.messagesReceived.Add(1) }
func (m *Metrics) IncMessagesFailed()           { m.messagesFailed.Add(1) }
func (m *Metrics) IncBytesReceived(bytes int64) { m.bytesReceived.Add(bytes) }
func (m *Metrics) IncMetadataReceived()         { m.metadataReceived.Add(1) }

// Frame processing metrics
func (m *Metrics) IncFramesProcessed()                  { m.framesProcessed.Add(1) }
func (m *Metrics) IncFrameErrors()                      { m.frameErrors.Add(1) }
func (m *Metrics) IncAlgorithmErrors()                  { m.algorithmErrors.Add(1) }
func (m *Metrics) IncMeasurementsPublished(count int64) { m.measurementsPublished.Add(count) }

// RecordFrameLatency records frame processing latency in microseconds
func (m *Metrics) RecordFrameLatency(durationMicros int64) {
	m.frameLatencySum.Add(durationMicros)
	m.frameLatencyCount.Add(1)
	m.frameLatencyBuckets[latencyBucket(durationMicros)].Add(1)
}

var latencyBounds = [9]int64{1000, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000}

var latencyLabels = [10]string{"0.001", "0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "1", "+Inf"}

func latencyBucket(micros int64) int {
	for i, bound := range latencyBounds {
		if micros <= bound {
			return i
		}
	}
	return len(latencyBounds)
}

// SetBufferStats publishes the totals across all signal buffers
func (m *Metrics) SetBufferStats(signals, measurements, blocks, spare, recycled int64) {
	m.bufferSignals.Store(signals)
	m.bufferMeasurements.Store(measurements)
	m.bufferBlocks.Store(blocks)
	m.bufferSpareBlocks.Store(spare)
	m.bufferRecycledBlocks.Store(recycled)
}

// Catalog metrics
func (m *Metrics) IncCatalogRefreshes()         { m.catalogRefreshes.Add(1) }
func (m *Metrics) SetCatalogErrors(count int64) { m.catalogErrors.Store(count) }

// Recorder metrics
func (m *Metrics) IncRecorderFrames()           { m.recorderFrames.Add(1) }
func (m *Metrics) IncRecorderBytes(bytes int64) { m.recorderBytes.Add(bytes) }
func (m *Metrics) IncRecorderErrors()           { m.recorderErrors.Add(1) }

// Snapshot returns all metrics as a flat map
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"uptime_seconds":     time.Since(m.startTime).Seconds(),
		"goroutines":         runtime.NumGoroutine(),
		"memory_alloc_bytes": memStats.Alloc,

		"subscriber_connected":   m.subscriberConnected.Load(),
		"subscriber_reconnects":  m.subscriberReconnects.Load(),
		"messages_received":      m.messagesReceived.Load(),
		"messages_failed":        m.messagesFailed.Load(),
		"bytes_received":         m.bytesReceived.Load(),
		"metadata_received":      m.metadataReceived.Load(),
		"frames_processed":       m.framesProcessed.Load(),
		"frame_errors":           m.frameErrors.Load(),
		"algorithm_errors":       m.algorithmErrors.Load(),
		"measurements_published": m.measurementsPublished.Load(),
		"frame_latency_sum_us":   m.frameLatencySum.Load(),
		"frame_latency_count":    m.frameLatencyCount.Load(),

		"buffer_signals":         m.bufferSignals.Load(),
		"buffer_measurements":    m.bufferMeasurements.Load(),
		"buffer_blocks":          m.bufferBlocks.Load(),
		"buffer_spare_blocks":    m.bufferSpareBlocks.Load(),
		"buffer_recycled_blocks": m.bufferRecycledBlocks.Load(),

		"catalog_refreshes": m.catalogRefreshes.Load(),
		"catalog_errors":    m.catalogErrors.Load(),

		"recorder_frames": m.recorderFrames.Load(),
		"recorder_bytes":  m.recorderBytes.Load(),
		"recorder_errors": m.recorderErrors.Load(),
	}
}

func appendHeader(b []byte, name, help, kind string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, kind...)
	b = append(b, '\n')
	return b
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	gauges := []struct {
		name, help string
		value      float64
	}{
		{"eca_uptime_seconds", "Time since ECA started", time.Since(m.startTime).Seconds()},
		{"eca_goroutines", "Number of goroutines", float64(runtime.NumGoroutine())},
		{"eca_memory_alloc_bytes", "Current allocated memory", float64(memStats.Alloc)},
		{"eca_subscriber_connected", "Whether the subscription feed is connected", float64(m.subscriberConnected.Load())},
		{"eca_buffer_signals", "Signals with a history buffer", float64(m.bufferSignals.Load())},
		{"eca_buffer_measurements", "Measurements held in signal buffers", float64(m.bufferMeasurements.Load())},
		{"eca_buffer_blocks", "Blocks holding buffered measurements", float64(m.bufferBlocks.Load())},
		{"eca_buffer_spare_blocks", "Reset blocks kept for reuse", float64(m.bufferSpareBlocks.Load())},
		{"eca_catalog_errors", "Batch errors reported by the last catalog load", float64(m.catalogErrors.Load())},
	}
	counters := []struct {
		name, help string
		value      float64
	}{
		{"eca_subscriber_reconnects_total", "Reconnect attempts to the broker", float64(m.subscriberReconnects.Load())},
		{"eca_messages_received_total", "Messages received from the feed", float64(m.messagesReceived.Load())},
		{"eca_messages_failed_total", "Messages that failed to decode", float64(m.messagesFailed.Load())},
		{"eca_bytes_received_total", "Payload bytes received from the feed", float64(m.bytesReceived.Load())},
		{"eca_metadata_received_total", "Metadata snapshots received", float64(m.metadataReceived.Load())},
		{"eca_frames_processed_total", "Frames mapped and processed", float64(m.framesProcessed.Load())},
		{"eca_frame_errors_total", "Frames that failed to map or unmap", float64(m.frameErrors.Load())},
		{"eca_algorithm_errors_total", "Algorithm invocations that returned an error", float64(m.algorithmErrors.Load())},
		{"eca_measurements_published_total", "Output measurements published", float64(m.measurementsPublished.Load())},
		{"eca_buffer_recycled_blocks_total", "Blocks recycled by retention", float64(m.bufferRecycledBlocks.Load())},
		{"eca_catalog_refreshes_total", "Definition catalog reloads", float64(m.catalogRefreshes.Load())},
		{"eca_recorder_frames_total", "Frames written to the recording", float64(m.recorderFrames.Load())},
		{"eca_recorder_bytes_total", "Bytes written to the recording", float64(m.recorderBytes.Load())},
		{"eca_recorder_errors_total", "Recorder write failures", float64(m.recorderErrors.Load())},
	}

	var b []byte
	for _, g := range gauges {
		b = appendHeader(b, g.name, g.help, "gauge")
		b = appendMetric(b, g.name, g.value)
	}
	for _, c := range counters {
		b = appendHeader(b, c.name, c.help, "counter")
		b = appendMetric(b, c.name, c.value)
	}

	b = appendHeader(b, "eca_frame_latency_seconds", "Frame processing latency", "histogram")
	var cumulative int64
	for i := range m.frameLatencyBuckets {
		cumulative += m.frameLatencyBuckets[i].Load()
		b = appendMetricWithLabel(b, "eca_frame_latency_seconds_bucket", "le", latencyLabels[i], float64(cumulative))
	}
	b = appendMetric(b, "eca_frame_latency_seconds_sum", float64(m.frameLatencySum.Load())/1e6)
	b = appendMetric(b, "eca_frame_latency_seconds_count", float64(m.frameLatencyCount.Load()))

	return string(b)
}

// WriteTextfile writes the Prometheus exposition to path atomically, for
// the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".eca-metrics-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.WriteString(m.PrometheusFormat())
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write metrics: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close metrics file: %w", closeErr)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename metrics file: %w", err)
	}
	return nil
}

// RunExporter writes the textfile every interval until ctx is done
func (m *Metrics) RunExporter(ctx context.Context, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.WriteTextfile(path); err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("Failed to write metrics textfile")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Helper functions for Prometheus format
func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, v float64) []byte {
	if v == float64(int64(v)) {
		return appendInt(b, int64(v))
	}
	// Up to 6 decimal places
	intPart := int64(v)
	fracPart := int64((v - float64(intPart)) * 1000000)
	if fracPart < 0 {
		fracPart = -fracPart
	}
	if v < 0 && intPart == 0 {
		b = append(b, '-')
	}
	b = appendInt(b, intPart)
	b = append(b, '.')
	for div := int64(100000); div > 1 && fracPart < div; div /= 10 {
		b = append(b, '0')
	}
	b = appendInt(b, fracPart)
	return b
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v == 0 {
		return append(b, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, digits[i:]...)
}
