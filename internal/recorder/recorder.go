// Package recorder keeps an append-only log of received frames so a session
// can be replayed offline through the engine.
package recorder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/eca/internal/metrics"
	"github.com/basekick-labs/eca/pkg/models"
)

// Recording file format constants
var (
	Magic   = []byte{'E', 'C', 'A', 'R'}
	Version = uint16(0x0001)
)

const (
	ChecksumCRC32 = 0x01

	// Entry format: [Length: 4 bytes] [FrameTime: 8 bytes] [Checksum: 4 bytes] [Payload: N bytes]
	EntryHeaderSize = 16
	FileHeaderSize  = 7 // Magic(4) + Version(2) + ChecksumType(1)

	// FileExtension is the suffix of recording files
	FileExtension = ".ecar"

	// MaxPayloadSize bounds a single compressed frame
	MaxPayloadSize = 64 * 1024 * 1024
)

// SyncMode defines how recordings sync to disk
type SyncMode string

const (
	SyncModeFsync SyncMode = "fsync"
	SyncModeAsync SyncMode = "async"
)

// ErrPayloadTooLarge indicates an encoded frame exceeds MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("recorded frame exceeds maximum allowed size")

// recordedFrame is the stored form of a frame
type recordedFrame struct {
	Time         int64                `msgpack:"t"`
	Measurements []models.Measurement `msgpack:"m"`
}

// Config holds configuration for the recorder
type Config struct {
	Dir          string        // Directory for recording files
	SyncMode     SyncMode      // fsync or async
	MaxSizeBytes int64         // Rotate when the file reaches this size (default: 256MB)
	MaxAge       time.Duration // Rotate after this duration (default: 1 hour)
	SyncInterval time.Duration // Sync at most this often (default: 1s)
	BufferSize   int           // Frames queued for the writer goroutine (default: 1024)
	Logger       zerolog.Logger
}

// Writer records frames through a background goroutine. Frames that arrive
// while the queue is full are dropped and counted.
type Writer struct {
	config  Config
	logger  zerolog.Logger
	encoder *zstd.Encoder

	currentFile *os.File
	currentPath string
	currentSize int64
	startTime   time.Time
	dirty       bool

	entries chan []byte
	done    chan struct{}
	wg      sync.WaitGroup

	totalFrames    int64
	totalBytes     int64
	totalRotations int64
	dropped        atomic.Int64

	mu sync.Mutex
}

// NewWriter creates the recording directory, opens the first file and
// starts the writer goroutine.
func NewWriter(cfg *Config) (*Writer, error) {
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncModeAsync
	}
	if cfg.MaxSizeBytes == 0 {
		cfg.MaxSizeBytes = 256 * 1024 * 1024
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1024
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	w := &Writer{
		config:  *cfg,
		logger:  cfg.Logger.With().Str("component", "recorder").Logger(),
		encoder: encoder,
		entries: make(chan []byte, cfg.BufferSize),
		done:    make(chan struct{}),
	}

	if err := w.rotate(); err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create initial recording file: %w", err)
	}

	w.wg.Add(1)
	go w.writerLoop()

	w.logger.Info().
		Str("dir", cfg.Dir).
		Str("sync_mode", string(cfg.SyncMode)).
		Int64("max_size_mb", cfg.MaxSizeBytes/1024/1024).
		Dur("max_age", cfg.MaxAge).
		Msg("Frame recorder initialized")

	return w, nil
}

// Record queues a frame for writing. It never blocks.
func (w *Writer) Record(frame models.Frame) error {
	entry, err := encodeEntry(w.encoder, frame)
	if err != nil {
		metrics.Get().IncRecorderErrors()
		return err
	}

	select {
	case w.entries <- entry:
		return nil
	default:
		w.dropped.Add(1)
		metrics.Get().IncRecorderErrors()
		return nil
	}
}

// encodeEntry builds header plus zstd-compressed msgpack payload
func encodeEntry(encoder *zstd.Encoder, frame models.Frame) ([]byte, error) {
	raw, err := msgpack.Marshal(&recordedFrame{Time: frame.Timestamp, Measurements: frame.List()})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}

	payload := encoder.EncodeAll(raw, make([]byte, EntryHeaderSize, EntryHeaderSize+len(raw)/2))
	size := len(payload) - EntryHeaderSize
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, size, MaxPayloadSize)
	}

	binary.BigEndian.PutUint32(payload[0:4], uint32(size))
	binary.BigEndian.PutUint64(payload[4:12], uint64(frame.Timestamp))
	binary.BigEndian.PutUint32(payload[12:16], crc32.ChecksumIEEE(payload[EntryHeaderSize:]))
	return payload, nil
}

func (w *Writer) writerLoop() {
	defer w.wg.Done()

	syncTicker := time.NewTicker(w.config.SyncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case entry := <-w.entries:
			w.writeEntry(entry)

		case <-syncTicker.C:
			w.mu.Lock()
			w.sync()
			w.mu.Unlock()

		case <-w.done:
			for {
				select {
				case entry := <-w.entries:
					w.writeEntry(entry)
				default:
					w.mu.Lock()
					w.sync()
					w.mu.Unlock()
					return
				}
			}
		}
	}
}

func (w *Writer) writeEntry(entry []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.currentFile.Write(entry)
	if err != nil {
		metrics.Get().IncRecorderErrors()
		w.logger.Error().Err(err).Msg("Failed to write recorded frame")
		return
	}

	w.currentSize += int64(n)
	w.dirty = true
	w.totalFrames++
	w.totalBytes += int64(n)
	metrics.Get().IncRecorderFrames()
	metrics.Get().IncRecorderBytes(int64(n))

	if w.currentSize >= w.config.MaxSizeBytes || time.Since(w.startTime) >= w.config.MaxAge {
		if err := w.rotate(); err != nil {
			w.logger.Error().Err(err).Msg("Failed to rotate recording")
		}
	}
}

// rotate closes the current file and starts a new one
func (w *Writer) rotate() error {
	if w.currentFile != nil {
		w.sync()
		w.currentFile.Close()
	}

	now := time.Now().UTC()
	filename := "eca-" + now.Format("20060102_150405.000000") + FileExtension
	w.currentPath = filepath.Join(w.config.Dir, filename)

	var err error
	w.currentFile, err = os.OpenFile(w.currentPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to create recording file: %w", err)
	}

	w.currentSize = 0
	w.startTime = now
	w.dirty = false
	w.totalRotations++

	header := make([]byte, FileHeaderSize)
	copy(header[0:4], Magic)
	binary.BigEndian.PutUint16(header[4:6], Version)
	header[6] = ChecksumCRC32

	n, err := w.currentFile.Write(header)
	if err != nil {
		return fmt.Errorf("failed to write recording header: %w", err)
	}
	w.currentSize += int64(n)

	w.logger.Info().Str("file", filename).Msg("Recording rotated")
	return nil
}

func (w *Writer) sync() {
	if w.currentFile == nil || !w.dirty {
		return
	}
	if w.config.SyncMode == SyncModeFsync {
		w.currentFile.Sync()
	}
	w.dirty = false
}

// Close drains queued frames and closes the current file
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.encoder.Close()
	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		w.logger.Info().
			Str("file", w.currentPath).
			Int64("frames", w.totalFrames).
			Int64("dropped_frames", w.dropped.Load()).
			Msg("Frame recorder closed")
		return err
	}
	return nil
}

// Stats returns recorder statistics
func (w *Writer) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]interface{}{
		"current_file":    w.currentPath,
		"current_size_mb": float64(w.currentSize) / 1024 / 1024,
		"sync_mode":       string(w.config.SyncMode),
		"total_frames":    w.totalFrames,
		"total_bytes":     w.totalBytes,
		"total_rotations": w.totalRotations,
		"dropped_frames":  w.dropped.Load(),
		"buffer_used":     len(w.entries),
	}
}

// CurrentFile returns the current recording path
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath
}
