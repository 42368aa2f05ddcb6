package recorder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/eca/pkg/models"
)

// errTruncated marks a damaged entry header; nothing after it can be trusted
var errTruncated = errors.New("truncated entry")

// Reader reads one recording file
type Reader struct {
	filePath string
	logger   zerolog.Logger

	TotalEntries     int64
	TotalBytes       int64
	CorruptedEntries int64
}

// NewReader creates a reader for a recording file
func NewReader(filePath string, logger zerolog.Logger) *Reader {
	return &Reader{
		filePath: filePath,
		logger:   logger.With().Str("component", "recorder-reader").Logger(),
	}
}

// ReadAll reads every intact frame in file order. Entries failing their
// checksum are skipped; a truncated tail ends the read.
func (r *Reader) ReadAll() ([]models.Frame, error) {
	f, err := os.Open(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	header := make([]byte, FileHeaderSize)
	if _, err := io.ReadFull(br, header); err != nil {
		r.logger.Warn().Str("file", r.filePath).Msg("Recording file too short")
		return nil, nil
	}
	if !bytes.Equal(header[0:4], Magic) {
		return nil, fmt.Errorf("invalid recording magic bytes")
	}
	if version := binary.BigEndian.Uint16(header[4:6]); version != Version {
		r.logger.Warn().
			Uint16("file_version", version).
			Uint16("expected_version", Version).
			Msg("Recording version mismatch")
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer decoder.Close()

	var frames []models.Frame
	for {
		frame, err := r.readEntry(br, decoder)
		if err == io.EOF {
			break
		}
		if errors.Is(err, errTruncated) {
			r.logger.Warn().Err(err).Str("file", r.filePath).Msg("Recording ends with a damaged entry")
			r.CorruptedEntries++
			break
		}
		if err != nil {
			r.logger.Error().Err(err).Msg("Error reading recorded frame")
			r.CorruptedEntries++
			continue
		}

		frames = append(frames, frame)
		r.TotalEntries++
	}

	r.logger.Debug().
		Str("file", r.filePath).
		Int64("frames", r.TotalEntries).
		Int64("bytes", r.TotalBytes).
		Int64("corrupted", r.CorruptedEntries).
		Msg("Recording read complete")

	return frames, nil
}

func (r *Reader) readEntry(br *bufio.Reader, decoder *zstd.Decoder) (models.Frame, error) {
	header := make([]byte, EntryHeaderSize)
	n, err := io.ReadFull(br, header)
	if err == io.EOF {
		return models.Frame{}, io.EOF
	}
	if err != nil {
		return models.Frame{}, fmt.Errorf("%w: header has %d bytes", errTruncated, n)
	}

	size := binary.BigEndian.Uint32(header[0:4])
	frameTime := int64(binary.BigEndian.Uint64(header[4:12]))
	expected := binary.BigEndian.Uint32(header[12:16])

	if size > MaxPayloadSize {
		return models.Frame{}, fmt.Errorf("%w: payload length %d", errTruncated, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(br, payload); err != nil {
		return models.Frame{}, fmt.Errorf("%w: %v", errTruncated, err)
	}
	r.TotalBytes += int64(EntryHeaderSize) + int64(size)

	if actual := crc32.ChecksumIEEE(payload); actual != expected {
		return models.Frame{}, fmt.Errorf("checksum mismatch: expected %d, got %d", expected, actual)
	}

	raw, err := decoder.DecodeAll(payload, nil)
	if err != nil {
		return models.Frame{}, fmt.Errorf("failed to decompress frame: %w", err)
	}

	var rf recordedFrame
	if err := msgpack.Unmarshal(raw, &rf); err != nil {
		return models.Frame{}, fmt.Errorf("failed to deserialize frame: %w", err)
	}
	if rf.Time != frameTime {
		return models.Frame{}, fmt.Errorf("frame time mismatch: header %d, payload %d", frameTime, rf.Time)
	}

	return models.NewFrame(rf.Time, rf.Measurements), nil
}

// ReplayFunc receives each recorded frame in order
type ReplayFunc func(ctx context.Context, frame models.Frame) error

// ReplayStats holds statistics about a replay
type ReplayStats struct {
	Files            int
	Frames           int
	CorruptedEntries int
	Duration         time.Duration
}

// Replay feeds every frame of every recording in dir to fn, oldest file
// first. It stops at the first error returned by fn.
func Replay(ctx context.Context, dir string, fn ReplayFunc, logger zerolog.Logger) (*ReplayStats, error) {
	startTime := time.Now()
	stats := &ReplayStats{}
	log := logger.With().Str("component", "recorder-replay").Logger()

	files, err := ListFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		log.Info().Str("dir", dir).Msg("No recordings found")
		return stats, nil
	}

	log.Info().Int("files", len(files)).Msg("Replay started")

	for _, file := range files {
		reader := NewReader(file, logger)
		frames, err := reader.ReadAll()
		if err != nil {
			log.Error().Err(err).Str("file", file).Msg("Failed to read recording")
			continue
		}
		stats.CorruptedEntries += int(reader.CorruptedEntries)

		for _, frame := range frames {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if err := fn(ctx, frame); err != nil {
				return stats, fmt.Errorf("replay of %s at frame %d: %w", filepath.Base(file), frame.Timestamp, err)
			}
			stats.Frames++
		}
		stats.Files++
	}

	stats.Duration = time.Since(startTime)

	log.Info().
		Int("files", stats.Files).
		Int("frames", stats.Frames).
		Int("corrupted", stats.CorruptedEntries).
		Dur("duration", stats.Duration).
		Msg("Replay complete")

	return stats, nil
}

// ListFiles returns the recordings in dir, oldest first. File names carry
// their creation time so lexical order is chronological.
func ListFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*"+FileExtension))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
