package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuffer_Wraps(t *testing.T) {
	b := NewLogBuffer(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		b.Add(LogEntry{Timestamp: time.Now(), Level: "WARN", Message: msg})
	}

	assert.Equal(t, 3, b.Count())
	recent := b.GetRecent(0, "", 0)
	require.Len(t, recent, 3)
	assert.Equal(t, "d", recent[0].Message)
	assert.Equal(t, "b", recent[2].Message)
}

func TestLogBuffer_Filters(t *testing.T) {
	b := NewLogBuffer(10)
	b.Add(LogEntry{Timestamp: time.Now().Add(-time.Hour), Level: "ERROR", Message: "old"})
	b.Add(LogEntry{Timestamp: time.Now(), Level: "INFO", Message: "info"})
	b.Add(LogEntry{Timestamp: time.Now(), Level: "ERROR", Message: "new"})

	recent := b.GetRecent(10, "warn", time.Minute)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].Message)

	assert.Len(t, b.GetRecent(10, "warn", 0), 2)
	assert.Len(t, b.GetRecent(1, "", 0), 1)
}

func TestLogBufferWriter_CapturesWarnings(t *testing.T) {
	var out bytes.Buffer
	w := &LogBufferWriter{buffer: NewLogBuffer(10), original: &out, minLevel: zerolog.WarnLevel}
	log := zerolog.New(w).With().Timestamp().Str("component", "mapper").Logger()

	log.Info().Msg("Mapping metadata crunched")
	log.Warn().Msg("Unknown signal \"X\"")
	log.Error().Err(assert.AnError).Msg("Frame failed")

	assert.Contains(t, out.String(), "Mapping metadata crunched")

	recent := w.buffer.GetRecent(0, "", 0)
	require.Len(t, recent, 2)
	assert.Equal(t, "ERROR", recent[0].Level)
	assert.Equal(t, "mapper", recent[0].Component)
	assert.Equal(t, assert.AnError.Error(), recent[0].Error)
	assert.Equal(t, `Unknown signal "X"`, recent[1].Message)
}

func TestParseLogLine_Invalid(t *testing.T) {
	_, ok := parseLogLine([]byte("not json"))
	assert.False(t, ok)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_Console(t *testing.T) {
	var out bytes.Buffer
	log := New(&out, "console", zerolog.InfoLevel)
	log.Info().Str("component", "engine").Msg("Engine ready")

	assert.Contains(t, out.String(), "Engine ready")
	assert.NotContains(t, out.String(), `"message"`)
}
