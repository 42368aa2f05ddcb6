package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StatusCapacity is the number of entries kept in the status buffer
const StatusCapacity = 1000

// LogEntry is one captured status line
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

func (e LogEntry) level() zerolog.Level {
	return levelOf(e.Level)
}

// levelOf parses a level name; unknown names rank below debug
func levelOf(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || name == "" {
		return zerolog.TraceLevel
	}
	return lvl
}

// LogBuffer keeps the latest entries. Once full, each Add overwrites the
// oldest entry.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int  // Slot the next Add writes
	full    bool // Every slot holds an entry
}

var (
	statusBuffer *LogBuffer
	statusOnce   sync.Once
)

// GetBuffer returns the process-wide status buffer
func GetBuffer() *LogBuffer {
	statusOnce.Do(func() {
		statusBuffer = NewLogBuffer(StatusCapacity)
	})
	return statusBuffer
}

// NewLogBuffer creates a buffer holding up to capacity entries
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{entries: make([]LogEntry, max(capacity, 1))}
}

// Add stores entry
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = entry
	b.next++
	if b.next == len(b.entries) {
		b.next, b.full = 0, true
	}
}

// Count returns the number of stored entries
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count()
}

func (b *LogBuffer) count() int {
	if b.full {
		return len(b.entries)
	}
	return b.next
}

// GetRecent returns up to limit entries at or above level, newest first. A
// zero limit returns every match, an empty level matches all entries and a
// zero since keeps entries of any age.
func (b *LogBuffer) GetRecent(limit int, level string, since time.Duration) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.count()
	if limit <= 0 || limit > n {
		limit = n
	}
	minLevel := zerolog.TraceLevel
	if level != "" {
		minLevel = levelOf(level)
	}
	var cutoff time.Time
	if since > 0 {
		cutoff = time.Now().Add(-since)
	}

	result := make([]LogEntry, 0, limit)
	for i := 1; i <= n && len(result) < limit; i++ {
		e := b.entries[(b.next-i+len(b.entries))%len(b.entries)]
		if e.Timestamp.Before(cutoff) || e.level() < minLevel {
			continue
		}
		result = append(result, e)
	}
	return result
}

// LogBufferWriter tees log lines to another writer and copies those at or
// above minLevel into a buffer. It must sit directly under zerolog, which
// always writes JSON, and in front of any console formatting.
type LogBufferWriter struct {
	buffer   *LogBuffer
	original io.Writer
	minLevel zerolog.Level
}

// NewLogBufferWriter captures WARN and above into the status buffer
func NewLogBufferWriter(original io.Writer) *LogBufferWriter {
	return &LogBufferWriter{
		buffer:   GetBuffer(),
		original: original,
		minLevel: zerolog.WarnLevel,
	}
}

// Write implements io.Writer
func (w *LogBufferWriter) Write(p []byte) (int, error) {
	n, err := len(p), error(nil)
	if w.original != nil {
		n, err = w.original.Write(p)
	}

	if entry, ok := parseLogLine(p); ok && entry.level() >= w.minLevel {
		w.buffer.Add(entry)
	}
	return n, err
}

// parseLogLine decodes one zerolog JSON line
func parseLogLine(line []byte) (LogEntry, bool) {
	var raw struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
		Error     string `json:"error"`
		Time      string `json:"time"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogEntry{}, false
	}
	if raw.Level == "" && raw.Message == "" {
		return LogEntry{}, false
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     strings.ToUpper(raw.Level),
		Component: raw.Component,
		Message:   raw.Message,
		Error:     raw.Error,
	}
	if t, err := time.Parse(time.RFC3339, raw.Time); err == nil {
		entry.Timestamp = t
	}
	return entry, true
}
