// Package logger configures the global zerolog logger and keeps recent
// warnings and errors as the client's status feed.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the global logger. format "console" renders human-readable
// lines; anything else writes JSON. Every line also passes through the
// status buffer.
func Setup(level, format string) {
	lvl := ParseLevel(level)
	zerolog.SetGlobalLevel(lvl)
	log.Logger = New(os.Stdout, format, lvl)
}

// New builds a logger writing to out through the status buffer. Caller
// locations are added at debug level and below.
func New(out io.Writer, format string, level zerolog.Level) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(NewLogBufferWriter(out)).With().Timestamp()
	if level <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Get returns a child of the global logger tagged with component
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// RecentStatus returns the latest warnings and errors, newest first
func RecentStatus(limit int) []LogEntry {
	return GetBuffer().GetRecent(limit, "WARN", 0)
}
