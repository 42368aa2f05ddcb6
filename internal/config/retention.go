package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseMinimumRetention parses the minimum retention entries of a
// MappingConfig.
// Format: ["SIGNAL=DURATION", ...] where SIGNAL is a signal ID, point ID or
// point tag and DURATION is a Go duration such as "10s".
// Returns a map from signal token to retention. Later entries for the same
// signal win.
func ParseMinimumRetention(cfg MappingConfig) (map[string]time.Duration, error) {
	retention := make(map[string]time.Duration, len(cfg.MinimumRetention))

	for _, entry := range cfg.MinimumRetention {
		idx := strings.LastIndexByte(entry, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid minimum retention %q (expected 'SIGNAL=DURATION')", entry)
		}

		signal := strings.TrimSpace(entry[:idx])
		if signal == "" {
			return nil, fmt.Errorf("empty signal in minimum retention: %s", entry)
		}

		d, err := time.ParseDuration(strings.TrimSpace(entry[idx+1:]))
		if err != nil {
			return nil, fmt.Errorf("invalid duration in minimum retention %q: %w", entry, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("minimum retention must be positive: %s", entry)
		}

		retention[signal] = d
	}

	return retention, nil
}
