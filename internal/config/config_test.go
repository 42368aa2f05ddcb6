package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basekick-labs/eca/pkg/models"
)

// chdirTemp moves into an empty directory so no eca.toml is picked up
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	oldWd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(oldWd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mapping.Strategy != "nearest" {
		t.Errorf("Mapping.Strategy = %s, want nearest", cfg.Mapping.Strategy)
	}
	if cfg.MQTT.TopicPrefix != "eca" {
		t.Errorf("MQTT.TopicPrefix = %s, want eca", cfg.MQTT.TopicPrefix)
	}
	if cfg.Recorder.Enabled {
		t.Error("Recorder.Enabled should default to false")
	}
	if cfg.Recorder.MaxSizeBytes != 256*1024*1024 {
		t.Errorf("Recorder.MaxSizeBytes = %d, want 256MB", cfg.Recorder.MaxSizeBytes)
	}
	if cfg.Scheduler.RescanSchedule != "@every 30s" {
		t.Errorf("Scheduler.RescanSchedule = %s", cfg.Scheduler.RescanSchedule)
	}

	rate, unit, err := cfg.Alignment.Rate()
	if err != nil {
		t.Fatalf("Alignment.Rate() error = %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(30)) || unit != models.Second {
		t.Errorf("default rate = %s per %s, want 30 per second", rate, unit)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ECA_MAPPING_INPUT", "PhasorInputs")
	t.Setenv("ECA_MAPPING_STRATEGY", "fill")
	t.Setenv("ECA_MQTT_QOS", "2")
	t.Setenv("ECA_RECORDER_MAX_SIZE", "1GB")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mapping.Input != "PhasorInputs" {
		t.Errorf("Mapping.Input = %s, want PhasorInputs (from env)", cfg.Mapping.Input)
	}
	if cfg.Mapping.Strategy != "fill" {
		t.Errorf("Mapping.Strategy = %s, want fill (from env)", cfg.Mapping.Strategy)
	}
	if cfg.MQTT.QoS != 2 {
		t.Errorf("MQTT.QoS = %d, want 2 (from env)", cfg.MQTT.QoS)
	}
	if cfg.Recorder.MaxSizeBytes != 1024*1024*1024 {
		t.Errorf("Recorder.MaxSizeBytes = %d, want 1GB (from env)", cfg.Recorder.MaxSizeBytes)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := chdirTemp(t)

	toml := `
[mapping]
input = "Trend"
minimum_retention = ["PPA:1=10s", "FREQ=1m"]

[alignment]
sample_rate = "60"
sample_unit = "seconds"
`
	if err := os.WriteFile(filepath.Join(dir, "eca.toml"), []byte(toml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mapping.Input != "Trend" {
		t.Errorf("Mapping.Input = %s, want Trend (from file)", cfg.Mapping.Input)
	}

	retention, err := ParseMinimumRetention(cfg.Mapping)
	if err != nil {
		t.Fatalf("ParseMinimumRetention() error = %v", err)
	}
	if retention["PPA:1"] != 10*time.Second || retention["FREQ"] != time.Minute {
		t.Errorf("retention = %v", retention)
	}

	rate, _, err := cfg.Alignment.Rate()
	if err != nil || !rate.Equal(decimal.NewFromInt(60)) {
		t.Errorf("rate = %s, err = %v, want 60", rate, err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
	}{
		{"strategy", "ECA_MAPPING_STRATEGY", "closest"},
		{"sample rate", "ECA_ALIGNMENT_SAMPLE_RATE", "-1"},
		{"sample unit", "ECA_ALIGNMENT_SAMPLE_UNIT", "points"},
		{"sync mode", "ECA_RECORDER_SYNC_MODE", "sometimes"},
		{"max size", "ECA_RECORDER_MAX_SIZE", "1TB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)
			t.Setenv(tt.env, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.env, tt.value)
			}
		})
	}
}

func TestParseMinimumRetention(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    map[string]time.Duration
		wantErr bool
	}{
		{"empty", nil, map[string]time.Duration{}, false},
		{"point id", []string{"PPA:12=5s"}, map[string]time.Duration{"PPA:12": 5 * time.Second}, false},
		{"later wins", []string{"FREQ=1s", " FREQ = 2s "}, map[string]time.Duration{"FREQ": 2 * time.Second}, false},
		{"missing separator", []string{"FREQ"}, nil, true},
		{"empty signal", []string{"=5s"}, nil, true},
		{"bad duration", []string{"FREQ=soon"}, nil, true},
		{"zero duration", []string{"FREQ=0s"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMinimumRetention(MappingConfig{MinimumRetention: tt.entries})
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"256MB", 256 * 1024 * 1024, false},
		{"1.5kb", 1536, false},
		{"512", 512, false},
		{"1TB", 0, true},
		{"", 0, true},
		{"-1MB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
