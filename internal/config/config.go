package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/basekick-labs/eca/internal/alignment"
	"github.com/basekick-labs/eca/pkg/models"
)

// Config holds all configuration for the ECA client
type Config struct {
	Log       LogConfig
	Library   LibraryConfig
	Mapping   MappingConfig
	Alignment AlignmentConfig
	Buffer    BufferConfig
	MQTT      MQTTConfig
	Recorder  RecorderConfig
	Metrics   MetricsConfig
	Scheduler SchedulerConfig
	Shutdown  ShutdownConfig
}

type LogConfig struct {
	Level  string
	Format string
}

// LibraryConfig locates the three definition directories
type LibraryConfig struct {
	UDTPath           string
	InputMappingPath  string
	OutputMappingPath string
}

type MappingConfig struct {
	Input            string   // Root input mapping identifier
	Output           string   // Root output mapping identifier (empty disables outputs)
	Strategy         string   // Alignment strategy: nearest, fill, none (default: nearest)
	MinimumRetention []string // Extra history per signal: "SIGNAL=DURATION"
}

type AlignmentConfig struct {
	SampleRate string // Default sample rate for windows without one (decimal, default: 30)
	SampleUnit string // Unit of the default sample rate (default: second)
}

type BufferConfig struct {
	BlockSize int // Measurements per buffer block (0 = package default)
}

type MQTTConfig struct {
	Enabled               bool
	Broker                string
	ClientID              string
	Username              string
	Password              string
	TopicPrefix           string
	QoS                   int
	TLSEnabled            bool
	TLSCertPath           string
	TLSKeyPath            string
	TLSCAPath             string
	TLSInsecureSkipVerify bool
	KeepAliveSeconds      int
	ConnectTimeoutSeconds int
	ReconnectMaxSeconds   int
}

type RecorderConfig struct {
	Enabled       bool   // Record received frames for replay (default: false)
	Directory     string // Recording directory (default: ./data/recordings)
	SyncMode      string // fsync or async (default: async)
	MaxSizeBytes  int64  // Rotate at this size, from max_size such as "256MB"
	MaxAgeSeconds int    // Rotate after this many seconds (default: 3600)
	BufferSize    int    // Frames queued for the writer (default: 1024)
}

type MetricsConfig struct {
	Enabled         bool
	TextfilePath    string // Prometheus textfile collector output (empty = not written)
	IntervalSeconds int    // Textfile refresh interval (default: 15)
}

type SchedulerConfig struct {
	RescanEnabled        bool
	RescanSchedule       string // Cron schedule or descriptor (default: "@every 30s")
	RescanTimeoutSeconds int
}

type ShutdownConfig struct {
	TimeoutSeconds int
}

// Load reads configuration from defaults, an optional eca.toml and ECA_*
// environment variables, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ECA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("eca")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/eca/")
	v.AddConfigPath("$HOME/.eca/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	maxSize, err := ParseSize(v.GetString("recorder.max_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid recorder.max_size: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Library: LibraryConfig{
			UDTPath:           v.GetString("library.udt_path"),
			InputMappingPath:  v.GetString("library.input_mapping_path"),
			OutputMappingPath: v.GetString("library.output_mapping_path"),
		},
		Mapping: MappingConfig{
			Input:            v.GetString("mapping.input"),
			Output:           v.GetString("mapping.output"),
			Strategy:         v.GetString("mapping.strategy"),
			MinimumRetention: v.GetStringSlice("mapping.minimum_retention"),
		},
		Alignment: AlignmentConfig{
			SampleRate: v.GetString("alignment.sample_rate"),
			SampleUnit: v.GetString("alignment.sample_unit"),
		},
		Buffer: BufferConfig{
			BlockSize: v.GetInt("buffer.block_size"),
		},
		MQTT: MQTTConfig{
			Enabled:               v.GetBool("mqtt.enabled"),
			Broker:                v.GetString("mqtt.broker"),
			ClientID:              v.GetString("mqtt.client_id"),
			Username:              v.GetString("mqtt.username"),
			Password:              v.GetString("mqtt.password"),
			TopicPrefix:           v.GetString("mqtt.topic_prefix"),
			QoS:                   v.GetInt("mqtt.qos"),
			TLSEnabled:            v.GetBool("mqtt.tls_enabled"),
			TLSCertPath:           v.GetString("mqtt.tls_cert_path"),
			TLSKeyPath:            v.GetString("mqtt.tls_key_path"),
			TLSCAPath:             v.GetString("mqtt.tls_ca_path"),
			TLSInsecureSkipVerify: v.GetBool("mqtt.tls_insecure_skip_verify"),
			KeepAliveSeconds:      v.GetInt("mqtt.keep_alive_seconds"),
			ConnectTimeoutSeconds: v.GetInt("mqtt.connect_timeout_seconds"),
			ReconnectMaxSeconds:   v.GetInt("mqtt.reconnect_max_seconds"),
		},
		Recorder: RecorderConfig{
			Enabled:       v.GetBool("recorder.enabled"),
			Directory:     v.GetString("recorder.directory"),
			SyncMode:      v.GetString("recorder.sync_mode"),
			MaxSizeBytes:  maxSize,
			MaxAgeSeconds: v.GetInt("recorder.max_age_seconds"),
			BufferSize:    v.GetInt("recorder.buffer_size"),
		},
		Metrics: MetricsConfig{
			Enabled:         v.GetBool("metrics.enabled"),
			TextfilePath:    v.GetString("metrics.textfile_path"),
			IntervalSeconds: v.GetInt("metrics.interval_seconds"),
		},
		Scheduler: SchedulerConfig{
			RescanEnabled:        v.GetBool("scheduler.rescan_enabled"),
			RescanSchedule:       v.GetString("scheduler.rescan_schedule"),
			RescanTimeoutSeconds: v.GetInt("scheduler.rescan_timeout_seconds"),
		},
		Shutdown: ShutdownConfig{
			TimeoutSeconds: v.GetInt("shutdown.timeout_seconds"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Library defaults
	v.SetDefault("library.udt_path", "./library/udts")
	v.SetDefault("library.input_mapping_path", "./library/inputs")
	v.SetDefault("library.output_mapping_path", "./library/outputs")

	// Mapping defaults
	v.SetDefault("mapping.input", "")
	v.SetDefault("mapping.output", "")
	v.SetDefault("mapping.strategy", alignment.NearestMeasurement.String())
	v.SetDefault("mapping.minimum_retention", []string{})

	// Alignment defaults - 30 samples per second
	v.SetDefault("alignment.sample_rate", "30")
	v.SetDefault("alignment.sample_unit", "second")

	v.SetDefault("buffer.block_size", 0)

	// MQTT defaults
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "eca")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.tls_enabled", false)
	v.SetDefault("mqtt.tls_cert_path", "")
	v.SetDefault("mqtt.tls_key_path", "")
	v.SetDefault("mqtt.tls_ca_path", "")
	v.SetDefault("mqtt.tls_insecure_skip_verify", false)
	v.SetDefault("mqtt.keep_alive_seconds", 60)
	v.SetDefault("mqtt.connect_timeout_seconds", 30)
	v.SetDefault("mqtt.reconnect_max_seconds", 60)

	// Recorder defaults - disabled, recordings can grow quickly
	v.SetDefault("recorder.enabled", false)
	v.SetDefault("recorder.directory", "./data/recordings")
	v.SetDefault("recorder.sync_mode", "async")
	v.SetDefault("recorder.max_size", "256MB")
	v.SetDefault("recorder.max_age_seconds", 3600)
	v.SetDefault("recorder.buffer_size", 1024)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.textfile_path", "")
	v.SetDefault("metrics.interval_seconds", 15)

	// Scheduler defaults
	v.SetDefault("scheduler.rescan_enabled", true)
	v.SetDefault("scheduler.rescan_schedule", "@every 30s")
	v.SetDefault("scheduler.rescan_timeout_seconds", 60)

	v.SetDefault("shutdown.timeout_seconds", 30)
}

// Validate checks values that cannot be caught by type conversion
func (cfg *Config) Validate() error {
	if _, ok := alignment.ParseStrategy(cfg.Mapping.Strategy); !ok {
		return fmt.Errorf("invalid mapping.strategy %q: use nearest, fill or none", cfg.Mapping.Strategy)
	}
	if _, err := ParseMinimumRetention(cfg.Mapping); err != nil {
		return err
	}
	if _, _, err := cfg.Alignment.Rate(); err != nil {
		return err
	}
	switch cfg.Recorder.SyncMode {
	case "fsync", "async":
	default:
		return fmt.Errorf("invalid recorder.sync_mode %q: use fsync or async", cfg.Recorder.SyncMode)
	}
	if cfg.Buffer.BlockSize < 0 {
		return fmt.Errorf("buffer.block_size cannot be negative")
	}
	if cfg.Metrics.IntervalSeconds <= 0 {
		return fmt.Errorf("metrics.interval_seconds must be positive")
	}
	return nil
}

// Rate parses the default sample rate
func (cfg *AlignmentConfig) Rate() (decimal.Decimal, models.Unit, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.SampleRate))
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("invalid alignment.sample_rate %q: %w", cfg.SampleRate, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, 0, fmt.Errorf("alignment.sample_rate must be positive")
	}
	unit, err := models.ParseUnit(cfg.SampleUnit)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("invalid alignment.sample_unit: %w", err)
	}
	if unit.IsPoints() {
		return decimal.Zero, 0, fmt.Errorf("alignment.sample_unit must be a time unit")
	}
	return rate, unit, nil
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if strings.HasSuffix(sizeStr, unit.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

			var num float64
			var trailing string
			n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
			if n == 0 {
				return 0, fmt.Errorf("invalid size number: %s", numStr)
			}
			if trailing != "" {
				return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
			}
			if num < 0 {
				return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
			}
			return int64(num * float64(unit.multiplier)), nil
		}
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
