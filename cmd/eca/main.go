package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basekick-labs/eca/internal/alignment"
	"github.com/basekick-labs/eca/internal/buffer"
	"github.com/basekick-labs/eca/internal/config"
	"github.com/basekick-labs/eca/internal/engine"
	"github.com/basekick-labs/eca/internal/library"
	"github.com/basekick-labs/eca/internal/logger"
	"github.com/basekick-labs/eca/internal/lookup"
	"github.com/basekick-labs/eca/internal/metrics"
	"github.com/basekick-labs/eca/internal/recorder"
	"github.com/basekick-labs/eca/internal/scheduler"
	"github.com/basekick-labs/eca/internal/shutdown"
	"github.com/basekick-labs/eca/internal/subscriber"
	"github.com/basekick-labs/eca/pkg/models"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

const usage = `usage: eca [command] [flags]

commands:
  run      Subscribe to the measurement feed and run the engine (default)
  check    Compile the definition library and report errors
  replay   Feed recorded frames through the engine and print its outputs
`

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	switch cmd {
	case "run":
		err = runService(cfg)
	case "check":
		err = runCheck(cfg)
	case "replay":
		err = runReplay(cfg, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("Command failed")
		os.Exit(1)
	}
}

// components holds everything the engine is built from
type components struct {
	library   *library.Library
	lookup    *lookup.Lookup
	alignment *alignment.Coordinator
	engine    *engine.Engine
}

func (c *components) close() {
	if c.engine != nil {
		c.engine.Close()
	}
	if c.lookup != nil {
		c.lookup.Close()
	}
	if c.library != nil {
		c.library.Close()
	}
}

func newLibrary(cfg *config.Config) (*library.Library, error) {
	return library.New(&library.Config{
		UDTPath:           cfg.Library.UDTPath,
		InputMappingPath:  cfg.Library.InputMappingPath,
		OutputMappingPath: cfg.Library.OutputMappingPath,
		Logger:            logger.Get("library"),
	})
}

// build wires the library, lookup, alignment coordinator and engine, and
// loads the definitions once.
func build(ctx context.Context, cfg *config.Config, rec engine.Recorder) (*components, error) {
	strategy, ok := alignment.ParseStrategy(cfg.Mapping.Strategy)
	if !ok {
		return nil, fmt.Errorf("invalid mapping.strategy %q", cfg.Mapping.Strategy)
	}
	rate, unit, err := cfg.Alignment.Rate()
	if err != nil {
		return nil, err
	}
	retention, err := config.ParseMinimumRetention(cfg.Mapping)
	if err != nil {
		return nil, err
	}

	c := &components{}
	if c.library, err = newLibrary(cfg); err != nil {
		return nil, fmt.Errorf("failed to open library: %w", err)
	}
	if c.lookup, err = lookup.New(logger.Get("lookup")); err != nil {
		c.close()
		return nil, fmt.Errorf("failed to create signal lookup: %w", err)
	}

	var opts []buffer.Option
	if cfg.Buffer.BlockSize > 0 {
		opts = append(opts, buffer.WithBlockSize(cfg.Buffer.BlockSize))
	}
	c.alignment = alignment.NewCoordinator(&alignment.Config{
		SampleRate:    rate,
		SampleUnit:    unit,
		BufferOptions: opts,
		Logger:        logger.Get("alignment"),
	})

	c.engine, err = engine.New(&engine.Config{
		Library:          c.library,
		Lookup:           c.lookup,
		Alignment:        c.alignment,
		InputMapping:     cfg.Mapping.Input,
		OutputMapping:    cfg.Mapping.Output,
		Strategy:         strategy,
		MinimumRetention: retention,
		Algorithm:        engine.Passthrough,
		Recorder:         rec,
		Logger:           log.Logger,
	})
	if err != nil {
		c.close()
		return nil, err
	}
	if err := c.engine.Refresh(ctx); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func runService(cfg *config.Config) error {
	log.Info().Str("version", Version).Msg("Starting ECA client...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init(logger.Get("metrics"))
	shutdownCoordinator := shutdown.New(time.Duration(cfg.Shutdown.TimeoutSeconds)*time.Second, logger.Get("shutdown"))

	var rec engine.Recorder
	if cfg.Recorder.Enabled {
		writer, err := recorder.NewWriter(&recorder.Config{
			Dir:          cfg.Recorder.Directory,
			SyncMode:     recorder.SyncMode(cfg.Recorder.SyncMode),
			MaxSizeBytes: cfg.Recorder.MaxSizeBytes,
			MaxAge:       time.Duration(cfg.Recorder.MaxAgeSeconds) * time.Second,
			BufferSize:   cfg.Recorder.BufferSize,
			Logger:       logger.Get("recorder"),
		})
		if err != nil {
			return fmt.Errorf("failed to start recorder: %w", err)
		}
		rec = writer
		shutdownCoordinator.Register("recorder", writer, shutdown.PriorityRecorder)
	}

	c, err := build(ctx, cfg, rec)
	if err != nil {
		return err
	}
	shutdownCoordinator.Register("engine", c.engine, shutdown.PriorityEngine)
	shutdownCoordinator.Register("lookup", c.lookup, shutdown.PriorityLookup)
	shutdownCoordinator.Register("library", c.library, shutdown.PriorityLibrary)

	if cfg.MQTT.Enabled {
		sub, err := subscriber.New(&subscriber.Config{
			Broker:                cfg.MQTT.Broker,
			ClientID:              cfg.MQTT.ClientID,
			Username:              cfg.MQTT.Username,
			Password:              cfg.MQTT.Password,
			TopicPrefix:           cfg.MQTT.TopicPrefix,
			QoS:                   cfg.MQTT.QoS,
			TLSEnabled:            cfg.MQTT.TLSEnabled,
			TLSCertPath:           cfg.MQTT.TLSCertPath,
			TLSKeyPath:            cfg.MQTT.TLSKeyPath,
			TLSCAPath:             cfg.MQTT.TLSCAPath,
			TLSInsecureSkipVerify: cfg.MQTT.TLSInsecureSkipVerify,
			KeepAliveSeconds:      cfg.MQTT.KeepAliveSeconds,
			ConnectTimeoutSeconds: cfg.MQTT.ConnectTimeoutSeconds,
			ReconnectMaxSeconds:   cfg.MQTT.ReconnectMaxSeconds,
		}, c.engine, logger.Get("subscriber"))
		if err != nil {
			return fmt.Errorf("failed to create subscriber: %w", err)
		}
		if err := c.engine.SetPublisher(sub); err != nil {
			return err
		}
		if err := sub.Start(); err != nil {
			return fmt.Errorf("failed to start subscriber: %w", err)
		}
		shutdownCoordinator.RegisterHook("subscriber", func(ctx context.Context) error {
			return sub.Stop()
		}, shutdown.PrioritySubscriber)
	} else {
		log.Warn().Msg("MQTT disabled - engine will not receive frames")
	}

	if cfg.Scheduler.RescanEnabled {
		rescan, err := scheduler.NewRescanScheduler(&scheduler.RescanSchedulerConfig{
			Refresher: c.engine,
			Schedule:  cfg.Scheduler.RescanSchedule,
			Timeout:   time.Duration(cfg.Scheduler.RescanTimeoutSeconds) * time.Second,
			Logger:    logger.Get("scheduler"),
		})
		if err != nil {
			return fmt.Errorf("failed to create rescan scheduler: %w", err)
		}
		if err := rescan.Start(); err != nil {
			return fmt.Errorf("failed to start rescan scheduler: %w", err)
		}
		shutdownCoordinator.RegisterHook("rescan-scheduler", func(ctx context.Context) error {
			rescan.Stop()
			return nil
		}, shutdown.PriorityScheduler)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.TextfilePath != "" {
		exporterCtx, stopExporter := context.WithCancel(ctx)
		go metrics.Get().RunExporter(exporterCtx, cfg.Metrics.TextfilePath, time.Duration(cfg.Metrics.IntervalSeconds)*time.Second)
		shutdownCoordinator.RegisterHook("metrics", func(ctx context.Context) error {
			stopExporter()
			return metrics.Get().WriteTextfile(cfg.Metrics.TextfilePath)
		}, shutdown.PriorityMetrics)
	}

	log.Info().
		Str("input", cfg.Mapping.Input).
		Str("output", cfg.Mapping.Output).
		Str("version", Version).
		Msg("ECA client is ready!")

	sig := shutdownCoordinator.WaitForSignal()
	log.Info().Str("signal", sig.String()).Msg("Initiating graceful shutdown...")

	if err := shutdownCoordinator.Shutdown(); err != nil {
		return fmt.Errorf("shutdown completed with errors: %w", err)
	}
	log.Info().Msg("ECA client shutdown complete")
	return nil
}

// runCheck compiles the library and lists every file that failed
func runCheck(cfg *config.Config) error {
	return checkLibrary(context.Background(), cfg, os.Stdout)
}

func checkLibrary(ctx context.Context, cfg *config.Config, w io.Writer) error {
	lib, err := newLibrary(cfg)
	if err != nil {
		return err
	}
	defer lib.Close()

	if err := lib.Load(ctx); err != nil {
		return err
	}

	errs := lib.BatchErrors()
	for _, be := range errs {
		fmt.Fprintf(w, "%s: %s\n", be.FilePath, be.Message())
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d definition file(s) failed to compile", len(errs))
	}
	fmt.Fprintln(w, "All definitions compiled")
	return nil
}

// stdoutPublisher writes each output frame as a JSON line. NaN values are
// written as null.
type stdoutPublisher struct {
	enc *json.Encoder
}

type outputLine struct {
	Signal string   `json:"signal"`
	Point  string   `json:"point,omitempty"`
	Time   int64    `json:"t"`
	Value  *float64 `json:"v"`
	Flags  string   `json:"flags,omitempty"`
}

func (p *stdoutPublisher) Subscribe(filterExpression string) error {
	log.Debug().Str("filter", filterExpression).Msg("Replay subscription")
	return nil
}

func (p *stdoutPublisher) Publish(frameTime int64, measurements []models.Measurement) error {
	if len(measurements) == 0 {
		return nil
	}
	lines := make([]outputLine, len(measurements))
	for i, m := range measurements {
		lines[i] = outputLine{Signal: m.Key.SignalID.String(), Time: m.Timestamp}
		if m.Key.Source != "" {
			lines[i].Point = m.Key.String()
		}
		if !m.IsNaN() {
			v := m.Value
			lines[i].Value = &v
		}
		if m.Flags != 0 {
			lines[i].Flags = m.Flags.String()
		}
	}
	return p.enc.Encode(struct {
		Time         int64        `json:"t"`
		Measurements []outputLine `json:"m"`
	}{frameTime, lines})
}

// runReplay loads a metadata snapshot and pushes every recorded frame
// through the engine in order
func runReplay(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	dir := fs.String("dir", cfg.Recorder.Directory, "Recording directory")
	metadataPath := fs.String("metadata", "", "Metadata snapshot (msgpack or JSON DataSet, optionally gzipped)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *metadataPath == "" {
		return fmt.Errorf("--metadata is required")
	}

	payload, err := os.ReadFile(*metadataPath)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	ds, err := subscriber.DecodeMetadata(payload)
	if err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}

	ctx := context.Background()
	c, err := build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.engine.SetPublisher(&stdoutPublisher{enc: json.NewEncoder(os.Stdout)}); err != nil {
		return err
	}
	if err := c.engine.HandleMetadata(ctx, ds); err != nil {
		return err
	}

	failed := 0
	stats, err := recorder.Replay(ctx, *dir, func(ctx context.Context, frame models.Frame) error {
		if err := c.engine.HandleFrame(ctx, frame); err != nil {
			failed++
			log.Warn().Err(err).Int64("frame_time", frame.Timestamp).Msg("Replayed frame failed")
		}
		return nil
	}, logger.Get("replay"))
	if err != nil {
		return err
	}

	log.Info().
		Int("files", stats.Files).
		Int("frames", stats.Frames).
		Int("failed", failed).
		Int("corrupted", stats.CorruptedEntries).
		Dur("duration", stats.Duration).
		Msg("Replay complete")
	return nil
}
