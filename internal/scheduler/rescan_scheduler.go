package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultRescanSchedule rescans the definition library every 30 seconds
const DefaultRescanSchedule = "@every 30s"

// Refresher reloads definitions and recrunches metadata
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RescanScheduler periodically refreshes the definition library so edits
// made on disk are picked up without a restart
type RescanScheduler struct {
	refresher Refresher
	schedule  string
	timeout   time.Duration
	cron      *cron.Cron
	running   bool
	lastRun   time.Time
	lastError error
	mu        sync.Mutex
	logger    zerolog.Logger
}

// RescanSchedulerConfig holds configuration for the rescan scheduler
type RescanSchedulerConfig struct {
	Refresher Refresher
	Schedule  string        // Cron schedule or descriptor (e.g., "*/5 * * * *", "@every 30s")
	Timeout   time.Duration // Bound on a single refresh (default: 1 minute)
	Logger    zerolog.Logger
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ValidateSchedule reports whether a schedule string parses
func ValidateSchedule(schedule string) error {
	_, err := newParser().Parse(schedule)
	return err
}

// NewRescanScheduler creates a new rescan scheduler
func NewRescanScheduler(cfg *RescanSchedulerConfig) (*RescanScheduler, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultRescanSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	s := &RescanScheduler{
		refresher: cfg.Refresher,
		schedule:  schedule,
		timeout:   timeout,
		logger:    cfg.Logger.With().Str("component", "rescan-scheduler").Logger(),
	}

	s.logger.Info().
		Str("schedule", schedule).
		Msg("Rescan scheduler initialized")

	return s, nil
}

// Start starts the rescan scheduler
func (s *RescanScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Rescan scheduler already running")
		return nil
	}

	// SkipIfStillRunning keeps a slow refresh from stacking up
	s.cron = cron.New(
		cron.WithParser(newParser()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	if _, err := s.cron.AddFunc(s.schedule, s.runRescan); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Time("next_run", s.getNextRun()).
		Msg("Rescan scheduler started")

	return nil
}

// Stop stops the rescan scheduler and waits for a running refresh
func (s *RescanScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.running = false
	s.mu.Unlock()

	// runRescan takes the lock, so wait outside it
	<-c.Stop().Done()
	s.logger.Info().Msg("Rescan scheduler stopped")
}

func (s *RescanScheduler) runRescan() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.TriggerNow(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled rescan failed")
	}
}

// TriggerNow refreshes immediately
func (s *RescanScheduler) TriggerNow(ctx context.Context) error {
	startTime := time.Now()
	err := s.refresher.Refresh(ctx)

	s.mu.Lock()
	s.lastRun = startTime
	s.lastError = err
	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.logger.Debug().
		Dur("duration", time.Since(startTime)).
		Msg("Rescan completed")
	return nil
}

func (s *RescanScheduler) getNextRun() time.Time {
	schedule, err := newParser().Parse(s.schedule)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(time.Now())
}

// Status returns scheduler status
func (s *RescanScheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"running":  s.running,
		"schedule": s.schedule,
	}
	if s.running {
		status["next_run"] = s.getNextRun().Format(time.RFC3339)
	}
	if !s.lastRun.IsZero() {
		status["last_run"] = s.lastRun.Format(time.RFC3339)
	}
	if s.lastError != nil {
		status["last_error"] = s.lastError.Error()
	}
	return status
}

// IsRunning returns whether the scheduler is running
func (s *RescanScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetSchedule returns the cron schedule string
func (s *RescanScheduler) GetSchedule() string {
	return s.schedule
}
