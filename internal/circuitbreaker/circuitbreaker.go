// Package circuitbreaker rejects calls to a failing dependency for a
// cooldown period.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State of a breaker
type State int

const (
	StateClosed   State = iota // Calls pass through
	StateOpen                  // Calls are rejected until the cooldown ends
	StateHalfOpen              // Probe calls decide whether to close again
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without calling through while the breaker is open or
// its probe budget is used up.
var ErrOpen = errors.New("circuit breaker is open")

// Config configures a Breaker
type Config struct {
	Name        string
	MaxFailures int           // Consecutive failures that open the breaker (default: 5)
	Cooldown    time.Duration // Time spent open before probing (default: 30s)
	Probes      int           // Successful probes needed to close (default: 1)

	// OnStateChange is called with the breaker lock held
	OnStateChange func(name string, from, to State)

	now func() time.Time
}

// Breaker counts consecutive failures of the calls it guards
type Breaker struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	failures int
	probes   int // Probes started in the current half-open period
	passed   int // Probes that succeeded
	openedAt time.Time
	rejected int64
}

// New creates a closed breaker
func New(cfg Config, logger zerolog.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{
		cfg:    cfg,
		logger: logger.With().Str("component", "circuit-breaker").Str("name", cfg.Name).Logger(),
	}
}

// Do calls fn unless the breaker is open, and records its result
func (b *Breaker) Do(fn func() error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.cfg.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transition(StateHalfOpen)
	}

	switch b.state {
	case StateOpen:
		b.rejected++
		return false
	case StateHalfOpen:
		if b.probes >= b.cfg.Probes {
			b.rejected++
			return false
		}
		b.probes++
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		switch {
		case b.state == StateHalfOpen:
			b.transition(StateOpen)
		case b.state == StateClosed && b.failures >= b.cfg.MaxFailures:
			b.logger.Warn().Err(err).Int("failures", b.failures).Msg("Opening circuit breaker")
			b.transition(StateOpen)
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.passed++
		if b.passed >= b.cfg.Probes {
			b.transition(StateClosed)
		}
	}
}

// transition must be called with mu held
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures, b.probes, b.passed = 0, 0, 0
	if to == StateOpen {
		b.openedAt = b.cfg.now()
	}

	b.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker past its cooldown still
// reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Rejected returns how many calls were refused
func (b *Breaker) Rejected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
}
