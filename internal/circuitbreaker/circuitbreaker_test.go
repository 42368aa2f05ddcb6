package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errPublish = errors.New("publish timed out")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(probes int) (*Breaker, *clock, *[]string) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	var transitions []string
	b := New(Config{
		Name:        "publish",
		MaxFailures: 3,
		Cooldown:    10 * time.Second,
		Probes:      probes,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
		now: clk.now,
	}, zerolog.Nop())
	return b, clk, &transitions
}

func fail() error    { return errPublish }
func succeed() error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _, _ := newBreaker(1)

	b.Do(fail)
	b.Do(fail)
	b.Do(succeed) // resets the count
	b.Do(fail)
	b.Do(fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}

	if err := b.Do(fail); !errors.Is(err, errPublish) {
		t.Fatalf("expected the call's own error, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("open breaker must reject without calling, err=%v called=%v", err, called)
	}
	if b.Rejected() != 1 {
		t.Errorf("rejected = %d, want 1", b.Rejected())
	}
}

func TestBreakerProbesAfterCooldown(t *testing.T) {
	b, clk, transitions := newBreaker(2)
	for i := 0; i < 3; i++ {
		b.Do(fail)
	}

	clk.advance(9 * time.Second)
	if err := b.Do(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected rejection before cooldown, got %v", err)
	}

	clk.advance(time.Second)
	if err := b.Do(succeed); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	if err := b.Do(succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(*transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", *transitions, want)
	}
	for i := range want {
		if (*transitions)[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, (*transitions)[i], want[i])
		}
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b, clk, _ := newBreaker(1)
	for i := 0; i < 3; i++ {
		b.Do(fail)
	}
	clk.advance(10 * time.Second)

	if err := b.Do(fail); !errors.Is(err, errPublish) {
		t.Fatalf("probe should call through, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	// The cooldown restarts from the failed probe
	clk.advance(5 * time.Second)
	if err := b.Do(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestBreakerProbeBudget(t *testing.T) {
	b, clk, _ := newBreaker(1)
	for i := 0; i < 3; i++ {
		b.Do(fail)
	}
	clk.advance(10 * time.Second)

	// Hold the only probe open while a second call arrives
	var inner error
	err := b.Do(func() error {
		inner = b.Do(succeed)
		return nil
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !errors.Is(inner, ErrOpen) {
		t.Fatalf("concurrent call during probe = %v, want ErrOpen", inner)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreakerReset(t *testing.T) {
	b, _, _ := newBreaker(1)
	for i := 0; i < 3; i++ {
		b.Do(fail)
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	if err := b.Do(succeed); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	b := New(Config{Name: "x"}, zerolog.Nop())
	if b.cfg.MaxFailures != 5 || b.cfg.Cooldown != 30*time.Second || b.cfg.Probes != 1 || b.cfg.now == nil {
		t.Errorf("unexpected defaults: %+v", b.cfg)
	}
}
