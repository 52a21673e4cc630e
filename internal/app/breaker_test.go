package app

import (
	"sync"
	"testing"
	"time"
)

// stepClock is a clock the test can advance by hand.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock(start time.Time) *stepClock {
	return &stepClock{now: start}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreaker(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := BreakerConfig{
		Window:     time.Minute,
		Threshold:  0.5,
		MinSamples: 4,
		CoolDown:   10 * time.Second,
	}

	t.Run("stays closed under the minimum sample size", func(t *testing.T) {
		b := NewBreaker(cfg, newStepClock(start))
		b.RecordFailure()
		b.RecordFailure()
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("expected closed with too few samples")
		}
	})

	t.Run("opens at the failure-rate threshold", func(t *testing.T) {
		b := NewBreaker(cfg, newStepClock(start))
		b.RecordSuccess()
		b.RecordSuccess()
		b.RecordFailure()
		b.RecordFailure() // 2/4 == threshold
		if b.Allow() {
			t.Fatalf("expected open at 50%% failures")
		}
		if b.State() != BreakerOpen {
			t.Fatalf("expected open state, got %s", b.State())
		}
	})

	t.Run("admits a single probe after the cool-down", func(t *testing.T) {
		clk := newStepClock(start)
		b := NewBreaker(cfg, clk)
		for i := 0; i < 4; i++ {
			b.RecordFailure()
		}
		if b.Allow() {
			t.Fatalf("expected open before cool-down")
		}

		clk.Advance(cfg.CoolDown)
		if !b.Allow() {
			t.Fatalf("expected a half-open probe after cool-down")
		}
		if b.Allow() {
			t.Fatalf("expected only one probe in flight")
		}

		b.RecordSuccess()
		if b.State() != BreakerClosed {
			t.Fatalf("expected closed after successful probe, got %s", b.State())
		}
		if !b.Allow() {
			t.Fatalf("expected calls allowed when closed")
		}
	})

	t.Run("reopens when the probe fails", func(t *testing.T) {
		clk := newStepClock(start)
		b := NewBreaker(cfg, clk)
		for i := 0; i < 4; i++ {
			b.RecordFailure()
		}
		clk.Advance(cfg.CoolDown)
		if !b.Allow() {
			t.Fatalf("expected probe after cool-down")
		}

		b.RecordFailure()
		if b.State() != BreakerOpen {
			t.Fatalf("expected reopened, got %s", b.State())
		}
		if b.Allow() {
			t.Fatalf("expected calls blocked after failed probe")
		}

		clk.Advance(cfg.CoolDown)
		if !b.Allow() {
			t.Fatalf("expected another probe after a second cool-down")
		}
	})

	t.Run("old outcomes fall out of the rolling window", func(t *testing.T) {
		clk := newStepClock(start)
		b := NewBreaker(cfg, clk)
		b.RecordFailure()
		b.RecordFailure()
		b.RecordFailure()

		clk.Advance(cfg.Window + time.Second)
		b.RecordSuccess()
		b.RecordSuccess()
		b.RecordSuccess()
		b.RecordFailure() // 1 failure of 4 in the window

		if !b.Allow() {
			t.Fatalf("expected closed once stale failures aged out")
		}
	})
}
