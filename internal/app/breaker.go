package app

import (
	"sync"
	"time"

	"github.com/vhalvarez/lunch-microservices-sub000/internal/clock"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes the failure-rate window and recovery probing.
type BreakerConfig struct {
	// Window is how long an outcome counts toward the failure rate.
	Window time.Duration
	// Threshold is the failure rate at which the breaker opens.
	Threshold float64
	// MinSamples is the minimum number of outcomes in the window before the
	// rate is evaluated.
	MinSamples int
	// CoolDown is how long the breaker stays open before probing.
	CoolDown time.Duration
}

// Breaker is a closed/open/half-open state machine over a rolling window of
// call outcomes. Process-local; one instance guards the market endpoint.
type Breaker struct {
	cfg   BreakerConfig
	clock clock.Clock

	mu       sync.Mutex
	state    BreakerState
	outcomes []breakerOutcome
	openedAt time.Time
	probing  bool
}

type breakerOutcome struct {
	at     time.Time
	failed bool
}

func NewBreaker(cfg BreakerConfig, clk clock.Clock) *Breaker {
	return &Breaker{
		cfg:   cfg,
		clock: clk,
		state: BreakerClosed,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// false until the cool-down elapses, then admits a single half-open probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.CoolDown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	default: // half-open
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.outcomes = nil
		b.probing = false
		return
	}
	b.record(false)
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = now
		b.probing = false
		return
	}

	b.record(true)
	if b.state == BreakerClosed && b.shouldOpen() {
		b.state = BreakerOpen
		b.openedAt = now
		b.outcomes = nil
	}
}

// State returns the current state, for logging.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) record(failed bool) {
	now := b.clock.Now()
	b.outcomes = append(b.outcomes, breakerOutcome{at: now, failed: failed})
	b.prune(now)
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.outcomes[:0]
	for _, o := range b.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	b.outcomes = kept
}

func (b *Breaker) shouldOpen() bool {
	if len(b.outcomes) < b.cfg.MinSamples {
		return false
	}
	failures := 0
	for _, o := range b.outcomes {
		if o.failed {
			failures++
		}
	}
	return float64(failures)/float64(len(b.outcomes)) >= b.cfg.Threshold
}
