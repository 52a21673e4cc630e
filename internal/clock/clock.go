// Package clock abstracts wall time so services and tests share one source
// of "now".
package clock

import "time"

type Clock interface {
	Now() time.Time
}

// NewSystem returns the production clock. All timestamps are UTC.
func NewSystem() Clock {
	return sysClock{}
}

type sysClock struct{}

func (sysClock) Now() time.Time {
	return time.Now().UTC()
}

// NewFixed returns a clock frozen at t, for deterministic tests.
func NewFixed(t time.Time) Clock {
	return frozenClock{at: t.UTC()}
}

type frozenClock struct {
	at time.Time
}

func (c frozenClock) Now() time.Time {
	return c.at
}
