// Package idempotency drops duplicate deliveries of the same message id
// within a TTL window. The marker is set before the handler runs, so a
// redelivery after a handler failure is still skipped. Best effort, not
// exactly-once.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/vhalvarez/lunch-microservices-sub000/internal/clock"
)

// Guard runs fn at most once per key within the TTL window. A duplicate key
// returns nil without running fn.
type Guard interface {
	Run(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// MemoryGuard is a process-local Guard for tests and single-instance runs.
type MemoryGuard struct {
	clock clock.Clock

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryGuard(clk clock.Clock) *MemoryGuard {
	return &MemoryGuard{
		clock: clk,
		seen:  map[string]time.Time{},
	}
}

func (g *MemoryGuard) Run(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	now := g.clock.Now()
	if expiry, ok := g.seen[key]; ok && now.Before(expiry) {
		g.mu.Unlock()
		return nil
	}
	g.seen[key] = now.Add(ttl)
	g.mu.Unlock()

	return fn(ctx)
}
