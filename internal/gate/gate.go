// Package gate implements the global bounded-concurrency gate limiting how
// many handler invocations run at once across all connections.
package gate

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"pkt.systems/watchd/internal/clock"
)

// DefaultLimit is used when a gate is constructed with a non-positive limit.
const DefaultLimit = 64

// Gate is a permit-based admission gate. Acquire suspends when all permits
// are held and reports how long the caller waited.
type Gate struct {
	sem   *semaphore.Weighted
	clock clock.Clock
}

// New constructs a gate with the supplied permit limit.
func New(limit int64, clk clock.Clock) *Gate {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Gate{sem: semaphore.NewWeighted(limit), clock: clk}
}

// Acquire obtains one permit, blocking until a permit is free or ctx ends.
// On success it returns a release function (safe to call exactly once) and
// the duration spent waiting.
func (g *Gate) Acquire(ctx context.Context) (func(), time.Duration, error) {
	start := g.clock.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, g.clock.Since(start), err
	}
	return func() { g.sem.Release(1) }, g.clock.Since(start), nil
}

// TryAcquire obtains a permit without blocking.
func (g *Gate) TryAcquire() (func(), bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	return func() { g.sem.Release(1) }, true
}
