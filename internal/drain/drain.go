// Package drain implements the process-wide graceful-shutdown coordinator.
// Connections consult it before starting new work, register in-flight
// requests with it, and observe its done channel for cooperative
// cancellation.
package drain

import (
	"context"
	"sync"
)

// Coordinator signals whether new work is still acceptable and tracks
// in-flight work so shutdown can wait for it to finish.
type Coordinator struct {
	mu       sync.Mutex
	done     chan struct{}
	draining bool
	inflight sync.WaitGroup
}

// NewCoordinator returns a coordinator that accepts work.
func NewCoordinator() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// AcceptingWork reports whether new requests may still be started.
func (c *Coordinator) AcceptingWork() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.draining
}

// Done returns a channel closed once shutdown begins. Suspended operations
// select on it to distinguish cancellation from transport errors.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Track registers one unit of in-flight work. It returns false when shutdown
// has already begun; otherwise the caller must invoke the returned release
// function exactly once.
func (c *Coordinator) Track() (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return nil, false
	}
	c.inflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(c.inflight.Done)
	}, true
}

// Shutdown stops the coordinator from accepting new work. It is idempotent.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return
	}
	c.draining = true
	close(c.done)
}

// Drain blocks until all tracked work has been released or ctx ends.
func (c *Coordinator) Drain(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
