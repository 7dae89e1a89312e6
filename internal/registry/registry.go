// Package registry tracks live client connections so the server can
// enumerate them and broadcast disconnects during shutdown.
package registry

import "sync"

// Member is the contract a tracked connection fulfills.
type Member interface {
	// Disconnect tears the connection down. Implementations must be
	// idempotent.
	Disconnect()
	// Disconnected reports whether the connection has begun shutting down.
	Disconnected() bool
}

// Registry is a concurrency-safe set of live connections.
type Registry struct {
	mu      sync.Mutex
	members map[Member]struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{members: make(map[Member]struct{})}
}

// Add registers a connection.
func (r *Registry) Add(m Member) {
	if m == nil {
		return
	}
	r.mu.Lock()
	r.members[m] = struct{}{}
	r.mu.Unlock()
}

// Remove deregisters a connection. Removing an unknown member is a no-op.
func (r *Registry) Remove(m Member) {
	r.mu.Lock()
	delete(r.members, m)
	r.mu.Unlock()
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Snapshot returns the current members without holding the lock during use.
func (r *Registry) Snapshot() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]Member, 0, len(r.members))
	for m := range r.members {
		members = append(members, m)
	}
	return members
}

// DisconnectAll tears down every tracked connection.
func (r *Registry) DisconnectAll() {
	for _, m := range r.Snapshot() {
		m.Disconnect()
	}
}
