package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Factory builds a machine for a principal.
type Factory func(principal string) (*Machine, error)

// Registry keeps the live machines of one kind, keyed by principal.
type Registry struct {
	newMachine Factory
	ttl        time.Duration

	mu       sync.Mutex
	machines map[string]*Machine
}

// NewRegistry creates a registry. A zero ttl keeps machines forever.
func NewRegistry(f Factory, ttl time.Duration) *Registry {
	return &Registry{
		newMachine: f,
		ttl:        ttl,
		machines:   make(map[string]*Machine),
	}
}

// Get returns the machine of a principal, creating and restoring it on first use.
func (r *Registry) Get(ctx context.Context, principal string) (*Machine, error) {
	r.mu.Lock()
	m, ok := r.machines[principal]
	r.mu.Unlock()
	if ok {
		return m, nil
	}

	m, err := r.newMachine(principal)
	if err != nil {
		return nil, err
	}
	if err := m.Restore(ctx); err != nil {
		slog.Warn("failed to restore session result", "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.machines[principal]; ok {
		return existing, nil
	}
	r.machines[principal] = m
	return m, nil
}

// Len returns the number of live machines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// Sweep drops machines idle since before now-ttl, except those mid-attempt.
func (r *Registry) Sweep(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for p, m := range r.machines {
		if m.State() == StateAnswering {
			continue
		}
		if now.Sub(m.LastSeen()) > r.ttl {
			delete(r.machines, p)
			dropped++
		}
	}
	return dropped
}
