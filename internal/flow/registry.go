package flow

import (
	"sync"
	"time"
)

// DefaultTTL is how long an unfinished flow is kept.
const DefaultTTL = 30 * time.Minute

// Flow is anything the registry can hold.
type Flow interface {
	ID() string
	Created() time.Time
	Current() Result
}

// Registry holds in-progress flows by ID. Flows older than the TTL are
// dropped on access.
type Registry struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	flows map[string]Flow
}

// NewRegistry creates a registry. A ttl of zero uses DefaultTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{ttl: ttl, now: time.Now, flows: make(map[string]Flow)}
}

// Put stores f.
func (r *Registry) Put(f Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	r.flows[f.ID()] = f
}

// Get returns the flow with id, or false if unknown or expired.
func (r *Registry) Get(id string) (Flow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	f, ok := r.flows[id]
	return f, ok
}

// Delete drops the flow with id.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flows, id)
}

// Len returns the number of live flows.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	return len(r.flows)
}

func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.ttl)
	for id, f := range r.flows {
		if f.Created().Before(cutoff) {
			delete(r.flows, id)
		}
	}
}
