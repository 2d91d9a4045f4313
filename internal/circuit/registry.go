package circuit

import (
	"sync"

	"github.com/taskfleet/supervisor/internal/types"
)

// Registry owns one Breaker per worker, created lazily on first use.
type Registry struct {
	mu       sync.Mutex
	config   Config
	breakers map[types.WorkerID]*Breaker
}

// NewRegistry creates a Registry whose breakers share the given configuration.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config,
		breakers: make(map[types.WorkerID]*Breaker),
	}
}

func (r *Registry) breaker(id types.WorkerID) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[id]
	if !ok {
		b = NewBreaker(r.config)
		r.breakers[id] = b
	}
	return b
}

// IsAvailable reports whether the worker's breaker admits a request.
// Shorthand for CanExecute on the worker's breaker.
func (r *Registry) IsAvailable(id types.WorkerID) bool {
	return r.breaker(id).CanExecute()
}

// RecordSuccess records a successful request against the worker's breaker.
func (r *Registry) RecordSuccess(id types.WorkerID) {
	r.breaker(id).RecordSuccess()
}

// RecordFailure records a failed request against the worker's breaker.
func (r *Registry) RecordFailure(id types.WorkerID) {
	r.breaker(id).RecordFailure()
}

// Get returns the worker's breaker, creating it if needed.
func (r *Registry) Get(id types.WorkerID) *Breaker {
	return r.breaker(id)
}

// Remove drops the worker's breaker, if any.
func (r *Registry) Remove(id types.WorkerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, id)
}

// GetAllStats returns a snapshot of every tracked breaker.
func (r *Registry) GetAllStats() map[types.WorkerID]Stats {
	r.mu.Lock()
	breakers := make(map[types.WorkerID]*Breaker, len(r.breakers))
	for id, b := range r.breakers {
		breakers[id] = b
	}
	r.mu.Unlock()

	stats := make(map[types.WorkerID]Stats, len(breakers))
	for id, b := range breakers {
		stats[id] = b.Snapshot()
	}
	return stats
}

// GetOpenCircuits returns the IDs of workers whose breaker is currently open.
func (r *Registry) GetOpenCircuits() []types.WorkerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var open []types.WorkerID
	for id, b := range r.breakers {
		if b.State() == StateOpen {
			open = append(open, id)
		}
	}
	return open
}

// Reset resets the worker's breaker to closed.
func (r *Registry) Reset(id types.WorkerID) {
	r.mu.Lock()
	b, ok := r.breakers[id]
	r.mu.Unlock()
	if ok {
		b.Reset()
	}
}

// ResetAll resets every tracked breaker to closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}
