// Package router selects a worker for a task. The router is a pure decision
// layer: it never consults circuit breakers and never mutates registry state;
// callers that want breaker-aware routing filter the pool first.
package router

import (
	"math/rand"
	"sync"

	"github.com/taskfleet/supervisor/internal/registry"
	"github.com/taskfleet/supervisor/internal/types"
)

// Strategy names a worker selection strategy.
type Strategy string

const (
	RoundRobin      Strategy = "round-robin"
	LeastLoaded     Strategy = "least-loaded"
	CapabilityMatch Strategy = "capability-match"
	Random          Strategy = "random"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case RoundRobin, LeastLoaded, CapabilityMatch, Random:
		return true
	}
	return false
}

// Router pairs tasks with workers according to its strategy.
type Router struct {
	mu       sync.Mutex
	strategy Strategy
	rrIndex  int
	randIntN func(n int) int
}

// New creates a Router. Unknown strategies fall back to least-loaded.
func New(strategy Strategy) *Router {
	if !strategy.Valid() {
		strategy = LeastLoaded
	}
	return &Router{
		strategy: strategy,
		randIntN: rand.Intn,
	}
}

// Strategy returns the router's configured strategy.
func (r *Router) Strategy() Strategy {
	return r.strategy
}

// Route selects a worker for the task from the registry's available pool.
// Returns nil when no worker fits.
func (r *Router) Route(task *types.Task, reg *registry.Registry) *types.Worker {
	return r.RouteAmong(task, reg.GetAvailable())
}

// RouteAmong selects a worker for the task from a caller-supplied pool,
// typically the available set pre-filtered by breaker state.
// Returns nil when the pool is empty.
func (r *Router) RouteAmong(task *types.Task, pool []*types.Worker) *types.Worker {
	if len(pool) == 0 {
		return nil
	}

	eligible := filterByCapability(task.Type, pool)

	switch r.strategy {
	case RoundRobin:
		return r.pickRoundRobin(eligible)
	case CapabilityMatch:
		return pickCapabilityMatch(task.Type, eligible)
	case Random:
		return eligible[r.randIntN(len(eligible))]
	default:
		return pickLeastLoaded(eligible)
	}
}

// filterByCapability keeps workers that explicitly list the task type or
// advertise a wildcard (empty) capability set. A filter that empties the
// pool falls back to the full pool: unmatched task types are accepted by
// any available worker.
func filterByCapability(taskType string, pool []*types.Worker) []*types.Worker {
	var kept []*types.Worker
	for _, w := range pool {
		if len(w.Capabilities) == 0 || w.HasCapability(taskType) {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return pool
	}
	return kept
}

func (r *Router) pickRoundRobin(eligible []*types.Worker) *types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Modulo keeps the index well-defined when the eligible set shrinks.
	w := eligible[r.rrIndex%len(eligible)]
	r.rrIndex++
	return w
}

func pickLeastLoaded(eligible []*types.Worker) *types.Worker {
	best := eligible[0]
	bestRatio := loadRatio(best)
	for _, w := range eligible[1:] {
		if ratio := loadRatio(w); ratio < bestRatio {
			best = w
			bestRatio = ratio
		}
	}
	return best
}

// pickCapabilityMatch prefers workers that explicitly list the task type over
// wildcard workers, breaking ties by load. With no explicit match it falls
// back to least-loaded across the whole eligible set.
func pickCapabilityMatch(taskType string, eligible []*types.Worker) *types.Worker {
	var explicit []*types.Worker
	for _, w := range eligible {
		if w.HasCapability(taskType) {
			explicit = append(explicit, w)
		}
	}
	if len(explicit) > 0 {
		return pickLeastLoaded(explicit)
	}
	return pickLeastLoaded(eligible)
}

func loadRatio(w *types.Worker) float64 {
	if w.MaxLoad <= 0 {
		return 1
	}
	return float64(w.CurrentLoad) / float64(w.MaxLoad)
}
