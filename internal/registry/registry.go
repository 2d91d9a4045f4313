// Package registry is the single source of truth for worker membership.
// Liveness is derived from heartbeats: a worker that misses enough of them
// is flipped offline but stays in the table until explicitly unregistered.
package registry

import (
	"errors"
	"sync"

	"github.com/taskfleet/supervisor/internal/types"
)

var ErrWorkerNotFound = errors.New("worker not found")

// Registration is the descriptor a worker supplies when registering.
type Registration struct {
	ID           types.WorkerID    `json:"id"`
	Name         string            `json:"name"`
	Endpoint     string            `json:"endpoint"`
	Capabilities []string          `json:"capabilities,omitempty"`
	CurrentLoad  int               `json:"currentLoad,omitempty"`
	MaxLoad      int               `json:"maxLoad,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Heartbeat is the payload a worker posts on its heartbeat interval.
// Workers may update their advertised capability set in every heartbeat.
type Heartbeat struct {
	WorkerID     types.WorkerID     `json:"workerId"`
	Status       types.WorkerStatus `json:"status"`
	CurrentLoad  int                `json:"currentLoad"`
	MaxLoad      int                `json:"maxLoad"`
	Capabilities []string           `json:"capabilities,omitempty"`
}

// Stats aggregates the registry for the /status endpoint.
type Stats struct {
	Total            int `json:"total"`
	Online           int `json:"online"`
	Busy             int `json:"busy"`
	Degraded         int `json:"degraded"`
	Offline          int `json:"offline"`
	TotalMaxLoad     int `json:"totalMaxLoad"`
	TotalCurrentLoad int `json:"totalCurrentLoad"`
}

// Registry is the authoritative table of worker records keyed by id.
// All methods are safe for concurrent use.
type Registry struct {
	mu                  sync.RWMutex
	workers             map[types.WorkerID]*types.Worker
	order               []types.WorkerID // registration order, for stable listings
	heartbeatIntervalMs int64
	missedThreshold     int
	nowFunc             func() int64
}

// New creates a Registry. heartbeatIntervalMs and missedThreshold drive the
// liveness rule: a worker is offline once now-lastHeartbeat exceeds
// heartbeatIntervalMs*missedThreshold.
func New(heartbeatIntervalMs int64, missedThreshold int) *Registry {
	return &Registry{
		workers:             make(map[types.WorkerID]*types.Worker),
		heartbeatIntervalMs: heartbeatIntervalMs,
		missedThreshold:     missedThreshold,
		nowFunc:             types.NowMs,
	}
}

// Register inserts a worker or, if the id already exists, merges the new
// descriptor into the existing record and resets its dynamic state to online.
// Returns a copy of the stored record.
func (r *Registry) Register(reg Registration) *types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	w, exists := r.workers[reg.ID]
	if !exists {
		w = &types.Worker{
			ID:           reg.ID,
			RegisteredAt: now,
		}
		r.workers[reg.ID] = w
		r.order = append(r.order, reg.ID)
	}

	if reg.Name != "" {
		w.Name = reg.Name
	}
	if reg.Endpoint != "" {
		w.Endpoint = reg.Endpoint
	}
	if reg.Capabilities != nil {
		w.Capabilities = append([]string(nil), reg.Capabilities...)
	} else if w.Capabilities == nil {
		w.Capabilities = []string{}
	}
	if reg.MaxLoad > 0 {
		w.MaxLoad = reg.MaxLoad
	}
	if reg.Metadata != nil {
		if w.Metadata == nil {
			w.Metadata = make(map[string]string, len(reg.Metadata))
		}
		for k, v := range reg.Metadata {
			w.Metadata[k] = v
		}
	}

	w.Status = types.WorkerOnline
	w.CurrentLoad = reg.CurrentLoad
	w.LastHeartbeat = now

	return w.Copy()
}

// Unregister removes a worker. Returns whether it existed.
func (r *Registry) Unregister(id types.WorkerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)
	for i, wid := range r.order {
		if wid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// RecordHeartbeat updates a worker's dynamic fields and stamps lastHeartbeat.
// Unknown workers are left untouched and reported via ErrWorkerNotFound.
func (r *Registry) RecordHeartbeat(hb Heartbeat) (*types.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[hb.WorkerID]
	if !ok {
		return nil, ErrWorkerNotFound
	}

	if hb.Status.Valid() {
		w.Status = hb.Status
	}
	w.CurrentLoad = hb.CurrentLoad
	if hb.MaxLoad > 0 {
		w.MaxLoad = hb.MaxLoad
	}
	if hb.Capabilities != nil {
		w.Capabilities = append([]string(nil), hb.Capabilities...)
	}
	w.LastHeartbeat = r.nowFunc()

	return w.Copy(), nil
}

// CheckWorkerHealth flips workers whose heartbeat is stale to offline and
// returns copies of the ones that flipped on this sweep.
func (r *Registry) CheckWorkerHealth() []*types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	deadline := r.heartbeatIntervalMs * int64(r.missedThreshold)

	var flipped []*types.Worker
	for _, w := range r.workers {
		if w.Status == types.WorkerOffline {
			continue
		}
		if now-w.LastHeartbeat > deadline {
			w.Status = types.WorkerOffline
			flipped = append(flipped, w.Copy())
		}
	}
	return flipped
}

// Get returns a copy of the worker record, if present.
func (r *Registry) Get(id types.WorkerID) (*types.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return w.Copy(), true
}

// GetAll returns copies of all workers in registration order.
func (r *Registry) GetAll() []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*types.Worker, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.workers[id].Copy())
	}
	return result
}

// GetByStatus returns copies of workers with the given status.
func (r *Registry) GetByStatus(status types.WorkerStatus) []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*types.Worker
	for _, id := range r.order {
		if w := r.workers[id]; w.Status == status {
			result = append(result, w.Copy())
		}
	}
	return result
}

// GetByCapability returns online workers that explicitly advertise cap.
// Busy workers are excluded: capability lookups feed matching, not fallback
// listing.
func (r *Registry) GetByCapability(cap string) []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*types.Worker
	for _, id := range r.order {
		w := r.workers[id]
		if w.Status == types.WorkerOnline && w.HasCapability(cap) {
			result = append(result, w.Copy())
		}
	}
	return result
}

// GetAvailable returns online or busy workers that still have headroom.
// A busy worker below maxLoad remains eligible for assignment.
func (r *Registry) GetAvailable() []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*types.Worker
	for _, id := range r.order {
		w := r.workers[id]
		if (w.Status == types.WorkerOnline || w.Status == types.WorkerBusy) && w.HasHeadroom() {
			result = append(result, w.Copy())
		}
	}
	return result
}

// AdjustLoad shifts a worker's current load by delta, clamping at zero.
// Used by the orchestrator when it assigns or completes tasks.
func (r *Registry) AdjustLoad(id types.WorkerID, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return
	}
	w.CurrentLoad += delta
	if w.CurrentLoad < 0 {
		w.CurrentLoad = 0
	}
}

// GetStats returns aggregate counts by status and load totals.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.workers)}
	for _, w := range r.workers {
		switch w.Status {
		case types.WorkerOnline:
			stats.Online++
		case types.WorkerBusy:
			stats.Busy++
		case types.WorkerDegraded:
			stats.Degraded++
		case types.WorkerOffline:
			stats.Offline++
		}
		stats.TotalMaxLoad += w.MaxLoad
		stats.TotalCurrentLoad += w.CurrentLoad
	}
	return stats
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
