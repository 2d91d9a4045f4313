package health

import (
	"sync"

	"github.com/taskfleet/supervisor/internal/types"
)

// LoadHint carries the caller-supplied load figures used when scoring;
// the tracker itself does not observe worker load.
type LoadHint struct {
	Current int
	Max     int
}

// Tracker accumulates health samples for a single worker.
type Tracker struct {
	mu        sync.Mutex
	config    Config
	successes int64
	failures  int64
	latencies []latencySample
	startedAt int64
	up        bool
	upSince   int64
	uptimeMs  int64
	nowFunc   func() int64
}

type latencySample struct {
	at        int64
	latencyMs int64
}

// NewTracker creates a Tracker. The worker is considered up from creation.
func NewTracker(config Config) *Tracker {
	now := types.NowMs()
	return &Tracker{
		config:    config,
		startedAt: now,
		up:        true,
		upSince:   now,
		nowFunc:   types.NowMs,
	}
}

// RecordSuccess records a successful operation and its latency.
func (t *Tracker) RecordSuccess(latencyMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successes++
	t.latencies = append(t.latencies, latencySample{at: t.nowFunc(), latencyMs: latencyMs})
	t.pruneLatencies(t.nowFunc())
}

// RecordFailure records a failed operation.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
}

// SetUp records an up/down transition. Repeated calls with the same value
// are no-ops.
func (t *Tracker) SetUp(up bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	if up == t.up {
		return
	}
	if up {
		t.upSince = now
	} else {
		t.uptimeMs += now - t.upSince
	}
	t.up = up
}

// Score computes the composite health score using the supplied load hint.
func (t *Tracker) Score(hint LoadHint) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	t.pruneLatencies(now)

	load := LoadScore(hint.Current, hint.Max)
	success := SuccessScore(t.successes, t.failures)

	latency := 1.0
	if len(t.latencies) >= t.config.MinLatencySamples {
		var sum int64
		for _, s := range t.latencies {
			sum += s.latencyMs
		}
		avg := float64(sum) / float64(len(t.latencies))
		latency = LatencyScore(avg, t.config.MaxLatencyMs)
	}

	uptime := t.uptimeMs
	if t.up {
		uptime += now - t.upSince
	}
	availability := AvailabilityScore(uptime, now-t.startedAt)

	return Composite(load, success, latency, availability, t.config.Weights)
}

func (t *Tracker) pruneLatencies(now int64) {
	cutoff := now - t.config.LatencyWindowMs
	keep := t.latencies[:0]
	for _, s := range t.latencies {
		if s.at > cutoff {
			keep = append(keep, s)
		}
	}
	t.latencies = keep
}

// Registry owns one Tracker per worker, created lazily.
type Registry struct {
	mu       sync.Mutex
	config   Config
	trackers map[types.WorkerID]*Tracker
}

// NewRegistry creates a tracker Registry with shared scorer configuration.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config,
		trackers: make(map[types.WorkerID]*Tracker),
	}
}

// Tracker returns the worker's tracker, creating it if needed.
func (r *Registry) Tracker(id types.WorkerID) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.trackers[id]
	if !ok {
		t = NewTracker(r.config)
		r.trackers[id] = t
	}
	return t
}

// Remove drops the worker's tracker, if any.
func (r *Registry) Remove(id types.WorkerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trackers, id)
}

// Score returns the worker's current composite score. Unknown workers score
// as pristine trackers (1.0 apart from load).
func (r *Registry) Score(id types.WorkerID, hint LoadHint) float64 {
	return r.Tracker(id).Score(hint)
}

// Healthiest returns the worker with the highest composite score among ids,
// using the supplied load hints. Ties keep the earliest candidate. Returns
// false if ids is empty.
func (r *Registry) Healthiest(ids []types.WorkerID, hints map[types.WorkerID]LoadHint) (types.WorkerID, bool) {
	if len(ids) == 0 {
		return "", false
	}

	best := ids[0]
	bestScore := r.Score(best, hints[best])
	for _, id := range ids[1:] {
		score := r.Score(id, hints[id])
		if score > bestScore {
			best = id
			bestScore = score
		}
	}
	return best, true
}
