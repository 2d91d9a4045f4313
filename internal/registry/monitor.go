package registry

import (
	"log"
	"sync"
	"time"

	"github.com/taskfleet/supervisor/internal/types"
)

// WorkerOfflineCallback is invoked with a copy of each worker the liveness
// sweep flips to offline.
type WorkerOfflineCallback func(worker *types.Worker)

// Monitor runs the periodic liveness sweep in a background goroutine.
type Monitor struct {
	registry  *Registry
	interval  time.Duration
	stopCh    chan struct{}
	stoppedCh chan struct{}
	mu        sync.Mutex
	running   bool
	onOffline WorkerOfflineCallback
}

// NewMonitor creates a Monitor sweeping at the given interval.
func NewMonitor(registry *Registry, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		registry: registry,
		interval: interval,
	}
}

// SetOnWorkerOffline sets the callback invoked for each flipped worker.
// Must be called before Start.
func (m *Monitor) SetOnWorkerOffline(cb WorkerOfflineCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = cb
}

// Start begins the sweep loop. Safe to call repeatedly; extra calls are no-ops.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.mu.Unlock()

	go m.run()
}

// Stop halts the sweep loop and blocks until the goroutine exits.
// Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	stoppedCh := m.stoppedCh
	m.mu.Unlock()

	<-stoppedCh
}

// IsRunning reports whether the sweep loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run() {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep runs one liveness pass and dispatches offline callbacks.
func (m *Monitor) Sweep() {
	flipped := m.registry.CheckWorkerHealth()
	if len(flipped) == 0 {
		return
	}

	m.mu.Lock()
	cb := m.onOffline
	m.mu.Unlock()

	for _, w := range flipped {
		log.Printf("liveness monitor: worker %s marked offline after missed heartbeats", w.ID)
		if cb != nil {
			cb(w)
		}
	}
}
