// Package circuit implements a per-worker circuit breaker with a sliding
// failure window and a three-state machine: closed, open, half-open.
package circuit

import (
	"sync"

	"github.com/taskfleet/supervisor/internal/types"
)

// State represents the current state of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the breaker parameters.
type Config struct {
	// FailureThreshold is the windowed failure rate in (0, 1] that opens
	// the circuit.
	FailureThreshold float64
	// MinimumRequests is the minimum number of windowed samples before the
	// failure rate is evaluated.
	MinimumRequests int
	// WindowMs is the sliding window; samples older than this are pruned.
	WindowMs int64
	// CooldownMs is how long an open circuit rejects before probing.
	CooldownMs int64
	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int
}

// DefaultConfig returns conservative breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		MinimumRequests:  5,
		WindowMs:         60000,
		CooldownMs:       30000,
		SuccessThreshold: 2,
	}
}

type sample struct {
	at      int64
	success bool
}

// Breaker is a three-state failure isolator. All methods are safe for
// concurrent use.
type Breaker struct {
	mu                sync.Mutex
	config            Config
	state             State
	samples           []sample
	lastFailure       int64
	halfOpenSuccesses int
	nowFunc           func() int64
}

// NewBreaker creates a closed Breaker with the given configuration.
func NewBreaker(config Config) *Breaker {
	if config.FailureThreshold <= 0 || config.FailureThreshold > 1 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.MinimumRequests <= 0 {
		config.MinimumRequests = DefaultConfig().MinimumRequests
	}
	if config.WindowMs <= 0 {
		config.WindowMs = DefaultConfig().WindowMs
	}
	if config.CooldownMs <= 0 {
		config.CooldownMs = DefaultConfig().CooldownMs
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	return &Breaker{
		config:  config,
		state:   StateClosed,
		nowFunc: types.NowMs,
	}
}

// CanExecute reports whether a request may proceed. An open circuit whose
// cooldown has elapsed transitions to half-open and admits the call.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.nowFunc()-b.lastFailure >= b.config.CooldownMs {
			b.state = StateHalfOpen
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.close()
		}
	default:
		b.samples = append(b.samples, sample{at: now, success: true})
		b.prune(now)
	}
}

// RecordFailure records a failed request. In the closed state the windowed
// failure rate is re-evaluated; in half-open the circuit reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	switch b.state {
	case StateHalfOpen:
		b.open(now)
	case StateClosed:
		b.samples = append(b.samples, sample{at: now, success: false})
		b.prune(now)

		total, failures := b.windowCounts()
		if total >= b.config.MinimumRequests &&
			float64(failures)/float64(total) >= b.config.FailureThreshold {
			b.open(now)
		}
	case StateOpen:
		b.lastFailure = now
	}
}

// State returns the breaker's current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to a pristine closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.close()
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	State             State `json:"state"`
	WindowedRequests  int   `json:"windowedRequests"`
	WindowedFailures  int   `json:"windowedFailures"`
	HalfOpenSuccesses int   `json:"halfOpenSuccesses"`
	LastFailure       int64 `json:"lastFailure,omitempty"`
}

// Snapshot returns the breaker's current stats.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(b.nowFunc())
	total, failures := b.windowCounts()
	return Stats{
		State:             b.state,
		WindowedRequests:  total,
		WindowedFailures:  failures,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		LastFailure:       b.lastFailure,
	}
}

// open transitions to the open state. Only lastFailure is updated; the
// sample window is preserved.
func (b *Breaker) open(now int64) {
	b.state = StateOpen
	b.lastFailure = now
	b.halfOpenSuccesses = 0
}

// close transitions to the closed state and clears the sample window.
func (b *Breaker) close() {
	b.state = StateClosed
	b.samples = nil
	b.halfOpenSuccesses = 0
}

func (b *Breaker) prune(now int64) {
	cutoff := now - b.config.WindowMs
	keep := b.samples[:0]
	for _, s := range b.samples {
		if s.at > cutoff {
			keep = append(keep, s)
		}
	}
	b.samples = keep
}

func (b *Breaker) windowCounts() (total, failures int) {
	for _, s := range b.samples {
		total++
		if !s.success {
			failures++
		}
	}
	return total, failures
}
