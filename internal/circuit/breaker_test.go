package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/supervisor/internal/types"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		MinimumRequests:  4,
		WindowMs:         10000,
		CooldownMs:       200,
		SuccessThreshold: 2,
	}
}

// fakeClock lets tests drive breaker time explicitly.
type fakeClock struct {
	now int64
}

func (c *fakeClock) advance(ms int64) { c.now += ms }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: 1_000_000}
	b := NewBreaker(cfg)
	b.nowFunc = func() int64 { return clock.now }
	return b, clock
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(testConfig())
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.CanExecute())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	// Three failures: below minimum requests, still closed.
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	// Fourth failure reaches the minimum with a 100% failure rate.
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreakerStaysClosedBelowFailureRate(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	// 1 failure out of 5 samples: 20% < 50% threshold.
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerWindowPruning(t *testing.T) {
	cfg := testConfig()
	b, clock := newTestBreaker(cfg)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()

	// Age the early failures out of the window; one fresh failure alone is
	// below the minimum sample count.
	clock.advance(cfg.WindowMs + 1)
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())

	stats := b.Snapshot()
	assert.Equal(t, 1, stats.WindowedRequests)
	assert.Equal(t, 1, stats.WindowedFailures)
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	cfg := testConfig()
	b, clock := newTestBreaker(cfg)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())

	clock.advance(cfg.CooldownMs)
	assert.True(t, b.CanExecute())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	cfg := testConfig()
	b, clock := newTestBreaker(cfg)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	clock.advance(cfg.CooldownMs)
	require.True(t, b.CanExecute())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	// Closing clears the window.
	stats := b.Snapshot()
	assert.Equal(t, 0, stats.WindowedRequests)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b, clock := newTestBreaker(cfg)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	clock.advance(cfg.CooldownMs)
	require.True(t, b.CanExecute())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())
}

// TestBreakerEndToEndWallClock exercises the open -> half-open -> closed path
// with the real clock and a short cooldown.
func TestBreakerEndToEndWallClock(t *testing.T) {
	b := NewBreaker(testConfig())

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	require.False(t, b.CanExecute())

	time.Sleep(210 * time.Millisecond)

	require.True(t, b.CanExecute())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistryLazyCreationAndAvailability(t *testing.T) {
	r := NewRegistry(testConfig())

	assert.True(t, r.IsAvailable("w1"))

	for i := 0; i < 4; i++ {
		r.RecordFailure("w1")
	}
	assert.False(t, r.IsAvailable("w1"))
	assert.True(t, r.IsAvailable("w2"))

	open := r.GetOpenCircuits()
	require.Len(t, open, 1)
	assert.Equal(t, types.WorkerID("w1"), open[0])
}

func TestRegistryStatsAndReset(t *testing.T) {
	r := NewRegistry(testConfig())

	r.RecordFailure("w1")
	r.RecordSuccess("w2")

	stats := r.GetAllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats["w1"].WindowedFailures)
	assert.Equal(t, 0, stats["w2"].WindowedFailures)

	for i := 0; i < 4; i++ {
		r.RecordFailure("w1")
	}
	require.False(t, r.IsAvailable("w1"))

	r.Reset("w1")
	assert.True(t, r.IsAvailable("w1"))
	assert.Empty(t, r.GetOpenCircuits())

	r.ResetAll()
	for _, s := range r.GetAllStats() {
		assert.Equal(t, StateClosed, s.State)
	}
}
