// Package health computes advisory per-worker health scores from load,
// success rate, latency and availability. Scoring never rejects requests;
// fault isolation is the circuit breaker's job.
package health

// Weights control the composite score. They are normalized at score time, so
// any positive values work.
type Weights struct {
	Load         float64
	Success      float64
	Latency      float64
	Availability float64
}

// DefaultWeights returns the standard scoring weights.
func DefaultWeights() Weights {
	return Weights{
		Load:         0.30,
		Success:      0.35,
		Latency:      0.20,
		Availability: 0.15,
	}
}

// Config configures the scorer.
type Config struct {
	// MaxLatencyMs is the latency at which the latency subscore reaches 0.
	MaxLatencyMs int64
	// LatencyWindowMs bounds which latency samples count toward the average.
	LatencyWindowMs int64
	// MinLatencySamples is the minimum windowed sample count before the
	// latency subscore is meaningful; below it the subscore is 1.
	MinLatencySamples int
	Weights           Weights
}

// DefaultConfig returns the standard scorer configuration.
func DefaultConfig() Config {
	return Config{
		MaxLatencyMs:      10000,
		LatencyWindowMs:   300000,
		MinLatencySamples: 5,
		Weights:           DefaultWeights(),
	}
}

// LoadScore is 1 at zero load falling linearly to 0 at max load.
// A maxLoad of 0 scores 1 (nothing to saturate).
func LoadScore(currentLoad, maxLoad int) float64 {
	if maxLoad <= 0 {
		return 1
	}
	s := 1 - float64(currentLoad)/float64(maxLoad)
	return clamp01(s)
}

// SuccessScore is the fraction of successful samples; 1 with no samples.
func SuccessScore(successes, failures int64) float64 {
	total := successes + failures
	if total == 0 {
		return 1
	}
	return float64(successes) / float64(total)
}

// LatencyScore maps average latency linearly onto [0,1]: 1 at zero latency,
// 0 at maxLatencyMs and beyond.
func LatencyScore(avgLatencyMs float64, maxLatencyMs int64) float64 {
	if maxLatencyMs <= 0 {
		return 1
	}
	return clamp01(1 - avgLatencyMs/float64(maxLatencyMs))
}

// AvailabilityScore is the fraction of time the worker was up; 1 with no
// elapsed time.
func AvailabilityScore(uptimeMs, totalMs int64) float64 {
	if totalMs <= 0 {
		return 1
	}
	return clamp01(float64(uptimeMs) / float64(totalMs))
}

// Composite combines the four subscores using the given weights.
func Composite(load, success, latency, availability float64, w Weights) float64 {
	sum := w.Load + w.Success + w.Latency + w.Availability
	if sum <= 0 {
		w = DefaultWeights()
		sum = w.Load + w.Success + w.Latency + w.Availability
	}
	weighted := load*w.Load + success*w.Success + latency*w.Latency + availability*w.Availability
	return weighted / sum
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
