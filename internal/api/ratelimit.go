package api

import (
	"golang.org/x/time/rate"
)

// RateLimitConfig configures the control-plane token bucket.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate.
	RequestsPerSecond float64
	// Burst is the bucket capacity.
	Burst int
	// Enabled controls whether rate limiting is active.
	Enabled bool
}

// DefaultRateLimitConfig returns sensible defaults for the rate limiter.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

func newLimiter(config *RateLimitConfig) *rate.Limiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if !config.Enabled {
		return rate.NewLimiter(rate.Inf, 0)
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRateLimitConfig().RequestsPerSecond
	}
	burst := config.Burst
	if burst <= 0 {
		burst = DefaultRateLimitConfig().Burst
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
