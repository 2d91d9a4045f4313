// Package config holds the Supervisor configuration surface and its defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default configuration constants for the orchestrator and registry.
const (
	DefaultHeartbeatIntervalMs      = 30000
	DefaultMissedHeartbeatThreshold = 3
	DefaultTaskTimeoutMs            = 60000
	DefaultMaxRetries               = 2
	DefaultMaxQueueSize             = 1000
	DefaultWorkerMaxLoad            = 10
	DefaultAssignIntervalMs         = 1000
	DefaultRoutingStrategy          = "least-loaded"
)

// Default control-plane rate limit.
const (
	DefaultRateLimitRPS   = 100
	DefaultRateLimitBurst = 200
)

// Default circuit breaker parameters (per worker).
const (
	DefaultBreakerFailureThreshold = 0.5
	DefaultBreakerMinimumRequests  = 5
	DefaultBreakerWindowMs         = 60000
	DefaultBreakerCooldownMs       = 30000
	DefaultBreakerSuccessThreshold = 2
)

// Config is the full Supervisor configuration. Zero fields are replaced with
// defaults by Normalize, so a partial YAML file is enough.
type Config struct {
	Addr string `yaml:"addr"`

	RoutingStrategy           string `yaml:"routing_strategy"`
	HeartbeatIntervalMs       int64  `yaml:"heartbeat_interval_ms"`
	MissedHeartbeatsThreshold int    `yaml:"missed_heartbeats_threshold"`
	DefaultTaskTimeoutMs      int64  `yaml:"default_task_timeout_ms"`
	DefaultMaxRetries         int    `yaml:"default_max_retries"`
	MaxQueueSize              int    `yaml:"max_queue_size"`
	AssignIntervalMs          int64  `yaml:"assign_interval_ms"`

	Breaker BreakerConfig `yaml:"breaker"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BreakerConfig configures the per-worker circuit breakers.
type BreakerConfig struct {
	FailureThreshold float64 `yaml:"failure_threshold"`
	MinimumRequests  int     `yaml:"minimum_requests"`
	WindowMs         int64   `yaml:"window_ms"`
	CooldownMs       int64   `yaml:"cooldown_ms"`
	SuccessThreshold int     `yaml:"success_threshold"`
}

// RateLimitConfig configures the control-plane rate limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig configures the OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Exporter     string `yaml:"exporter"` // none, stdout, otlp-grpc, otlp-http
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// DefaultConfig returns a Config populated with all defaults.
func DefaultConfig() *Config {
	cfg := &Config{Addr: ":8080"}
	cfg.Normalize()
	return cfg
}

// Load reads a YAML config file and applies defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()
	return &cfg, nil
}

// Normalize fills in defaults for zero-valued fields.
func (c *Config) Normalize() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.RoutingStrategy == "" {
		c.RoutingStrategy = DefaultRoutingStrategy
	}
	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = DefaultHeartbeatIntervalMs
	}
	if c.MissedHeartbeatsThreshold <= 0 {
		c.MissedHeartbeatsThreshold = DefaultMissedHeartbeatThreshold
	}
	if c.DefaultTaskTimeoutMs <= 0 {
		c.DefaultTaskTimeoutMs = DefaultTaskTimeoutMs
	}
	if c.DefaultMaxRetries <= 0 {
		// An absent yaml field arrives as zero; callers that want a true
		// zero-retry default configure the orchestrator directly.
		c.DefaultMaxRetries = DefaultMaxRetries
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.AssignIntervalMs <= 0 {
		c.AssignIntervalMs = DefaultAssignIntervalMs
	}

	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold > 1 {
		c.Breaker.FailureThreshold = DefaultBreakerFailureThreshold
	}
	if c.Breaker.MinimumRequests <= 0 {
		c.Breaker.MinimumRequests = DefaultBreakerMinimumRequests
	}
	if c.Breaker.WindowMs <= 0 {
		c.Breaker.WindowMs = DefaultBreakerWindowMs
	}
	if c.Breaker.CooldownMs <= 0 {
		c.Breaker.CooldownMs = DefaultBreakerCooldownMs
	}
	if c.Breaker.SuccessThreshold <= 0 {
		c.Breaker.SuccessThreshold = DefaultBreakerSuccessThreshold
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		// Zero means unset; disable explicitly with a negative value or the
		// -rate-limit 0 flag.
		c.RateLimit.RequestsPerSecond = DefaultRateLimitRPS
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
}
