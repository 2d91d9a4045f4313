package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskfleet/supervisor/internal/api"
	"github.com/taskfleet/supervisor/internal/circuit"
	"github.com/taskfleet/supervisor/internal/config"
	"github.com/taskfleet/supervisor/internal/metrics"
	"github.com/taskfleet/supervisor/internal/orchestrator"
	"github.com/taskfleet/supervisor/internal/otel"
	"github.com/taskfleet/supervisor/internal/router"
)

func main() {
	addr := flag.String("addr", "", "HTTP server address (overrides config)")
	configPath := flag.String("config", "", "Path to YAML config file")
	routing := flag.String("routing", "", "Routing strategy: round-robin, least-loaded, capability-match, random (overrides config)")
	rateLimit := flag.Float64("rate-limit", -1, "API rate limit in requests/second, 0 to disable (overrides config)")
	rateBurst := flag.Int("rate-burst", 0, "API rate limit burst size (overrides config)")
	otelExporter := flag.String("otel-exporter", "", "Telemetry exporter: none, stdout, otlp-grpc, otlp-http (overrides config)")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP endpoint, e.g. localhost:4317 (overrides config)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags override the file.
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *routing != "" {
		cfg.RoutingStrategy = *routing
	}
	if *rateLimit >= 0 {
		cfg.RateLimit.RequestsPerSecond = *rateLimit
	}
	if *rateBurst > 0 {
		cfg.RateLimit.Burst = *rateBurst
	}
	if *otelExporter != "" {
		cfg.Telemetry.Enabled = *otelExporter != "none"
		cfg.Telemetry.Exporter = *otelExporter
	}
	if *otelEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = *otelEndpoint
	}

	strategy := router.Strategy(cfg.RoutingStrategy)
	if !strategy.Valid() {
		fmt.Fprintf(os.Stderr, "Unknown routing strategy %q\n", cfg.RoutingStrategy)
		os.Exit(1)
	}

	orch := orchestrator.New(orchestrator.Options{
		RoutingStrategy:           strategy,
		HeartbeatIntervalMs:       cfg.HeartbeatIntervalMs,
		MissedHeartbeatsThreshold: cfg.MissedHeartbeatsThreshold,
		DefaultTaskTimeoutMs:      cfg.DefaultTaskTimeoutMs,
		DefaultMaxRetries:         cfg.DefaultMaxRetries,
		MaxQueueSize:              cfg.MaxQueueSize,
		AssignIntervalMs:          cfg.AssignIntervalMs,
		Breaker: circuit.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			MinimumRequests:  cfg.Breaker.MinimumRequests,
			WindowMs:         cfg.Breaker.WindowMs,
			CooldownMs:       cfg.Breaker.CooldownMs,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		},
	})
	orch.AddObserver(orchestrator.NewLogEvents())

	collector := metrics.NewCollector()
	collector.SetStatsProvider(orch)
	collector.SetWorkerProvider(orch.Registry())
	collector.SetCircuitProvider(orch.Breakers())
	collector.SetHealthProvider(orch.Health())

	ctx := context.Background()
	otelMetrics, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  "supervisor",
		ExporterType: otel.ExporterType(cfg.Telemetry.Exporter),
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing telemetry: %v\n", err)
		os.Exit(1)
	}
	orch.SetTelemetry(orchestrator.TelemetryFanout{collector, otelMetrics})

	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  "supervisor",
		ExporterType: otel.ExporterType(cfg.Telemetry.Exporter),
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRate:   1.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing tracer: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalTracer(tracer)

	server := api.NewServer(cfg.Addr, orch)
	server.SetMetricsCollector(collector)
	server.SetTracer(tracer)
	server.SetRateLimitConfig(&api.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Enabled:           cfg.RateLimit.RequestsPerSecond > 0,
	})

	orch.Start()

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Supervisor listening on %s (routing: %s)\n", server.URL(), strategy)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}
	orch.Stop()

	if err := otelMetrics.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error shutting down telemetry: %v\n", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error shutting down tracer: %v\n", err)
	}

	fmt.Println("Supervisor stopped")
}
