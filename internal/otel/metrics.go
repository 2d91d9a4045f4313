// Package otel provides OpenTelemetry metrics integration for the Supervisor.
package otel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "supervisor",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics with Supervisor task instruments.
// It implements orchestrator.Telemetry so it can be wired as a metrics sink.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex

	queueDepth         atomic.Int64
	queueDepthGauge    metric.Int64ObservableGauge
	queueDepthCallback metric.Registration

	// Metric instruments
	submittedCounter metric.Int64Counter
	assignedCounter  metric.Int64Counter
	completedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
	retriedCounter   metric.Int64Counter
	taskDuration     metric.Float64Histogram
}

// globalMetrics is the singleton metrics instance.
var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{
		config: cfg,
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		// Use no-op meter when disabled
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// createExporter creates the appropriate metrics exporter based on configuration.
func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// createResource creates the OpenTelemetry resource with service information.
func (m *Metrics) createResource(cfg *MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}

	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

// registerInstruments creates and registers all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	m.submittedCounter, err = m.meter.Int64Counter(
		"supervisor.tasks.submitted",
		metric.WithDescription("Count of tasks submitted, by priority"),
	)
	if err != nil {
		return fmt.Errorf("failed to create submitted counter: %w", err)
	}

	m.assignedCounter, err = m.meter.Int64Counter(
		"supervisor.tasks.assigned",
		metric.WithDescription("Count of task assignments, by task type"),
	)
	if err != nil {
		return fmt.Errorf("failed to create assigned counter: %w", err)
	}

	m.completedCounter, err = m.meter.Int64Counter(
		"supervisor.tasks.completed",
		metric.WithDescription("Count of tasks completed successfully"),
	)
	if err != nil {
		return fmt.Errorf("failed to create completed counter: %w", err)
	}

	m.failedCounter, err = m.meter.Int64Counter(
		"supervisor.tasks.failed",
		metric.WithDescription("Count of terminal task failures"),
	)
	if err != nil {
		return fmt.Errorf("failed to create failed counter: %w", err)
	}

	m.retriedCounter, err = m.meter.Int64Counter(
		"supervisor.tasks.retried",
		metric.WithDescription("Count of retry requeues"),
	)
	if err != nil {
		return fmt.Errorf("failed to create retried counter: %w", err)
	}

	// Task duration histogram (in milliseconds)
	m.taskDuration, err = m.meter.Float64Histogram(
		"supervisor.task.duration",
		metric.WithDescription("Duration of completed tasks"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create task duration histogram: %w", err)
	}

	// Queue depth observable gauge
	m.queueDepthGauge, err = m.meter.Int64ObservableGauge(
		"supervisor.queue.depth",
		metric.WithDescription("Tasks waiting in the pending queue"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue depth gauge: %w", err)
	}

	m.queueDepthCallback, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.queueDepthGauge, m.queueDepth.Load())
			return nil
		},
		m.queueDepthGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register queue depth callback: %w", err)
	}

	return nil
}

// RecordTaskSubmitted increments the submission counter.
func (m *Metrics) RecordTaskSubmitted(priority string) {
	if m.submittedCounter == nil {
		return
	}

	m.submittedCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("priority", priority),
	))
}

// RecordTaskAssigned increments the assignment counter.
func (m *Metrics) RecordTaskAssigned(taskType string) {
	if m.assignedCounter == nil {
		return
	}

	m.assignedCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", taskType),
	))
}

// RecordTaskCompleted increments the completion counter and records duration.
func (m *Metrics) RecordTaskCompleted(taskType string, durationMs int64) {
	if m.completedCounter == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("type", taskType))
	m.completedCounter.Add(context.Background(), 1, attrs)
	m.taskDuration.Record(context.Background(), float64(durationMs), attrs)
}

// RecordTaskFailed increments the failure counter.
func (m *Metrics) RecordTaskFailed(taskType, reason string) {
	if m.failedCounter == nil {
		return
	}

	m.failedCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", taskType),
	))
}

// RecordTaskRetried increments the retry counter.
func (m *Metrics) RecordTaskRetried(taskType string) {
	if m.retriedCounter == nil {
		return
	}

	m.retriedCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", taskType),
	))
}

// ObserveQueueDepth stores the queue depth for the observable gauge.
// Thread-safe; read by the gauge callback at export time.
func (m *Metrics) ObserveQueueDepth(depth int64) {
	m.queueDepth.Store(depth)
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queueDepthCallback != nil {
		if err := m.queueDepthCallback.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister queue depth callback: %w", err)
		}
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance.
// Returns a no-op metrics instance if none has been set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		return NoopMetrics()
	}

	return globalMetrics
}

// NoopMetrics returns a metrics instance that does nothing (for testing or when disabled).
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
