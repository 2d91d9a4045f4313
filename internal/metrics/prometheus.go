// Package metrics provides Prometheus metrics exposition for the Supervisor.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskfleet/supervisor/internal/health"
	"github.com/taskfleet/supervisor/internal/orchestrator"
	"github.com/taskfleet/supervisor/internal/types"
)

// StatsProvider provides aggregate worker and task counters.
type StatsProvider interface {
	GetStats() orchestrator.Stats
}

// WorkerProvider provides the worker table for per-worker gauges.
type WorkerProvider interface {
	GetAll() []*types.Worker
}

// CircuitProvider reports which workers currently have an open breaker.
type CircuitProvider interface {
	GetOpenCircuits() []types.WorkerID
}

// HealthProvider scores a worker's health given its current load.
type HealthProvider interface {
	Score(id types.WorkerID, hint health.LoadHint) float64
}

// Collector accumulates Supervisor metrics and renders them in Prometheus
// text exposition format. It implements orchestrator.Telemetry so it can be
// wired directly as a metrics sink. Thread-safe for concurrent access.
//
// Lock Strategy: a single RWMutex. Expose() takes the read lock while the
// hot-path Record* methods serialize on the write lock; the access pattern is
// far too light for sharding to pay off.
type Collector struct {
	mu sync.RWMutex

	statsProvider   StatsProvider
	workerProvider  WorkerProvider
	circuitProvider CircuitProvider
	healthProvider  HealthProvider

	submittedByPriority map[string]int64
	assignedByType      map[string]int64
	completedByType     map[string]int64
	failedByType        map[typeReasonKey]int64
	retriedByType       map[string]int64
	taskDurations       map[string]*histogramData
	queueDepth          int64

	// Time function for testing
	nowFunc func() time.Time
}

// typeReasonKey is a composite key for failure metrics.
type typeReasonKey struct {
	taskType string
	reason   string
}

// histogramData holds histogram data for Prometheus exposition.
type histogramData struct {
	sum   float64
	count int64
}

// NewCollector creates a new metrics Collector.
func NewCollector() *Collector {
	return &Collector{
		submittedByPriority: make(map[string]int64),
		assignedByType:      make(map[string]int64),
		completedByType:     make(map[string]int64),
		failedByType:        make(map[typeReasonKey]int64),
		retriedByType:       make(map[string]int64),
		taskDurations:       make(map[string]*histogramData),
		nowFunc:             time.Now,
	}
}

// SetStatsProvider sets the provider for worker and task counters.
func (c *Collector) SetStatsProvider(p StatsProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statsProvider = p
}

// SetWorkerProvider sets the provider for per-worker gauges.
func (c *Collector) SetWorkerProvider(p WorkerProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workerProvider = p
}

// SetCircuitProvider sets the provider for open-circuit gauges.
func (c *Collector) SetCircuitProvider(p CircuitProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuitProvider = p
}

// SetHealthProvider sets the provider for per-worker health score gauges.
func (c *Collector) SetHealthProvider(p HealthProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthProvider = p
}

// RecordTaskSubmitted records a task submission.
func (c *Collector) RecordTaskSubmitted(priority string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submittedByPriority[priority]++
}

// RecordTaskAssigned records a task assignment.
func (c *Collector) RecordTaskAssigned(taskType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assignedByType[taskType]++
}

// RecordTaskCompleted records a successful task and its duration.
func (c *Collector) RecordTaskCompleted(taskType string, durationMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.completedByType[taskType]++
	if c.taskDurations[taskType] == nil {
		c.taskDurations[taskType] = &histogramData{}
	}
	c.taskDurations[taskType].sum += float64(durationMs) / 1000.0
	c.taskDurations[taskType].count++
}

// RecordTaskFailed records a terminal task failure. Free-text error messages
// are bucketed to keep label cardinality bounded.
func (c *Collector) RecordTaskFailed(taskType, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedByType[typeReasonKey{taskType: taskType, reason: bucketReason(reason)}]++
}

// RecordTaskRetried records a retry requeue.
func (c *Collector) RecordTaskRetried(taskType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retriedByType[taskType]++
}

// ObserveQueueDepth records the current pending queue depth.
func (c *Collector) ObserveQueueDepth(depth int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepth = depth
}

func bucketReason(reason string) string {
	if strings.Contains(strings.ToLower(reason), "timed out") {
		return "timeout"
	}
	return "error"
}

// Expose returns the metrics in Prometheus text exposition format.
func (c *Collector) Expose() string {
	c.mu.RLock()
	statsProvider := c.statsProvider
	workerProvider := c.workerProvider
	circuitProvider := c.circuitProvider
	healthProvider := c.healthProvider
	c.mu.RUnlock()

	var stats *orchestrator.Stats
	if statsProvider != nil {
		s := statsProvider.GetStats()
		stats = &s
	}
	var workers []*types.Worker
	if workerProvider != nil {
		workers = workerProvider.GetAll()
	}
	var openCircuits []types.WorkerID
	if circuitProvider != nil {
		openCircuits = circuitProvider.GetOpenCircuits()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	timestamp := c.nowFunc().UnixMilli()

	c.writeCounterByLabel(&sb, "supervisor_tasks_submitted_total", "Total number of tasks submitted", "priority", c.submittedByPriority, timestamp)
	c.writeCounterByLabel(&sb, "supervisor_tasks_assigned_total", "Total number of task assignments", "type", c.assignedByType, timestamp)
	c.writeCounterByLabel(&sb, "supervisor_tasks_completed_total", "Total number of tasks completed successfully", "type", c.completedByType, timestamp)
	c.writeTasksFailed(&sb, timestamp)
	c.writeCounterByLabel(&sb, "supervisor_tasks_retried_total", "Total number of task retry requeues", "type", c.retriedByType, timestamp)
	c.writeTaskDuration(&sb, timestamp)
	c.writeQueueDepth(&sb, timestamp)
	c.writeWorkerStats(&sb, stats, timestamp)
	c.writeWorkerLoad(&sb, workers, timestamp)
	c.writeWorkerHealth(&sb, healthProvider, workers, timestamp)
	c.writeOpenCircuits(&sb, openCircuits, timestamp)

	return sb.String()
}

func (c *Collector) writeCounterByLabel(sb *strings.Builder, name, help, label string, counts map[string]int64, timestamp int64) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s counter\n", name)

	// Sort keys for deterministic output
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(sb, "%s{%s=%q} %d %d\n", name, label, k, counts[k], timestamp)
	}
}

func (c *Collector) writeTasksFailed(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP supervisor_tasks_failed_total Total number of terminal task failures\n")
	sb.WriteString("# TYPE supervisor_tasks_failed_total counter\n")

	keys := make([]typeReasonKey, 0, len(c.failedByType))
	for k := range c.failedByType {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].taskType != keys[j].taskType {
			return keys[i].taskType < keys[j].taskType
		}
		return keys[i].reason < keys[j].reason
	})

	for _, k := range keys {
		fmt.Fprintf(sb, "supervisor_tasks_failed_total{type=%q,reason=%q} %d %d\n", k.taskType, k.reason, c.failedByType[k], timestamp)
	}
}

func (c *Collector) writeTaskDuration(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP supervisor_task_duration_seconds Duration of completed tasks in seconds\n")
	sb.WriteString("# TYPE supervisor_task_duration_seconds histogram\n")

	keys := make([]string, 0, len(c.taskDurations))
	for k := range c.taskDurations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, taskType := range keys {
		data := c.taskDurations[taskType]
		fmt.Fprintf(sb, "supervisor_task_duration_seconds_sum{type=%q} %.6f %d\n", taskType, data.sum, timestamp)
		fmt.Fprintf(sb, "supervisor_task_duration_seconds_count{type=%q} %d %d\n", taskType, data.count, timestamp)
	}
}

func (c *Collector) writeQueueDepth(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP supervisor_queue_depth Number of tasks waiting in the pending queue\n")
	sb.WriteString("# TYPE supervisor_queue_depth gauge\n")
	fmt.Fprintf(sb, "supervisor_queue_depth %d %d\n", c.queueDepth, timestamp)
}

func (c *Collector) writeWorkerStats(sb *strings.Builder, stats *orchestrator.Stats, timestamp int64) {
	sb.WriteString("# HELP supervisor_workers Registered workers by status\n")
	sb.WriteString("# TYPE supervisor_workers gauge\n")
	if stats == nil {
		return
	}
	fmt.Fprintf(sb, "supervisor_workers{status=%q} %d %d\n", "busy", stats.Workers.Busy, timestamp)
	fmt.Fprintf(sb, "supervisor_workers{status=%q} %d %d\n", "degraded", stats.Workers.Degraded, timestamp)
	fmt.Fprintf(sb, "supervisor_workers{status=%q} %d %d\n", "offline", stats.Workers.Offline, timestamp)
	fmt.Fprintf(sb, "supervisor_workers{status=%q} %d %d\n", "online", stats.Workers.Online, timestamp)

	sb.WriteString("# HELP supervisor_tasks_active Tasks currently assigned to workers\n")
	sb.WriteString("# TYPE supervisor_tasks_active gauge\n")
	fmt.Fprintf(sb, "supervisor_tasks_active %d %d\n", stats.Tasks.Active, timestamp)
}

func (c *Collector) writeWorkerLoad(sb *strings.Builder, workers []*types.Worker, timestamp int64) {
	sb.WriteString("# HELP supervisor_worker_load Current load per worker\n")
	sb.WriteString("# TYPE supervisor_worker_load gauge\n")

	sorted := append([]*types.Worker(nil), workers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, w := range sorted {
		fmt.Fprintf(sb, "supervisor_worker_load{worker_id=%q} %d %d\n", w.ID, w.CurrentLoad, timestamp)
	}

	sb.WriteString("# HELP supervisor_worker_max_load Configured load capacity per worker\n")
	sb.WriteString("# TYPE supervisor_worker_max_load gauge\n")
	for _, w := range sorted {
		fmt.Fprintf(sb, "supervisor_worker_max_load{worker_id=%q} %d %d\n", w.ID, w.MaxLoad, timestamp)
	}
}

func (c *Collector) writeWorkerHealth(sb *strings.Builder, provider HealthProvider, workers []*types.Worker, timestamp int64) {
	sb.WriteString("# HELP supervisor_worker_health_score Composite health score per worker (0 to 1)\n")
	sb.WriteString("# TYPE supervisor_worker_health_score gauge\n")
	if provider == nil {
		return
	}

	sorted := append([]*types.Worker(nil), workers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, w := range sorted {
		score := provider.Score(w.ID, health.LoadHint{Current: w.CurrentLoad, Max: w.MaxLoad})
		fmt.Fprintf(sb, "supervisor_worker_health_score{worker_id=%q} %.4f %d\n", w.ID, score, timestamp)
	}
}

func (c *Collector) writeOpenCircuits(sb *strings.Builder, open []types.WorkerID, timestamp int64) {
	sb.WriteString("# HELP supervisor_open_circuits Workers whose circuit breaker is open\n")
	sb.WriteString("# TYPE supervisor_open_circuits gauge\n")
	fmt.Fprintf(sb, "supervisor_open_circuits %d %d\n", len(open), timestamp)
}

// Reset clears all collected metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.submittedByPriority = make(map[string]int64)
	c.assignedByType = make(map[string]int64)
	c.completedByType = make(map[string]int64)
	c.failedByType = make(map[typeReasonKey]int64)
	c.retriedByType = make(map[string]int64)
	c.taskDurations = make(map[string]*histogramData)
	c.queueDepth = 0
}
