// Package orchestrator owns the task lifecycle: a priority queue of pending
// tasks, the active-task table, the results table, the assignment and
// liveness ticks, and the lifecycle event stream.
package orchestrator

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskfleet/supervisor/internal/circuit"
	"github.com/taskfleet/supervisor/internal/config"
	"github.com/taskfleet/supervisor/internal/health"
	"github.com/taskfleet/supervisor/internal/registry"
	"github.com/taskfleet/supervisor/internal/router"
	"github.com/taskfleet/supervisor/internal/types"
)

var (
	ErrQueueFull       = errors.New("task queue is full")
	ErrMissingTaskType = errors.New("task type is required")
	ErrInvalidPriority = errors.New("invalid task priority")
	ErrInvalidTimeout  = errors.New("task timeout must be positive")
	ErrInvalidRetries  = errors.New("max retries must be non-negative")
)

const timeoutErrorMessage = "Task timed out"

// Options configures the orchestrator and its collaborators.
type Options struct {
	RoutingStrategy           router.Strategy
	HeartbeatIntervalMs       int64
	MissedHeartbeatsThreshold int
	DefaultTaskTimeoutMs      int64
	DefaultMaxRetries         int
	MaxQueueSize              int
	AssignIntervalMs          int64
	Breaker                   circuit.Config
	Health                    health.Config
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		RoutingStrategy:           router.LeastLoaded,
		HeartbeatIntervalMs:       config.DefaultHeartbeatIntervalMs,
		MissedHeartbeatsThreshold: config.DefaultMissedHeartbeatThreshold,
		DefaultTaskTimeoutMs:      config.DefaultTaskTimeoutMs,
		DefaultMaxRetries:         config.DefaultMaxRetries,
		MaxQueueSize:              config.DefaultMaxQueueSize,
		AssignIntervalMs:          config.DefaultAssignIntervalMs,
		Breaker:                   circuit.DefaultConfig(),
		Health:                    health.DefaultConfig(),
	}
}

// TaskSubmission is a client request to run a task. Nil/zero optional fields
// take orchestrator defaults; a present-but-zero MaxRetries means zero.
type TaskSubmission struct {
	Type       string
	Payload    any
	Priority   types.TaskPriority
	TimeoutMs  int64
	MaxRetries *int
}

// TaskStats counts tasks by lifecycle bucket.
type TaskStats struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Stats aggregates registry and task counters for the /status endpoint.
type Stats struct {
	Workers registry.Stats `json:"workers"`
	Tasks   TaskStats      `json:"tasks"`
}

// Telemetry receives orchestrator measurements. Implemented by the otel
// metrics wrapper; nil-safe at every call site.
type Telemetry interface {
	RecordTaskSubmitted(priority string)
	RecordTaskAssigned(taskType string)
	RecordTaskCompleted(taskType string, durationMs int64)
	RecordTaskFailed(taskType, reason string)
	RecordTaskRetried(taskType string)
	ObserveQueueDepth(depth int64)
}

// TelemetryFanout dispatches every measurement to each sink in order.
type TelemetryFanout []Telemetry

func (f TelemetryFanout) RecordTaskSubmitted(priority string) {
	for _, t := range f {
		t.RecordTaskSubmitted(priority)
	}
}

func (f TelemetryFanout) RecordTaskAssigned(taskType string) {
	for _, t := range f {
		t.RecordTaskAssigned(taskType)
	}
}

func (f TelemetryFanout) RecordTaskCompleted(taskType string, durationMs int64) {
	for _, t := range f {
		t.RecordTaskCompleted(taskType, durationMs)
	}
}

func (f TelemetryFanout) RecordTaskFailed(taskType, reason string) {
	for _, t := range f {
		t.RecordTaskFailed(taskType, reason)
	}
}

func (f TelemetryFanout) RecordTaskRetried(taskType string) {
	for _, t := range f {
		t.RecordTaskRetried(taskType)
	}
}

func (f TelemetryFanout) ObserveQueueDepth(depth int64) {
	for _, t := range f {
		t.ObserveQueueDepth(depth)
	}
}

// Orchestrator drives the Supervisor core. All exported methods are safe for
// concurrent use; queue, active table and results table transitions share one
// mutex so a task is always in exactly one place.
type Orchestrator struct {
	opts Options

	mu        sync.Mutex
	queue     *pendingQueue
	active    map[types.TaskID]*types.Task
	finished  map[types.TaskID]*types.Task
	results   map[types.TaskID]*types.TaskResult
	completed int
	failed    int

	registry *registry.Registry
	router   *router.Router
	breakers *circuit.Registry
	health   *health.Registry
	monitor  *registry.Monitor

	obsMu     sync.RWMutex
	observers []Events
	telemetry Telemetry

	runMu     sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}

	nowFunc func() int64
	idFunc  func() types.TaskID
}

// New creates an Orchestrator and its collaborators from opts.
func New(opts Options) *Orchestrator {
	defaults := DefaultOptions()
	if !opts.RoutingStrategy.Valid() {
		opts.RoutingStrategy = defaults.RoutingStrategy
	}
	if opts.HeartbeatIntervalMs <= 0 {
		opts.HeartbeatIntervalMs = defaults.HeartbeatIntervalMs
	}
	if opts.MissedHeartbeatsThreshold <= 0 {
		opts.MissedHeartbeatsThreshold = defaults.MissedHeartbeatsThreshold
	}
	if opts.DefaultTaskTimeoutMs <= 0 {
		opts.DefaultTaskTimeoutMs = defaults.DefaultTaskTimeoutMs
	}
	if opts.DefaultMaxRetries < 0 {
		opts.DefaultMaxRetries = defaults.DefaultMaxRetries
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = defaults.MaxQueueSize
	}
	if opts.AssignIntervalMs <= 0 {
		opts.AssignIntervalMs = defaults.AssignIntervalMs
	}

	o := &Orchestrator{
		opts:     opts,
		queue:    newPendingQueue(),
		active:   make(map[types.TaskID]*types.Task),
		finished: make(map[types.TaskID]*types.Task),
		results:  make(map[types.TaskID]*types.TaskResult),
		registry: registry.New(opts.HeartbeatIntervalMs, opts.MissedHeartbeatsThreshold),
		router:   router.New(opts.RoutingStrategy),
		breakers: circuit.NewRegistry(opts.Breaker),
		health:   health.NewRegistry(opts.Health),
		nowFunc:  types.NowMs,
		idFunc:   func() types.TaskID { return types.TaskID(uuid.NewString()) },
	}

	o.monitor = registry.NewMonitor(o.registry, time.Duration(opts.HeartbeatIntervalMs)*time.Millisecond)
	o.monitor.SetOnWorkerOffline(o.handleWorkerOffline)

	return o
}

// Registry returns the worker registry.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Breakers returns the per-worker circuit breaker registry.
func (o *Orchestrator) Breakers() *circuit.Registry {
	return o.breakers
}

// Health returns the per-worker health tracker registry.
func (o *Orchestrator) Health() *health.Registry {
	return o.health
}

// AddObserver registers a lifecycle event observer.
func (o *Orchestrator) AddObserver(obs Events) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.observers = append(o.observers, obs)
}

// SetTelemetry wires a metrics sink. Pass nil to disable. Safe to call while
// the orchestrator is running.
func (o *Orchestrator) SetTelemetry(t Telemetry) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.telemetry = t
}

// sinks returns the current telemetry sink, or nil.
func (o *Orchestrator) sinks() Telemetry {
	o.obsMu.RLock()
	defer o.obsMu.RUnlock()
	return o.telemetry
}

// Start begins the assignment tick and the liveness sweep.
// Safe to call repeatedly; extra calls are no-ops.
func (o *Orchestrator) Start() {
	o.runMu.Lock()
	if o.running {
		o.runMu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.stoppedCh = make(chan struct{})
	o.runMu.Unlock()

	o.monitor.Start()
	go o.run()
}

// Stop halts both ticks. The queue is not drained; pending tasks stay queued.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	if !o.running {
		o.runMu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	stoppedCh := o.stoppedCh
	o.runMu.Unlock()

	<-stoppedCh
	o.monitor.Stop()
}

func (o *Orchestrator) run() {
	defer close(o.stoppedCh)

	ticker := time.NewTicker(time.Duration(o.opts.AssignIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.Tick()
		case <-o.stopCh:
			return
		}
	}
}

// SubmitTask validates the submission, mints a task id, applies defaults and
// inserts the task into the pending queue. Fails with ErrQueueFull at
// capacity.
func (o *Orchestrator) SubmitTask(sub TaskSubmission) (*types.Task, error) {
	if sub.Type == "" {
		return nil, ErrMissingTaskType
	}

	priority := sub.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, sub.Priority)
	}

	timeoutMs := sub.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = o.opts.DefaultTaskTimeoutMs
	}
	if timeoutMs < 0 {
		return nil, ErrInvalidTimeout
	}

	maxRetries := o.opts.DefaultMaxRetries
	if sub.MaxRetries != nil {
		if *sub.MaxRetries < 0 {
			return nil, ErrInvalidRetries
		}
		maxRetries = *sub.MaxRetries
	}

	task := &types.Task{
		ID:          o.idFunc(),
		Type:        sub.Type,
		Payload:     sub.Payload,
		Priority:    priority,
		TimeoutMs:   timeoutMs,
		MaxRetries:  maxRetries,
		Status:      types.TaskPending,
		SubmittedAt: o.nowFunc(),
	}

	o.mu.Lock()
	if o.queue.Len() >= o.opts.MaxQueueSize {
		o.mu.Unlock()
		return nil, ErrQueueFull
	}
	o.queue.Insert(task)
	depth := o.queue.Len()
	o.mu.Unlock()

	if tel := o.sinks(); tel != nil {
		tel.RecordTaskSubmitted(string(priority))
		tel.ObserveQueueDepth(int64(depth))
	}

	return task.Copy(), nil
}

// ReportTaskResult applies a worker's result to the task lifecycle. Results
// for tasks that are not active (never assigned, already completed, or lost a
// race with the timeout sweep) are logged and dropped. Returns whether the
// result was applied.
func (o *Orchestrator) ReportTaskResult(result *types.TaskResult) bool {
	tel := o.sinks()
	o.mu.Lock()

	task, ok := o.active[result.TaskID]
	if !ok {
		o.mu.Unlock()
		log.Printf("orchestrator: dropping result for unknown task %s from worker %s", result.TaskID, result.WorkerID)
		return false
	}

	delete(o.active, result.TaskID)
	assignedTo := task.AssignedTo
	now := o.nowFunc()

	var events []func(Events)

	if result.Success {
		task.Status = types.TaskCompleted
		task.CompletedAt = now
		task.Result = result.Result
		o.finished[task.ID] = task
		o.results[task.ID] = result
		o.completed++

		events = append(events, func(e Events) { e.OnTaskCompleted(result) })
		if tel != nil {
			tel.RecordTaskCompleted(task.Type, result.DurationMs)
		}
	} else if task.Retries < task.MaxRetries {
		task.Retries++
		task.Status = types.TaskPending
		task.AssignedTo = ""
		task.AssignedAt = 0
		o.queue.Insert(task)

		if tel != nil {
			tel.RecordTaskRetried(task.Type)
		}
	} else {
		task.Status = types.TaskFailed
		task.CompletedAt = now
		task.Error = result.Error
		o.finished[task.ID] = task
		o.results[task.ID] = result
		o.failed++

		taskCopy := task.Copy()
		events = append(events, func(e Events) { e.OnTaskFailed(taskCopy, result.Error) })
		if tel != nil {
			tel.RecordTaskFailed(task.Type, result.Error)
		}
	}

	depth := o.queue.Len()
	o.mu.Unlock()

	if assignedTo != "" {
		o.registry.AdjustLoad(assignedTo, -1)
		if result.Success {
			o.breakers.RecordSuccess(assignedTo)
			o.health.Tracker(assignedTo).RecordSuccess(result.DurationMs)
		} else {
			o.breakers.RecordFailure(assignedTo)
			o.health.Tracker(assignedTo).RecordFailure()
		}
	}

	if tel != nil {
		tel.ObserveQueueDepth(int64(depth))
	}

	for _, fn := range events {
		o.emit(fn)
	}
	return true
}

// Tick runs one assignment cycle: the timeout sweep first, then routing of
// pending tasks. Exposed so tests and the HTTP layer can drive assignment
// without waiting for the ticker.
func (o *Orchestrator) Tick() {
	o.sweepTimeouts()
	o.assignPending()
}

// sweepTimeouts fails every active task past its deadline by synthesizing a
// failed result and feeding it through the normal retry path. If a real
// result races the sweep, exactly one of the two is applied.
func (o *Orchestrator) sweepTimeouts() {
	now := o.nowFunc()

	o.mu.Lock()
	var expired []*types.TaskResult
	for _, task := range o.active {
		if task.TimeoutMs > 0 && now-task.AssignedAt > task.TimeoutMs {
			expired = append(expired, &types.TaskResult{
				TaskID:     task.ID,
				WorkerID:   task.AssignedTo,
				Success:    false,
				Error:      timeoutErrorMessage,
				DurationMs: now - task.AssignedAt,
			})
		}
	}
	o.mu.Unlock()

	for _, result := range expired {
		o.ReportTaskResult(result)
	}
}

// assignPending pairs queued tasks with workers. The available pool is
// filtered through the circuit breakers before the router sees it.
func (o *Orchestrator) assignPending() {
	available := o.registry.GetAvailable()
	pool := make([]*types.Worker, 0, len(available))
	for _, w := range available {
		if o.breakers.IsAvailable(w.ID) {
			pool = append(pool, w)
		}
	}
	if len(pool) == 0 {
		return
	}

	loads := make(map[types.WorkerID]int, len(pool))
	caps := make(map[types.WorkerID]int, len(pool))
	for _, w := range pool {
		loads[w.ID] = w.CurrentLoad
		caps[w.ID] = w.MaxLoad
	}
	assigned := make(map[types.WorkerID]int)

	tel := o.sinks()
	now := o.nowFunc()
	var events []func(Events)

	o.mu.Lock()
	for _, task := range o.queue.Snapshot() {
		if task.Status != types.TaskPending {
			continue
		}

		// Drop exhausted workers from the pool as loads fill up.
		eligible := pool[:0]
		for _, w := range pool {
			if loads[w.ID] < caps[w.ID] {
				w.CurrentLoad = loads[w.ID]
				eligible = append(eligible, w)
			}
		}
		pool = eligible
		if len(pool) == 0 {
			break
		}

		worker := o.router.RouteAmong(task, pool)
		if worker == nil {
			continue
		}

		o.queue.Remove(task.ID)
		task.Status = types.TaskAssigned
		task.AssignedTo = worker.ID
		task.AssignedAt = now
		o.active[task.ID] = task
		loads[worker.ID]++
		assigned[worker.ID]++

		taskCopy := task.Copy()
		workerID := worker.ID
		events = append(events, func(e Events) { e.OnTaskAssigned(taskCopy, workerID) })
		if tel != nil {
			tel.RecordTaskAssigned(task.Type)
		}
	}
	depth := o.queue.Len()
	o.mu.Unlock()

	// Apply only the assignments this tick made; the registry's load may have
	// moved under a concurrent heartbeat since the pool snapshot.
	for id, n := range assigned {
		o.registry.AdjustLoad(id, n)
	}

	if tel != nil {
		tel.ObserveQueueDepth(int64(depth))
	}

	for _, fn := range events {
		o.emit(fn)
	}
}

// RegisterWorker registers (or re-registers) a worker and emits
// OnWorkerOnline.
func (o *Orchestrator) RegisterWorker(reg registry.Registration) *types.Worker {
	worker := o.registry.Register(reg)
	o.health.Tracker(worker.ID).SetUp(true)

	o.emit(func(e Events) { e.OnWorkerOnline(worker) })
	return worker
}

// UnregisterWorker removes a worker along with its breaker and health
// tracker. Returns whether the worker existed.
func (o *Orchestrator) UnregisterWorker(id types.WorkerID) bool {
	existed := o.registry.Unregister(id)
	if existed {
		o.breakers.Remove(id)
		o.health.Remove(id)
	}
	return existed
}

// Heartbeat records a worker heartbeat.
func (o *Orchestrator) Heartbeat(hb registry.Heartbeat) (*types.Worker, error) {
	worker, err := o.registry.RecordHeartbeat(hb)
	if err != nil {
		return nil, err
	}
	o.health.Tracker(worker.ID).SetUp(worker.Status != types.WorkerOffline)
	return worker, nil
}

func (o *Orchestrator) handleWorkerOffline(worker *types.Worker) {
	o.health.Tracker(worker.ID).SetUp(false)
	o.emit(func(e Events) { e.OnWorkerOffline(worker) })
}

// GetTask returns the task with the given id, searching the active table,
// then the queue, then the finished set.
func (o *Orchestrator) GetTask(id types.TaskID) (*types.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if task, ok := o.active[id]; ok {
		return task.Copy(), true
	}
	if task, ok := o.queue.Get(id); ok {
		return task.Copy(), true
	}
	if task, ok := o.finished[id]; ok {
		return task.Copy(), true
	}
	return nil, false
}

// GetTaskResult returns the stored result for a finished task.
func (o *Orchestrator) GetTaskResult(id types.TaskID) (*types.TaskResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	result, ok := o.results[id]
	if !ok {
		return nil, false
	}
	dup := *result
	return &dup, true
}

// QueuedTasks returns copies of the pending queue in queue order.
func (o *Orchestrator) QueuedTasks() []*types.Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	snapshot := o.queue.Snapshot()
	result := make([]*types.Task, len(snapshot))
	for i, t := range snapshot {
		result[i] = t.Copy()
	}
	return result
}

// GetStats returns worker and task counters.
func (o *Orchestrator) GetStats() Stats {
	o.mu.Lock()
	tasks := TaskStats{
		Queued:    o.queue.Len(),
		Active:    len(o.active),
		Completed: o.completed,
		Failed:    o.failed,
	}
	o.mu.Unlock()

	return Stats{
		Workers: o.registry.GetStats(),
		Tasks:   tasks,
	}
}
