package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/taskfleet/supervisor/internal/circuit"
	"github.com/taskfleet/supervisor/internal/health"
	"github.com/taskfleet/supervisor/internal/registry"
	"github.com/taskfleet/supervisor/internal/types"
)

type testClock struct {
	mu  sync.Mutex
	now int64
}

func (c *testClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
}

func newTestOrchestrator(opts Options) (*Orchestrator, *testClock) {
	o := New(opts)
	clk := &testClock{now: 1_700_000_000_000}
	o.nowFunc = clk.Now

	seq := 0
	o.idFunc = func() types.TaskID {
		seq++
		return types.TaskID(fmt.Sprintf("task-%d", seq))
	}
	return o, clk
}

// captureEvents records lifecycle notifications as compact strings.
type captureEvents struct {
	NoopEvents
	mu      sync.Mutex
	entries []string
}

func (c *captureEvents) record(entry string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureEvents) OnTaskAssigned(task *types.Task, workerID types.WorkerID) {
	c.record(fmt.Sprintf("assigned:%s:%s", task.ID, workerID))
}

func (c *captureEvents) OnTaskCompleted(result *types.TaskResult) {
	c.record(fmt.Sprintf("completed:%s", result.TaskID))
}

func (c *captureEvents) OnTaskFailed(task *types.Task, errMsg string) {
	c.record(fmt.Sprintf("failed:%s", task.ID))
}

func (c *captureEvents) OnWorkerOnline(worker *types.Worker) {
	c.record(fmt.Sprintf("online:%s", worker.ID))
}

func (c *captureEvents) OnWorkerOffline(worker *types.Worker) {
	c.record(fmt.Sprintf("offline:%s", worker.ID))
}

func (c *captureEvents) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.entries...)
}

func registerWorker(o *Orchestrator, id string, maxLoad int, caps ...string) {
	o.RegisterWorker(registry.Registration{
		ID:           types.WorkerID(id),
		Name:         id,
		Endpoint:     "http://127.0.0.1:9000/" + id,
		Capabilities: caps,
		MaxLoad:      maxLoad,
	})
}

func TestSubmitAssignCompleteLifecycle(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultOptions())
	registerWorker(o, "w1", 5)

	task, err := o.SubmitTask(TaskSubmission{Type: "chat", Priority: types.PriorityNormal})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if task.Status != types.TaskPending {
		t.Fatalf("submitted task status = %s, want pending", task.Status)
	}

	o.Tick()

	assigned, ok := o.GetTask(task.ID)
	if !ok {
		t.Fatal("task not found after assignment")
	}
	if assigned.Status != types.TaskAssigned {
		t.Fatalf("task status = %s, want assigned", assigned.Status)
	}
	if assigned.AssignedTo != "w1" {
		t.Errorf("task assigned to %s, want w1", assigned.AssignedTo)
	}
	if w, _ := o.Registry().Get("w1"); w.CurrentLoad != 1 {
		t.Errorf("worker load = %d, want 1 after assignment", w.CurrentLoad)
	}

	applied := o.ReportTaskResult(&types.TaskResult{
		TaskID:     task.ID,
		WorkerID:   "w1",
		Success:    true,
		Result:     map[string]any{"answer": 42},
		DurationMs: 120,
	})
	if !applied {
		t.Fatal("ReportTaskResult = false, want true")
	}

	done, ok := o.GetTask(task.ID)
	if !ok {
		t.Fatal("task not found after completion")
	}
	if done.Status != types.TaskCompleted {
		t.Errorf("task status = %s, want completed", done.Status)
	}
	if done.CompletedAt == 0 {
		t.Error("CompletedAt not set")
	}
	if _, ok := o.GetTaskResult(task.ID); !ok {
		t.Error("result not stored for completed task")
	}
	if w, _ := o.Registry().Get("w1"); w.CurrentLoad != 0 {
		t.Errorf("worker load = %d, want 0 after completion", w.CurrentLoad)
	}

	stats := o.GetStats()
	if stats.Tasks.Completed != 1 || stats.Tasks.Active != 0 || stats.Tasks.Queued != 0 {
		t.Errorf("task stats = %+v, want 1 completed and nothing in flight", stats.Tasks)
	}
}

func TestSubmitValidation(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultOptions())

	if _, err := o.SubmitTask(TaskSubmission{}); !errors.Is(err, ErrMissingTaskType) {
		t.Errorf("empty type error = %v, want ErrMissingTaskType", err)
	}
	if _, err := o.SubmitTask(TaskSubmission{Type: "chat", Priority: "urgent"}); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("bad priority error = %v, want ErrInvalidPriority", err)
	}
	if _, err := o.SubmitTask(TaskSubmission{Type: "chat", TimeoutMs: -1}); !errors.Is(err, ErrInvalidTimeout) {
		t.Errorf("negative timeout error = %v, want ErrInvalidTimeout", err)
	}
	neg := -1
	if _, err := o.SubmitTask(TaskSubmission{Type: "chat", MaxRetries: &neg}); !errors.Is(err, ErrInvalidRetries) {
		t.Errorf("negative retries error = %v, want ErrInvalidRetries", err)
	}
}

func TestSubmitAppliesDefaults(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultOptions())

	task, err := o.SubmitTask(TaskSubmission{Type: "chat"})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if task.Priority != types.PriorityNormal {
		t.Errorf("priority = %s, want normal", task.Priority)
	}
	if task.TimeoutMs != 60000 {
		t.Errorf("timeout = %d, want 60000", task.TimeoutMs)
	}
	if task.MaxRetries != 2 {
		t.Errorf("maxRetries = %d, want 2", task.MaxRetries)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxQueueSize = 2
	o, _ := newTestOrchestrator(opts)

	for i := 0; i < 2; i++ {
		if _, err := o.SubmitTask(TaskSubmission{Type: "chat"}); err != nil {
			t.Fatalf("SubmitTask %d failed: %v", i, err)
		}
	}
	if _, err := o.SubmitTask(TaskSubmission{Type: "chat"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("third submit error = %v, want ErrQueueFull", err)
	}
}

func TestQueueOrderAcrossPriorities(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultOptions())

	n1, _ := o.SubmitTask(TaskSubmission{Type: "chat", Priority: types.PriorityNormal})
	n2, _ := o.SubmitTask(TaskSubmission{Type: "chat", Priority: types.PriorityNormal})
	h1, _ := o.SubmitTask(TaskSubmission{Type: "chat", Priority: types.PriorityHigh})
	c1, _ := o.SubmitTask(TaskSubmission{Type: "chat", Priority: types.PriorityCritical})

	queued := o.QueuedTasks()
	want := []types.TaskID{c1.ID, h1.ID, n1.ID, n2.ID}
	if len(queued) != len(want) {
		t.Fatalf("queued %d tasks, want %d", len(queued), len(want))
	}
	for i, task := range queued {
		if task.ID != want[i] {
			t.Errorf("queue[%d] = %s, want %s", i, task.ID, want[i])
		}
	}
}

func TestFailureRetriesThenFails(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultOptions())
	registerWorker(o, "w1", 5)

	one := 1
	task, err := o.SubmitTask(TaskSubmission{Type: "chat", MaxRetries: &one})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	o.Tick()
	o.ReportTaskResult(&types.TaskResult{TaskID: task.ID, WorkerID: "w1", Error: "worker exploded"})

	retried, ok := o.GetTask(task.ID)
	if !ok {
		t.Fatal("task lost after first failure")
	}
	if retried.Status != types.TaskPending {
		t.Fatalf("task status = %s, want pending for retry", retried.Status)
	}
	if retried.Retries != 1 {
		t.Errorf("retries = %d, want 1", retried.Retries)
	}
	if retried.AssignedTo != "" {
		t.Errorf("assignedTo = %s, want cleared", retried.AssignedTo)
	}

	o.Tick()
	o.ReportTaskResult(&types.TaskResult{TaskID: task.ID, WorkerID: "w1", Error: "worker exploded again"})

	failed, _ := o.GetTask(task.ID)
	if failed.Status != types.TaskFailed {
		t.Fatalf("task status = %s, want failed after retry budget exhausted", failed.Status)
	}
	if failed.Error != "worker exploded again" {
		t.Errorf("task error = %q, want last failure message", failed.Error)
	}
	if stats := o.GetStats(); stats.Tasks.Failed != 1 {
		t.Errorf("failed count = %d, want 1", stats.Tasks.Failed)
	}
}

func TestTimeoutFailsTaskWithoutRetryBudget(t *testing.T) {
	o, clk := newTestOrchestrator(DefaultOptions())
	registerWorker(o, "w1", 5)

	zero := 0
	task, err := o.SubmitTask(TaskSubmission{Type: "chat", TimeoutMs: 5000, MaxRetries: &zero})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	o.Tick()
	clk.Advance(6000)
	o.Tick()

	failed, ok := o.GetTask(task.ID)
	if !ok {
		t.Fatal("task lost after timeout")
	}
	if failed.Status != types.TaskFailed {
		t.Fatalf("task status = %s, want failed", failed.Status)
	}
	if failed.Error != "Task timed out" {
		t.Errorf("task error = %q, want %q", failed.Error, "Task timed out")
	}

	result, ok := o.GetTaskResult(task.ID)
	if !ok {
		t.Fatal("no result stored for timed-out task")
	}
	if result.DurationMs != 6000 {
		t.Errorf("result duration = %d, want 6000", result.DurationMs)
	}
	if w, _ := o.Registry().Get("w1"); w.CurrentLoad != 0 {
		t.Errorf("worker load = %d, want 0 after timeout", w.CurrentLoad)
	}
}

func TestTimeoutRetriesWhenBudgetRemains(t *testing.T) {
	o, clk := newTestOrchestrator(DefaultOptions())
	registerWorker(o, "w1", 5)

	one := 1
	task, err := o.SubmitTask(TaskSubmission{Type: "chat", TimeoutMs: 5000, MaxRetries: &one})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	o.Tick()
	clk.Advance(6000)
	// The sweep requeues the task and the same tick reassigns it.
	o.Tick()

	reassigned, _ := o.GetTask(task.ID)
	if reassigned.Status != types.TaskAssigned {
		t.Fatalf("task status = %s, want assigned after timeout retry", reassigned.Status)
	}
	if reassigned.Retries != 1 {
		t.Errorf("retries = %d, want 1", reassigned.Retries)
	}
}

func TestUnknownResultDropped(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultOptions())

	if o.ReportTaskResult(&types.TaskResult{TaskID: "ghost", WorkerID: "w1", Success: true}) {
		t.Error("ReportTaskResult accepted a result for an unknown task")
	}
	if stats := o.GetStats(); stats.Tasks.Completed != 0 || stats.Tasks.Failed != 0 {
		t.Errorf("task stats changed by dropped result: %+v", stats.Tasks)
	}
}

func TestResultRacesTimeoutAppliesOnce(t *testing.T) {
	o, clk := newTestOrchestrator(DefaultOptions())
	registerWorker(o, "w1", 5)

	zero := 0
	task, _ := o.SubmitTask(TaskSubmission{Type: "chat", TimeoutMs: 5000, MaxRetries: &zero})
	o.Tick()
	clk.Advance(6000)
	o.Tick()

	// A late success arrives after the timeout already failed the task.
	if o.ReportTaskResult(&types.TaskResult{TaskID: task.ID, WorkerID: "w1", Success: true}) {
		t.Error("late result applied after timeout already resolved the task")
	}
	got, _ := o.GetTask(task.ID)
	if got.Status != types.TaskFailed {
		t.Errorf("task status = %s, want failed to stand", got.Status)
	}
}

func TestOpenBreakerGatesAssignment(t *testing.T) {
	opts := DefaultOptions()
	opts.Breaker = circuit.Config{
		FailureThreshold: 0.5,
		MinimumRequests:  2,
		WindowMs:         60000,
		CooldownMs:       60000,
		SuccessThreshold: 2,
	}
	o, _ := newTestOrchestrator(opts)
	registerWorker(o, "w1", 5)

	zero := 0
	t1, _ := o.SubmitTask(TaskSubmission{Type: "chat", MaxRetries: &zero})
	t2, _ := o.SubmitTask(TaskSubmission{Type: "chat", MaxRetries: &zero})
	o.Tick()

	o.ReportTaskResult(&types.TaskResult{TaskID: t1.ID, WorkerID: "w1", Error: "boom"})
	o.ReportTaskResult(&types.TaskResult{TaskID: t2.ID, WorkerID: "w1", Error: "boom"})

	if o.Breakers().IsAvailable("w1") {
		t.Fatal("breaker still admits w1 after consecutive failures")
	}

	t3, _ := o.SubmitTask(TaskSubmission{Type: "chat"})
	o.Tick()

	queued, _ := o.GetTask(t3.ID)
	if queued.Status != types.TaskPending {
		t.Errorf("task status = %s, want pending while the only worker's circuit is open", queued.Status)
	}
}

func TestAssignmentHonorsWorkerCapacity(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultOptions())
	registerWorker(o, "w1", 1)

	t1, _ := o.SubmitTask(TaskSubmission{Type: "chat"})
	t2, _ := o.SubmitTask(TaskSubmission{Type: "chat"})
	o.Tick()

	first, _ := o.GetTask(t1.ID)
	second, _ := o.GetTask(t2.ID)
	if first.Status != types.TaskAssigned {
		t.Fatalf("first task status = %s, want assigned", first.Status)
	}
	if second.Status != types.TaskPending {
		t.Fatalf("second task status = %s, want pending at capacity", second.Status)
	}

	o.ReportTaskResult(&types.TaskResult{TaskID: t1.ID, WorkerID: "w1", Success: true})
	o.Tick()

	second, _ = o.GetTask(t2.ID)
	if second.Status != types.TaskAssigned {
		t.Errorf("second task status = %s, want assigned once capacity freed", second.Status)
	}
}

func TestResultsFeedHealthScores(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultOptions())
	registerWorker(o, "good", 5)
	registerWorker(o, "bad", 5)

	g, _ := o.SubmitTask(TaskSubmission{Type: "chat"})
	b, _ := o.SubmitTask(TaskSubmission{Type: "chat"})
	o.Tick()

	gt, _ := o.GetTask(g.ID)
	bt, _ := o.GetTask(b.ID)
	o.ReportTaskResult(&types.TaskResult{TaskID: g.ID, WorkerID: gt.AssignedTo, Success: true, DurationMs: 50})
	o.ReportTaskResult(&types.TaskResult{TaskID: b.ID, WorkerID: bt.AssignedTo, Error: "boom"})

	hint := health.LoadHint{Current: 0, Max: 5}
	if o.Health().Score(gt.AssignedTo, hint) <= o.Health().Score(bt.AssignedTo, hint) {
		t.Error("successful worker does not outscore failing worker")
	}
}

func TestLifecycleEventsOrder(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultOptions())
	events := &captureEvents{}
	o.AddObserver(events)

	registerWorker(o, "w1", 5)
	task, _ := o.SubmitTask(TaskSubmission{Type: "chat"})
	o.Tick()
	o.ReportTaskResult(&types.TaskResult{TaskID: task.ID, WorkerID: "w1", Success: true})

	got := events.snapshot()
	want := []string{
		"online:w1",
		fmt.Sprintf("assigned:%s:w1", task.ID),
		fmt.Sprintf("completed:%s", task.ID),
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPanickingObserverIsIsolated(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultOptions())
	o.AddObserver(panicEvents{})
	events := &captureEvents{}
	o.AddObserver(events)

	registerWorker(o, "w1", 5)

	if got := events.snapshot(); len(got) != 1 || got[0] != "online:w1" {
		t.Errorf("events after panicking observer = %v, want [online:w1]", got)
	}
}

type panicEvents struct{ NoopEvents }

func (panicEvents) OnWorkerOnline(*types.Worker) { panic("broken handler") }

func TestLivenessSweepEmitsOfflineEvent(t *testing.T) {
	opts := DefaultOptions()
	opts.HeartbeatIntervalMs = 1
	opts.MissedHeartbeatsThreshold = 1
	o, _ := newTestOrchestrator(opts)
	events := &captureEvents{}
	o.AddObserver(events)

	registerWorker(o, "w1", 5)
	time.Sleep(5 * time.Millisecond)
	o.monitor.Sweep()

	found := false
	for _, e := range events.snapshot() {
		if e == "offline:w1" {
			found = true
		}
	}
	if !found {
		t.Errorf("no offline event after sweep, events = %v", events.snapshot())
	}
	if w, _ := o.Registry().Get("w1"); w.Status != types.WorkerOffline {
		t.Errorf("worker status = %s, want offline", w.Status)
	}
}

func TestUnregisterCleansUpWorkerState(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultOptions())
	registerWorker(o, "w1", 5)

	// Leave some breaker state behind to clean up.
	o.Breakers().RecordFailure("w1")

	if !o.UnregisterWorker("w1") {
		t.Fatal("UnregisterWorker = false, want true")
	}
	if o.UnregisterWorker("w1") {
		t.Error("second UnregisterWorker = true, want false")
	}
	if o.Registry().Count() != 0 {
		t.Error("worker still registered after unregister")
	}
	if open := o.Breakers().GetOpenCircuits(); len(open) != 0 {
		t.Errorf("open circuits after unregister = %v, want none", open)
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	o, _ := newTestOrchestrator(DefaultOptions())

	if _, err := o.Heartbeat(registry.Heartbeat{WorkerID: "ghost"}); !errors.Is(err, registry.ErrWorkerNotFound) {
		t.Errorf("unknown heartbeat error = %v, want ErrWorkerNotFound", err)
	}
}

func TestHeartbeatDuringAssignmentKeepsReportedLoad(t *testing.T) {
	o, clk := newTestOrchestrator(DefaultOptions())
	registerWorker(o, "w1", 10)

	if _, err := o.SubmitTask(TaskSubmission{Type: "chat"}); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	// Land a heartbeat between the assignment pool snapshot and the load
	// write-back. The tick reads the clock once in the timeout sweep and once
	// after snapshotting the pool, so the second read sits in that window.
	calls := 0
	o.nowFunc = func() int64 {
		calls++
		if calls == 2 {
			if _, err := o.Heartbeat(registry.Heartbeat{
				WorkerID:    "w1",
				Status:      types.WorkerBusy,
				CurrentLoad: 7,
				MaxLoad:     10,
			}); err != nil {
				t.Errorf("Heartbeat failed: %v", err)
			}
		}
		return clk.Now()
	}

	o.Tick()

	if w, _ := o.Registry().Get("w1"); w.CurrentLoad != 8 {
		t.Errorf("worker load = %d, want 8 (heartbeat-reported 7 plus 1 assignment)", w.CurrentLoad)
	}
}

type captureTelemetry struct {
	mu        sync.Mutex
	submitted []string
}

func (c *captureTelemetry) RecordTaskSubmitted(priority string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, priority)
}

func (c *captureTelemetry) RecordTaskAssigned(string)         {}
func (c *captureTelemetry) RecordTaskCompleted(string, int64) {}
func (c *captureTelemetry) RecordTaskFailed(string, string)   {}
func (c *captureTelemetry) RecordTaskRetried(string)          {}
func (c *captureTelemetry) ObserveQueueDepth(int64)           {}

func TestSetTelemetryWhileRunning(t *testing.T) {
	opts := DefaultOptions()
	opts.AssignIntervalMs = 5
	o, _ := newTestOrchestrator(opts)

	o.Start()
	defer o.Stop()

	sink := &captureTelemetry{}
	o.SetTelemetry(sink)

	if _, err := o.SubmitTask(TaskSubmission{Type: "chat"}); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	sink.mu.Lock()
	got := append([]string(nil), sink.submitted...)
	sink.mu.Unlock()
	if len(got) != 1 || got[0] != "normal" {
		t.Errorf("submitted priorities = %v, want [normal]", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	opts := DefaultOptions()
	opts.AssignIntervalMs = 5
	o, _ := newTestOrchestrator(opts)

	o.Start()
	o.Start()
	time.Sleep(15 * time.Millisecond)
	o.Stop()
	o.Stop()
}
