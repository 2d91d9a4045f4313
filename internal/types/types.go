// Package types defines the shared data model for the Supervisor:
// workers, tasks and task results as they appear on the wire and in core state.
package types

import "time"

// WorkerID is a unique identifier for a worker. Worker IDs are client-chosen.
type WorkerID string

// TaskID is a unique identifier for a task. Task IDs are server-minted.
type TaskID string

// WorkerStatus represents the current status of a worker.
type WorkerStatus string

const (
	WorkerOnline   WorkerStatus = "online"
	WorkerBusy     WorkerStatus = "busy"
	WorkerDegraded WorkerStatus = "degraded"
	WorkerOffline  WorkerStatus = "offline"
)

// Valid reports whether s is a known worker status.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerOnline, WorkerBusy, WorkerDegraded, WorkerOffline:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
)

// TaskPriority orders tasks in the pending queue.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityNormal   TaskPriority = "normal"
	PriorityLow      TaskPriority = "low"
)

// Rank returns the numeric rank of a priority; lower ranks dequeue first.
// Unknown priorities rank below low so malformed input never jumps the queue.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is a known priority.
func (p TaskPriority) Valid() bool {
	return p == PriorityCritical || p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// Worker is the registry's record of a remote worker process.
// Capabilities is a set of free-form tags matched against task types;
// an empty set means the worker accepts any task type.
type Worker struct {
	ID            WorkerID          `json:"id"`
	Name          string            `json:"name"`
	Endpoint      string            `json:"endpoint"`
	Capabilities  []string          `json:"capabilities"`
	Status        WorkerStatus      `json:"status"`
	CurrentLoad   int               `json:"currentLoad"`
	MaxLoad       int               `json:"maxLoad"`
	LastHeartbeat int64             `json:"lastHeartbeat"`
	RegisteredAt  int64             `json:"registeredAt"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HasCapability reports whether the worker explicitly advertises cap.
func (w *Worker) HasCapability(cap string) bool {
	for _, c := range w.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HasHeadroom reports whether the worker can accept another task.
func (w *Worker) HasHeadroom() bool {
	return w.CurrentLoad < w.MaxLoad
}

// Copy returns a deep copy of the Worker.
func (w *Worker) Copy() *Worker {
	if w == nil {
		return nil
	}
	dup := *w
	if w.Capabilities != nil {
		dup.Capabilities = append([]string(nil), w.Capabilities...)
	}
	if w.Metadata != nil {
		dup.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// Task is a unit of work tracked through the queue, the active table and the
// results table. Payload is opaque to the Supervisor.
type Task struct {
	ID          TaskID       `json:"id"`
	Type        string       `json:"type"`
	Payload     any          `json:"payload"`
	Priority    TaskPriority `json:"priority"`
	TimeoutMs   int64        `json:"timeoutMs"`
	MaxRetries  int          `json:"maxRetries"`
	Status      TaskStatus   `json:"status"`
	Retries     int          `json:"retries"`
	AssignedTo  WorkerID     `json:"assignedTo,omitempty"`
	AssignedAt  int64        `json:"assignedAt,omitempty"`
	SubmittedAt int64        `json:"submittedAt"`
	CompletedAt int64        `json:"completedAt,omitempty"`
	Result      any          `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Copy returns a shallow copy of the Task. Payload and Result are shared;
// the Supervisor never mutates them.
func (t *Task) Copy() *Task {
	if t == nil {
		return nil
	}
	dup := *t
	return &dup
}

// TaskResult is the immutable record a worker posts when it finishes a task.
type TaskResult struct {
	TaskID     TaskID   `json:"taskId"`
	WorkerID   WorkerID `json:"workerId"`
	Success    bool     `json:"success"`
	Result     any      `json:"result,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"durationMs"`
}

// NowMs returns the current time in milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
