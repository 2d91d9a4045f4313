package api

import (
	"github.com/taskfleet/supervisor/internal/circuit"
	"github.com/taskfleet/supervisor/internal/types"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WorkerResponse wraps a worker record for register and heartbeat replies.
type WorkerResponse struct {
	Success bool          `json:"success"`
	Worker  *types.Worker `json:"worker"`
}

// UnregisterResponse reports whether the worker existed.
type UnregisterResponse struct {
	Success bool `json:"success"`
}

// WorkerView is a worker record annotated with its composite health score.
type WorkerView struct {
	*types.Worker
	HealthScore float64 `json:"healthScore"`
}

// ListWorkersResponse is the body of GET /workers.
type ListWorkersResponse struct {
	Workers []*WorkerView `json:"workers"`
}

// SubmitTaskRequest is the body of POST /tasks.
type SubmitTaskRequest struct {
	Type       string `json:"type"`
	Payload    any    `json:"payload,omitempty"`
	Priority   string `json:"priority,omitempty"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
	MaxRetries *int   `json:"maxRetries,omitempty"`
}

// SubmitTaskResponse wraps the accepted task.
type SubmitTaskResponse struct {
	Success bool        `json:"success"`
	Task    *types.Task `json:"task"`
}

// TaskLookupResponse carries whichever of task and result exist.
type TaskLookupResponse struct {
	Task   *types.Task       `json:"task,omitempty"`
	Result *types.TaskResult `json:"result,omitempty"`
}

// ReportResultRequest is the body of POST /tasks/:id/result.
type ReportResultRequest struct {
	WorkerID   string `json:"workerId"`
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ReportResultResponse reports whether the result was applied.
type ReportResultResponse struct {
	Success bool `json:"success"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CircuitsResponse is the body of GET /circuits.
type CircuitsResponse struct {
	Circuits map[types.WorkerID]circuit.Stats `json:"circuits"`
}
