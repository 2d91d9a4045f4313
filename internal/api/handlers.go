package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskfleet/supervisor/internal/config"
	"github.com/taskfleet/supervisor/internal/health"
	"github.com/taskfleet/supervisor/internal/orchestrator"
	"github.com/taskfleet/supervisor/internal/otel"
	"github.com/taskfleet/supervisor/internal/registry"
	"github.com/taskfleet/supervisor/internal/types"
)

const maxRequestBodySize = 1 << 20 // 1 MiB

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, "POST")
		return
	}

	var reg registry.Registration
	if err := json.NewDecoder(limitedBody(w, r)).Decode(&reg); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if reg.ID == "" {
		s.writeError(w, http.StatusBadRequest, "Worker id is required")
		return
	}
	if reg.Endpoint == "" {
		s.writeError(w, http.StatusBadRequest, "Worker endpoint is required")
		return
	}
	if reg.Name == "" {
		reg.Name = string(reg.ID)
	}
	if reg.MaxLoad <= 0 {
		reg.MaxLoad = config.DefaultWorkerMaxLoad
	}

	worker := s.orch.RegisterWorker(reg)
	s.writeJSON(w, http.StatusOK, &WorkerResponse{Success: true, Worker: worker})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, "POST")
		return
	}

	var hb registry.Heartbeat
	if err := json.NewDecoder(limitedBody(w, r)).Decode(&hb); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if hb.WorkerID == "" {
		s.writeError(w, http.StatusBadRequest, "workerId is required")
		return
	}
	if hb.Status != "" && !hb.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "Invalid worker status")
		return
	}

	worker, err := s.orch.Heartbeat(hb)
	if err != nil {
		if errors.Is(err, registry.ErrWorkerNotFound) {
			s.writeError(w, http.StatusNotFound, "Unknown worker")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, &WorkerResponse{Success: true, Worker: worker})
}

// routeWorkers dispatches /workers/{id} paths. /workers/register and
// /workers/heartbeat are registered as exact patterns and never reach here.
func (s *Server) routeWorkers(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/workers/")
	if path == "" || strings.Contains(path, "/") {
		s.writeError(w, http.StatusNotFound, "Endpoint not found")
		return
	}

	if r.Method != http.MethodDelete {
		s.writeMethodNotAllowed(w, "DELETE")
		return
	}

	existed := s.orch.UnregisterWorker(types.WorkerID(path))
	s.writeJSON(w, http.StatusOK, &UnregisterResponse{Success: existed})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, "GET")
		return
	}

	workers := s.orch.Registry().GetAll()
	views := make([]*WorkerView, 0, len(workers))
	for _, worker := range workers {
		views = append(views, &WorkerView{
			Worker: worker,
			HealthScore: s.orch.Health().Score(worker.ID, health.LoadHint{
				Current: worker.CurrentLoad,
				Max:     worker.MaxLoad,
			}),
		})
	}
	s.writeJSON(w, http.StatusOK, &ListWorkersResponse{Workers: views})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, "POST")
		return
	}

	var req SubmitTaskRequest
	if err := json.NewDecoder(limitedBody(w, r)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}

	var span trace.Span
	if tracer := s.getTracer(); tracer != nil && tracer.Enabled() {
		_, span = tracer.StartTaskSpan(r.Context(), otel.TaskSpanOptions{
			TaskType: req.Type,
			Priority: req.Priority,
			Phase:    "submit",
		})
		defer span.End()
	}

	task, err := s.orch.SubmitTask(orchestrator.TaskSubmission{
		Type:       req.Type,
		Payload:    req.Payload,
		Priority:   types.TaskPriority(req.Priority),
		TimeoutMs:  req.TimeoutMs,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		otel.RecordError(span, err, "validation", false)
		// Validation and capacity errors both surface as 400.
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if span != nil {
		span.SetAttributes(attribute.String("supervisor.task_id", string(task.ID)))
	}
	s.writeJSON(w, http.StatusOK, &SubmitTaskResponse{Success: true, Task: task})
}

// routeTasks dispatches /tasks/{id} and /tasks/{id}/result.
func (s *Server) routeTasks(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if path == "" {
		s.handleSubmitTask(w, r)
		return
	}

	parts := strings.Split(path, "/")
	taskID := types.TaskID(parts[0])

	switch {
	case len(parts) == 1:
		s.handleGetTask(w, r, taskID)
	case len(parts) == 2 && parts[1] == "result":
		s.handleReportResult(w, r, taskID)
	default:
		s.writeError(w, http.StatusNotFound, "Endpoint not found")
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, taskID types.TaskID) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, "GET")
		return
	}

	task, taskOK := s.orch.GetTask(taskID)
	result, resultOK := s.orch.GetTaskResult(taskID)
	if !taskOK && !resultOK {
		s.writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, &TaskLookupResponse{Task: task, Result: result})
}

func (s *Server) handleReportResult(w http.ResponseWriter, r *http.Request, taskID types.TaskID) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, "POST")
		return
	}

	var req ReportResultRequest
	if err := json.NewDecoder(limitedBody(w, r)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if req.WorkerID == "" {
		s.writeError(w, http.StatusBadRequest, "workerId is required")
		return
	}
	if !req.Success && req.Error == "" {
		s.writeError(w, http.StatusBadRequest, "error is required for a failed result")
		return
	}

	var span trace.Span
	if tracer := s.getTracer(); tracer != nil && tracer.Enabled() {
		_, span = tracer.StartTaskSpan(r.Context(), otel.TaskSpanOptions{
			TaskID:   string(taskID),
			WorkerID: req.WorkerID,
			Phase:    "result",
		})
		defer span.End()
	}

	applied := s.orch.ReportTaskResult(&types.TaskResult{
		TaskID:     taskID,
		WorkerID:   types.WorkerID(req.WorkerID),
		Success:    req.Success,
		Result:     req.Result,
		Error:      req.Error,
		DurationMs: req.DurationMs,
	})
	if span != nil {
		span.SetAttributes(attribute.Bool("supervisor.result_applied", applied))
	}
	s.writeJSON(w, http.StatusOK, &ReportResultResponse{Success: applied})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, "GET")
		return
	}
	s.writeJSON(w, http.StatusOK, s.orch.GetStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, "GET")
		return
	}
	s.writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok"})
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, "GET")
		return
	}
	s.writeJSON(w, http.StatusOK, &CircuitsResponse{Circuits: s.orch.Breakers().GetAllStats()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, "GET")
		return
	}

	collector := s.GetMetricsCollector()
	if collector == nil {
		s.writeError(w, http.StatusNotFound, "Metrics collection is not enabled")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, collector.Expose())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, &ErrorResponse{Error: msg})
}

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

func limitedBody(w http.ResponseWriter, r *http.Request) io.Reader {
	return http.MaxBytesReader(w, r.Body, maxRequestBodySize)
}
