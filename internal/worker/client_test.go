package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taskfleet/supervisor/internal/api"
	"github.com/taskfleet/supervisor/internal/backoff"
	"github.com/taskfleet/supervisor/internal/orchestrator"
	"github.com/taskfleet/supervisor/internal/registry"
	"github.com/taskfleet/supervisor/internal/types"
)

func fastRetry() backoff.Policy {
	return backoff.Policy{BaseDelayMs: 1, MaxDelayMs: 5, MaxAttempts: 3}
}

func startSupervisor(t *testing.T) (*api.Server, *orchestrator.Orchestrator) {
	t.Helper()

	orch := orchestrator.New(orchestrator.DefaultOptions())
	server, cleanup, err := api.StartTestServer(orch)
	if err != nil {
		t.Fatalf("failed to start supervisor: %v", err)
	}
	t.Cleanup(cleanup)
	return server, orch
}

func TestClientRegisterHeartbeatUnregister(t *testing.T) {
	server, _ := startSupervisor(t)
	client := NewClient(Config{BaseURL: server.URL(), Retry: fastRetry()})
	ctx := context.Background()

	worker, err := client.Register(ctx, registry.Registration{
		ID:       "w1",
		Name:     "w1",
		Endpoint: "http://127.0.0.1:9001",
		MaxLoad:  4,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if worker.ID != "w1" || worker.Status != types.WorkerOnline {
		t.Errorf("registered worker = %+v, want online w1", worker)
	}

	worker, err = client.Heartbeat(ctx, registry.Heartbeat{
		WorkerID:    "w1",
		Status:      types.WorkerBusy,
		CurrentLoad: 2,
	})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if worker.Status != types.WorkerBusy || worker.CurrentLoad != 2 {
		t.Errorf("heartbeat worker = %+v, want busy with load 2", worker)
	}

	removed, err := client.Unregister(ctx, "w1")
	if err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if !removed {
		t.Error("Unregister of existing worker returned false")
	}
}

func TestClientReportResultCompletesTask(t *testing.T) {
	server, orch := startSupervisor(t)
	client := NewClient(Config{BaseURL: server.URL(), Retry: fastRetry()})
	ctx := context.Background()

	if _, err := client.Register(ctx, registry.Registration{ID: "w1", Endpoint: "h1", MaxLoad: 2}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	task, err := orch.SubmitTask(orchestrator.TaskSubmission{Type: "chat"})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	orch.Tick()

	applied, err := client.ReportResult(ctx, &types.TaskResult{
		TaskID:     task.ID,
		WorkerID:   "w1",
		Success:    true,
		DurationMs: 10,
	})
	if err != nil {
		t.Fatalf("ReportResult failed: %v", err)
	}
	if !applied {
		t.Error("result not applied")
	}

	got, _ := orch.GetTask(task.ID)
	if got.Status != types.TaskCompleted {
		t.Errorf("task status = %s, want completed", got.Status)
	}
}

func TestClientListWorkersEchoesAssignedLoad(t *testing.T) {
	server, orch := startSupervisor(t)
	client := NewClient(Config{BaseURL: server.URL(), Retry: fastRetry()})
	ctx := context.Background()

	if _, err := client.Register(ctx, registry.Registration{ID: "w1", Endpoint: "h1", MaxLoad: 2}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := orch.SubmitTask(orchestrator.TaskSubmission{Type: "chat"}); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	orch.Tick()

	workers, err := client.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers failed: %v", err)
	}
	if len(workers) != 1 || workers[0].ID != "w1" {
		t.Fatalf("workers = %+v, want only w1", workers)
	}
	if workers[0].CurrentLoad != 1 {
		t.Fatalf("listed load = %d, want 1 after assignment", workers[0].CurrentLoad)
	}

	// A heartbeat echoing the listed load keeps the supervisor's view intact.
	updated, err := client.Heartbeat(ctx, registry.Heartbeat{
		WorkerID:    "w1",
		Status:      types.WorkerOnline,
		CurrentLoad: workers[0].CurrentLoad,
		MaxLoad:     2,
	})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if updated.CurrentLoad != 1 {
		t.Errorf("load after heartbeat = %d, want 1", updated.CurrentLoad)
	}
}

func TestClientHeartbeatUnknownWorkerIsPermanent(t *testing.T) {
	server, _ := startSupervisor(t)
	client := NewClient(Config{BaseURL: server.URL(), Retry: fastRetry()})

	_, err := client.Heartbeat(context.Background(), registry.Heartbeat{WorkerID: "ghost"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if statusErr.Code != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", statusErr.Code)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	attempts := 0
	backendWorker := &types.Worker{ID: "w1", Status: types.WorkerOnline}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(api.WorkerResponse{Success: true, Worker: backendWorker})
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL, Retry: fastRetry()})
	worker, err := client.Register(context.Background(), registry.Registration{ID: "w1", Endpoint: "h1"})
	if err != nil {
		t.Fatalf("Register failed after retries: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if worker.ID != "w1" {
		t.Errorf("worker id = %s, want w1", worker.ID)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Worker id is required"})
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL, Retry: fastRetry()})
	_, err := client.Register(context.Background(), registry.Registration{})
	if err == nil {
		t.Fatal("Register did not fail")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a 400", attempts)
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Message != "Worker id is required" {
		t.Errorf("error = %v, want StatusError carrying the server message", err)
	}
}
