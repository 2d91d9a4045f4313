package orchestrator

import (
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/taskfleet/supervisor/internal/types"
)

// Events receives orchestrator lifecycle notifications. Implementations must
// be non-blocking; they run on the tick thread and slow handlers degrade
// assignment latency. A panicking handler is logged and swallowed.
type Events interface {
	OnTaskAssigned(task *types.Task, workerID types.WorkerID)
	OnTaskCompleted(result *types.TaskResult)
	OnTaskFailed(task *types.Task, errMsg string)
	OnWorkerOnline(worker *types.Worker)
	OnWorkerOffline(worker *types.Worker)
}

// NoopEvents is an Events implementation that ignores everything. Embed it to
// implement only the notifications you care about.
type NoopEvents struct{}

func (NoopEvents) OnTaskAssigned(*types.Task, types.WorkerID) {}
func (NoopEvents) OnTaskCompleted(*types.TaskResult)          {}
func (NoopEvents) OnTaskFailed(*types.Task, string)           {}
func (NoopEvents) OnWorkerOnline(*types.Worker)               {}
func (NoopEvents) OnWorkerOffline(*types.Worker)              {}

// LogEvents writes lifecycle events as structured JSON lines.
type LogEvents struct {
	logger *slog.Logger
}

// NewLogEvents creates a LogEvents writing to stdout.
func NewLogEvents() *LogEvents {
	return NewLogEventsWithWriter(os.Stdout)
}

// NewLogEventsWithWriter creates a LogEvents with a custom writer.
// Useful for testing or redirecting output.
func NewLogEventsWithWriter(w io.Writer) *LogEvents {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &LogEvents{logger: slog.New(handler)}
}

func (l *LogEvents) OnTaskAssigned(task *types.Task, workerID types.WorkerID) {
	l.logger.Info("task_assigned",
		"task_id", string(task.ID),
		"task_type", task.Type,
		"priority", string(task.Priority),
		"worker_id", string(workerID),
	)
}

func (l *LogEvents) OnTaskCompleted(result *types.TaskResult) {
	l.logger.Info("task_completed",
		"task_id", string(result.TaskID),
		"worker_id", string(result.WorkerID),
		"duration_ms", result.DurationMs,
	)
}

func (l *LogEvents) OnTaskFailed(task *types.Task, errMsg string) {
	l.logger.Info("task_failed",
		"task_id", string(task.ID),
		"task_type", task.Type,
		"retries", task.Retries,
		"error", errMsg,
	)
}

func (l *LogEvents) OnWorkerOnline(worker *types.Worker) {
	l.logger.Info("worker_online",
		"worker_id", string(worker.ID),
		"endpoint", worker.Endpoint,
		"max_load", worker.MaxLoad,
	)
}

func (l *LogEvents) OnWorkerOffline(worker *types.Worker) {
	l.logger.Info("worker_offline",
		"worker_id", string(worker.ID),
		"last_heartbeat", worker.LastHeartbeat,
	)
}

// emit invokes fn against every observer, isolating panics so a broken
// handler cannot corrupt orchestrator state.
func (o *Orchestrator) emit(fn func(Events)) {
	o.obsMu.RLock()
	observers := o.observers
	o.obsMu.RUnlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("orchestrator: event observer panic: %v", r)
				}
			}()
			fn(obs)
		}()
	}
}
