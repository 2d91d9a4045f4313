package orchestrator

import "github.com/taskfleet/supervisor/internal/types"

// pendingQueue holds tasks ordered by (priority rank, insertion order).
// It is not goroutine-safe; the orchestrator's mutex guards all access.
type pendingQueue struct {
	tasks []*types.Task
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{}
}

// Insert places the task before the first entry with a strictly greater
// priority rank, keeping insertion order stable within a priority level.
func (q *pendingQueue) Insert(task *types.Task) {
	rank := task.Priority.Rank()
	pos := len(q.tasks)
	for i, existing := range q.tasks {
		if existing.Priority.Rank() > rank {
			pos = i
			break
		}
	}

	q.tasks = append(q.tasks, nil)
	copy(q.tasks[pos+1:], q.tasks[pos:])
	q.tasks[pos] = task
}

// Remove deletes the task with the given id. Returns whether it was present.
func (q *pendingQueue) Remove(id types.TaskID) bool {
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the queued task with the given id, if present.
func (q *pendingQueue) Get(id types.TaskID) (*types.Task, bool) {
	for _, t := range q.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Snapshot returns the queued tasks in queue order. The returned slice is
// owned by the caller; the task pointers are shared.
func (q *pendingQueue) Snapshot() []*types.Task {
	return append([]*types.Task(nil), q.tasks...)
}

func (q *pendingQueue) Len() int {
	return len(q.tasks)
}
