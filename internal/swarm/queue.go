package swarm

import (
	"sort"
	"sync"

	"github.com/arcreach/testswarm/internal/model"
)

// taskQueue is the single shared task queue. Tasks are ordered by descending
// priority at ingestion, stable for equal priorities. Pop never blocks; an
// empty or closed queue returns nil, which ends a worker's loop.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []*model.Task
	closed bool
}

// newTaskQueue builds a queue from the submitted tasks, stable-sorted by
// descending priority.
func newTaskQueue(tasks []*model.Task) *taskQueue {
	q := &taskQueue{tasks: make([]*model.Task, len(tasks))}
	copy(q.tasks, tasks)
	sort.SliceStable(q.tasks, func(i, j int) bool {
		return q.tasks[i].Priority > q.tasks[j].Priority
	})
	return q
}

// Pop removes and returns the highest-priority task, or nil when the queue
// is empty or closed.
func (q *taskQueue) Pop() *model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task
}

// Requeue re-inserts a retried task at its priority position, after any
// already-queued task of equal priority.
func (q *taskQueue) Requeue(task *model.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	idx := sort.Search(len(q.tasks), func(i int) bool {
		return q.tasks[i].Priority < task.Priority
	})
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[idx+1:], q.tasks[idx:])
	q.tasks[idx] = task
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops the queue from serving further pops. Used by cancellation so
// workers wind down after their current task.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Drain removes and returns all remaining tasks.
func (q *taskQueue) Drain() []*model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	rest := q.tasks
	q.tasks = nil
	return rest
}
