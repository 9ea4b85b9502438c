package model

import (
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// MaxRetries is the retry bound for failing tasks. A task whose RetryCount
// reaches this value is recorded as a terminal failure.
const MaxRetries = 3

// Task represents a unit of test-execution work
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	Payload     []byte     `json:"payload"`
	RetryCount  int        `json:"retry_count"`

	// Timing fields
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Execution details
	WorkerID     string `json:"worker_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Result       []byte `json:"result,omitempty"`
}

// TaskResult represents the result of a task execution
type TaskResult struct {
	TaskID      string        `json:"task_id"`
	WorkerID    string        `json:"worker_id"`
	Status      TaskStatus    `json:"status"`
	Result      []byte        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Passed reports whether the result counts toward the passed bucket.
func (r *TaskResult) Passed() bool {
	return r.Status == TaskStatusCompleted
}
