package bus

import (
	"time"

	"github.com/arcreach/testswarm/internal/model"
)

// Topic identifies an event channel. Topics are a closed set; each carries
// exactly one event payload type, so consumers never switch on strings.
type Topic string

const (
	TopicWorkerFailover   Topic = "worker:failover"
	TopicSwarmStart       Topic = "swarm:start"
	TopicSwarmBatchUpdate Topic = "swarm:batch-update"
	TopicSwarmComplete    Topic = "swarm:complete"
	TopicTaskComplete     Topic = "task:complete"
	TopicTaskError        Topic = "task:error"
	TopicSystemMetrics    Topic = "system:metrics"
)

// FailoverEvent is published on worker:failover when a dead worker is
// replaced. Instant distinguishes the hot-standby path from a cold deploy.
type FailoverEvent struct {
	DeadWorkerID   string  `json:"dead_worker_id"`
	NewWorkerID    string  `json:"new_worker_id"`
	SlotIndex      int     `json:"slot_index"`
	FailoverTimeMs float64 `json:"failover_time_ms"`
	Instant        bool    `json:"instant"`
}

// SwarmStartEvent is published on swarm:start once per run.
type SwarmStartEvent struct {
	TotalTasks     int       `json:"total_tasks"`
	MaxConcurrency int       `json:"max_concurrency"`
	Provider       string    `json:"provider"`
	StartedAt      time.Time `json:"started_at"`
}

// BatchUpdateEvent is published on swarm:batch-update as status reporting
// traffic, subject to adaptive batching.
type BatchUpdateEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	UpdateCount int               `json:"update_count"`
	Status      model.SwarmStatus `json:"status"`
}

// SwarmCompleteEvent is published on swarm:complete when a run finishes.
type SwarmCompleteEvent struct {
	Status    model.SwarmStatus `json:"status"`
	ElapsedMs int64             `json:"elapsed_ms"`
}

// TaskCompleteEvent is published on task:complete for each successful task.
type TaskCompleteEvent struct {
	TaskID     string  `json:"task_id"`
	WorkerID   string  `json:"worker_id"`
	DurationMs float64 `json:"duration_ms"`
}

// TaskErrorEvent is published on task:error for each failed attempt. Retry
// is false once the retry bound is exhausted.
type TaskErrorEvent struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
	Attempt  int    `json:"attempt"`
	Retry    bool   `json:"retry"`
}

// SystemMetricsEvent is published on system:metrics by the system sampler.
type SystemMetricsEvent struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	CollectedAt   time.Time `json:"collected_at"`
}
