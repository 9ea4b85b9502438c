package model

import (
	"context"
	"time"
)

// SlotStatus represents the lifecycle state of a worker slot
type SlotStatus int32

const (
	SlotStatusIdle SlotStatus = iota
	SlotStatusActive
	SlotStatusDead
)

// String returns the human-readable slot status.
func (s SlotStatus) String() string {
	switch s {
	case SlotStatusIdle:
		return "idle"
	case SlotStatusActive:
		return "active"
	case SlotStatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// DeployFunc provisions a worker for the given slot and returns its opaque
// identifier. The engine calls it for standby pre-warming and for cold
// failover; it makes no assumption about what provisioning means beyond
// "returns an identifier or fails."
type DeployFunc func(ctx context.Context, slotIndex int) (string, error)

// WorkerHandle is the scheduler-side descriptor of a live worker. It is the
// non-shared counterpart of a slot record: created on deploy, removed on
// failover or graceful completion.
type WorkerHandle struct {
	WorkerID       string    `json:"worker_id"`
	SlotIndex      int       `json:"slot_index"`
	DeployedAt     time.Time `json:"deployed_at"`
	TasksCompleted int       `json:"tasks_completed"`
}

// StandbyState represents the state of a pre-warmed standby worker
type StandbyState string

const (
	StandbyStateWarming   StandbyState = "warming"
	StandbyStateReady     StandbyState = "ready"
	StandbyStateDeploying StandbyState = "deploying"
)

// StandbyWorker is a pre-warmed worker placeholder held by the hot-standby
// pool until a failover claims it.
type StandbyWorker struct {
	WorkerID  string       `json:"worker_id"`
	SlotIndex int          `json:"slot_index"`
	CreatedAt time.Time    `json:"created_at"`
	State     StandbyState `json:"state"`
}

// SwarmStatus is the aggregate, monotonically-updated view of a swarm run.
type SwarmStatus struct {
	TotalTasks               int   `json:"total_tasks"`
	CompletedTasks           int   `json:"completed_tasks"`
	PassedTasks              int   `json:"passed_tasks"`
	FailedTasks              int   `json:"failed_tasks"`
	ActiveWorkers            int   `json:"active_workers"`
	EstimatedTimeRemainingMs int64 `json:"estimated_time_remaining_ms"`

	// Fatal is set when a failover could not be completed and a slot had to
	// be excluded from scheduling entirely.
	Fatal bool `json:"fatal,omitempty"`
}
