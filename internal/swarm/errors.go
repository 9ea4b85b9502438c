package swarm

import "errors"

var (
	// ErrNoTasks is returned when a swarm is executed with an empty task list
	ErrNoTasks = errors.New("no tasks submitted")

	// ErrSwarmRunning is returned when ExecuteSwarm is called while a run is
	// already in progress
	ErrSwarmRunning = errors.New("swarm already running")

	// ErrUnknownRunner is recorded when a task names a runner that was never
	// registered
	ErrUnknownRunner = errors.New("unknown task runner")

	// ErrTaskTimeout is recorded when a task exceeds its execution timeout
	ErrTaskTimeout = errors.New("task execution timed out")
)
