package swarm

import (
	"context"

	"github.com/arcreach/testswarm/internal/model"
)

// TaskRunner executes one test-execution task. Implementations are looked up
// by task name; they must honor ctx cancellation for the per-task timeout to
// hold.
type TaskRunner interface {
	Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error)
}

// RunnerFunc adapts a function to the TaskRunner interface.
type RunnerFunc func(ctx context.Context, task *model.Task) (*model.TaskResult, error)

// Execute calls f.
func (f RunnerFunc) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	return f(ctx, task)
}
