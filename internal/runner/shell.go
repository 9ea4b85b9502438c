package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arcreach/testswarm/internal/model"
)

// ShellPayload describes a shell-based test case. The command's exit code is
// the verdict.
type ShellPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
}

// ShellRunner executes shell-based tests. Exit code zero passes; anything
// else fails with the combined output as the error.
type ShellRunner struct {
	logger *zap.Logger
}

// NewShellRunner creates a shell test runner.
func NewShellRunner(logger *zap.Logger) *ShellRunner {
	return &ShellRunner{logger: logger.Named("shell-runner")}
}

// Execute runs the command described by the task payload.
func (r *ShellRunner) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload ShellPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, payload.Command, payload.Args...)
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}
	if len(payload.Env) > 0 {
		env := make([]string, 0, len(payload.Env))
		for k, v := range payload.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = append(cmd.Env, env...)
	}

	r.logger.Debug("Executing shell test",
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	output, err := cmd.CombinedOutput()

	result := &model.TaskResult{
		TaskID:      task.ID,
		Result:      output,
		CompletedAt: time.Now(),
	}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		result.Status = model.TaskStatusFailed
		result.Error = "test command timed out"
	case err != nil:
		result.Status = model.TaskStatusFailed
		result.Error = strings.TrimSpace(string(output))
		if result.Error == "" {
			result.Error = err.Error()
		}
	default:
		result.Status = model.TaskStatusCompleted
	}
	return result, nil
}
