package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arcreach/testswarm/internal/model"
)

// HTTPProbePayload describes one HTTP probe test case.
type HTTPProbePayload struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	ExpectedStatus int               `json:"expected_status"`
}

// HTTPProbeRunner executes HTTP probe tests: it issues the request described
// by the task payload and passes the task when the response status matches
// the expectation. A non-matching status is a test failure, not an error, so
// it goes through the normal retry path.
type HTTPProbeRunner struct {
	logger *zap.Logger
	client *http.Client
}

// NewHTTPProbeRunner creates an HTTP probe runner.
func NewHTTPProbeRunner(logger *zap.Logger) *HTTPProbeRunner {
	return &HTTPProbeRunner{
		logger: logger.Named("http-probe"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Execute performs the probe described by the task payload.
func (r *HTTPProbeRunner) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload HTTPProbePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.Method == "" {
		payload.Method = http.MethodGet
	}
	if payload.ExpectedStatus == 0 {
		payload.ExpectedStatus = http.StatusOK
	}

	req, err := http.NewRequestWithContext(ctx, payload.Method, payload.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	r.logger.Debug("Executing HTTP probe",
		zap.String("method", payload.Method),
		zap.String("url", payload.URL))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Result:      body,
		CompletedAt: time.Now(),
	}
	if resp.StatusCode != payload.ExpectedStatus {
		result.Status = model.TaskStatusFailed
		result.Error = fmt.Sprintf("expected status %d, got %d", payload.ExpectedStatus, resp.StatusCode)
	}
	return result, nil
}
