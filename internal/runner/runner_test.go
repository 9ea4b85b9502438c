package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arcreach/testswarm/internal/model"
)

func probeTask(t *testing.T, payload HTTPProbePayload) *model.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &model.Task{ID: "probe-1", Name: "http_probe", Payload: data}
}

func TestHTTPProbePassesOnExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewHTTPProbeRunner(zap.NewNop())
	result, err := r.Execute(context.Background(), probeTask(t, HTTPProbePayload{
		URL:            srv.URL,
		ExpectedStatus: http.StatusNoContent,
	}))
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCompleted, result.Status)
}

func TestHTTPProbeFailsOnUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewHTTPProbeRunner(zap.NewNop())
	result, err := r.Execute(context.Background(), probeTask(t, HTTPProbePayload{URL: srv.URL}))
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusFailed, result.Status)
	require.Contains(t, result.Error, "expected status 200, got 500")
}

func TestHTTPProbeRejectsBadPayload(t *testing.T) {
	r := NewHTTPProbeRunner(zap.NewNop())
	_, err := r.Execute(context.Background(), &model.Task{ID: "x", Payload: []byte("not json")})
	require.Error(t, err)
}

func shellTask(t *testing.T, payload ShellPayload) *model.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &model.Task{ID: "shell-1", Name: "shell", Payload: data}
}

func TestShellRunnerPassesOnZeroExit(t *testing.T) {
	r := NewShellRunner(zap.NewNop())
	result, err := r.Execute(context.Background(), shellTask(t, ShellPayload{
		Command: "echo",
		Args:    []string{"ok"},
	}))
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCompleted, result.Status)
	require.Contains(t, string(result.Result), "ok")
}

func TestShellRunnerFailsOnNonZeroExit(t *testing.T) {
	r := NewShellRunner(zap.NewNop())
	result, err := r.Execute(context.Background(), shellTask(t, ShellPayload{
		Command: "false",
	}))
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusFailed, result.Status)
}
