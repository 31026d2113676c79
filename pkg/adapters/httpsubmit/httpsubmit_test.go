package httpsubmit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func executeRequest() adapters.ExecuteRequest {
	return adapters.ExecuteRequest{
		ExecutionRunID: "EXR-000001",
		RobotPlan: &models.RobotPlan{
			ID:             "RP-000001",
			TargetPlatform: models.PlatformOpentronsOT2,
		},
		Artifacts: []adapters.Artifact{{
			Role:      "protocol_py",
			Path:      "records/artifacts/RP-000001/protocol.py",
			MediaType: "text/x-python",
			Content:   []byte("metadata = {}"),
		}},
		Parameters: map[string]any{"robot_host": "ot2.local"},
		Attempt:    1,
	}
}

func TestTransport_Execute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/runs", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		assert.Equal(t, "RP-000001", body["robot_plan_id"])
		assert.Equal(t, "EXR-000001", body["execution_run_id"])
		assert.Equal(t, "opentrons_ot2", body["target_platform"])

		artifact := body["artifact"].(map[string]any)
		assert.Equal(t, "protocol.py", artifact["filename"])
		assert.Equal(t, "metadata = {}", artifact["content"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "run-42", "status": "queued"})
	}))
	defer server.Close()

	transport := New(Config{
		AdapterID: "opentrons_ot2",
		BaseURL:   server.URL,
		Headers:   map[string]string{"X-Api-Key": "secret"},
	}, newLogger())

	assert.Equal(t, models.ExecutionModeHTTPSubmit, transport.Mode())

	result, err := transport.Execute(context.Background(), executeRequest())
	require.NoError(t, err)

	assert.Equal(t, adapters.FinalRunning, result.FinalStatus)
	assert.Equal(t, "queued", result.StatusRaw)
	assert.Equal(t, "run-42", result.ExternalRunID)
}

func TestTransport_ExecuteRunIDField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"runId":"abc","status":"succeeded"}`))
	}))
	defer server.Close()

	transport := New(Config{AdapterID: "x", BaseURL: server.URL + "/"}, newLogger())

	result, err := transport.Execute(context.Background(), executeRequest())
	require.NoError(t, err)

	assert.Equal(t, "abc", result.ExternalRunID)
	assert.Equal(t, adapters.FinalCompleted, result.FinalStatus)
}

func TestTransport_ExecuteErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		statusRaw string
		stderr    string
	}{
		{name: "server error", status: http.StatusServiceUnavailable, body: "busy", statusRaw: "http_503", stderr: "busy"},
		{name: "rejected", status: http.StatusUnprocessableEntity, body: `{"error":"bad labware"}`, statusRaw: "http_422"},
		{name: "missing run id", status: http.StatusOK, body: `{"status":"queued"}`, statusRaw: "queued", stderr: "malformed response"},
		{name: "not json", status: http.StatusOK, body: `<html>`, stderr: "malformed response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			transport := New(Config{AdapterID: "x", BaseURL: server.URL}, newLogger())

			_, err := transport.Execute(context.Background(), executeRequest())
			require.Error(t, err)

			var dispatchErr *adapters.DispatchError
			require.True(t, errors.As(err, &dispatchErr))
			assert.Equal(t, tt.statusRaw, dispatchErr.StatusRaw)
			assert.Contains(t, dispatchErr.Stderr, tt.stderr)
		})
	}
}

func TestTransport_ExecuteUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	transport := New(Config{AdapterID: "x", BaseURL: url, Timeout: time.Second}, newLogger())

	_, err := transport.Execute(context.Background(), executeRequest())

	var dispatchErr *adapters.DispatchError
	require.True(t, errors.As(err, &dispatchErr))
	assert.Empty(t, dispatchErr.StatusRaw)
	assert.NotEmpty(t, dispatchErr.Stderr)
}

func TestTransport_ExecuteNoArtifact(t *testing.T) {
	transport := New(Config{AdapterID: "x", BaseURL: "http://127.0.0.1:1"}, newLogger())

	req := executeRequest()
	req.Artifacts = nil

	_, err := transport.Execute(context.Background(), req)
	require.Error(t, err)
}

func TestTransport_StatusCancelLogsHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs/run-42", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"run-42","status":"RUN_FAILED","failure":{"code":"TIP_MISSING","class":"terminal"}}`))
	})
	mux.HandleFunc("POST /runs/run-42/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /runs/run-42/logs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"logs":[{"message":"aspirate","level":"info"}]}`))
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	transport := New(Config{AdapterID: "x", BaseURL: server.URL}, newLogger())
	ctx := context.Background()
	run := &models.ExecutionRun{RecordID: "EXR-000001", ExternalRunID: "run-42"}

	status, err := transport.Status(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, adapters.StatusFailed, status.Normalized)
	assert.Equal(t, "RUN_FAILED", status.Raw)
	require.NotNil(t, status.Failure)
	assert.Equal(t, "TIP_MISSING", status.Failure.Code)

	require.NoError(t, transport.Cancel(ctx, run))

	logs, err := transport.Logs(ctx, run)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "aspirate", logs[0].Message)

	require.NoError(t, transport.Health(ctx))

	unknown, err := transport.Status(ctx, &models.ExecutionRun{RecordID: "EXR-000002"})
	require.NoError(t, err)
	assert.Equal(t, adapters.StatusUnknown, unknown.Normalized)
}

func TestResultFromStatus(t *testing.T) {
	tests := []struct {
		status string
		final  string
	}{
		{status: "completed", final: adapters.FinalCompleted},
		{status: "cancelled", final: adapters.FinalCanceled},
		{status: "finished", final: adapters.FinalCompleted},
		{status: "error", final: adapters.FinalFailed},
		{status: "", final: adapters.FinalRunning},
		{status: "warming_up", final: adapters.FinalRunning},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			result := ResultFromStatus("r", "p", tt.status, nil)
			assert.Equal(t, tt.final, result.FinalStatus)
			assert.Equal(t, "p", result.ExternalProtocolID)
		})
	}
}
