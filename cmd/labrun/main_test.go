package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/cmd"
	"github.com/dukex/labrun/pkg/config"
	"github.com/dukex/labrun/pkg/log"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence/file"
	"github.com/dukex/labrun/pkg/records"
	"github.com/dukex/labrun/pkg/schema"
	"github.com/dukex/labrun/pkg/services"
	"github.com/dukex/labrun/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, dir string, args ...string) []byte {
	t.Helper()

	var out bytes.Buffer

	root := newRootCommand()
	root.Writer = &out

	argv := append([]string{"labrun", "--database-url", dir, "--artifacts-root", dir, "--event-bus", "none", "--log-level", "error"}, args...)
	require.NoError(t, root.Run(t.Context(), argv))

	return out.Bytes()
}

func TestApp(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Store.URL = dir
	cfg.Artifacts.Root = dir
	cfg.EventBus.Provider = "none"

	engine, err := cmd.NewEngine(t.Context(), cfg, nil, log.Discard())
	require.NoError(t, err)

	t.Cleanup(func() { _ = engine.Close(t.Context()) })

	app := NewApp(engine)

	for path, want := range map[string]int{
		"/":        http.StatusOK,
		"/livez":   http.StatusOK,
		"/health":  http.StatusOK,
		"/workers": http.StatusOK,
		"/nothing": http.StatusNotFound,
	} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())

		assert.Equal(t, want, resp.StatusCode, "%s: %s", path, body)
	}
}

func TestContractSelfTest(t *testing.T) {
	out := run(t, t.TempDir(), "contract", "self-test")

	var report struct {
		ContractVersion string `json:"contract_version"`
		Passed          bool   `json:"passed"`
	}
	require.NoError(t, json.Unmarshal(out, &report), string(out))
	assert.True(t, report.Passed)
	assert.NotEmpty(t, report.ContractVersion)
}

func TestWorkerRunOnce(t *testing.T) {
	out := run(t, t.TempDir(), "worker", "run-once", models.WorkerExecutionPoller)

	var summary map[string]any
	require.NoError(t, json.Unmarshal(out, &summary), string(out))
	assert.InDelta(t, 0, summary["scanned"], 0)
}

func TestSimulatedRunFromTheCommandLine(t *testing.T) {
	dir := t.TempDir()

	store := file.NewPersistence(dir, schema.MustLoad(), clock.Real())
	require.NoError(t, store.HealthCheck(t.Context()))

	_, err := records.Insert(t.Context(), records.NewRepository(store), models.KindProtocol, "PRO-000001",
		"seed PRO-000001", testutil.CreateTestProtocol())
	require.NoError(t, err)

	bindings, err := json.Marshal(testutil.CreateTestPlannedRun().Bindings)
	require.NoError(t, err)

	var run1 models.PlannedRun
	out := run(t, dir, "planned-run", "create", "--title", "Dilution run", "--source-ref", "PRO-000001", "--bindings", string(bindings))
	require.NoError(t, json.Unmarshal(out, &run1), string(out))
	assert.Equal(t, models.PlannedRunStateReady, run1.State)

	var plan models.RobotPlan
	out = run(t, dir, "planned-run", "compile", "--platform", string(models.PlatformIntegraAssist), run1.RecordID)
	require.NoError(t, json.Unmarshal(out, &plan), string(out))

	var result services.ExecuteResult
	out = run(t, dir, "robot-plan", "execute", "--simulate", plan.ID)
	require.NoError(t, json.Unmarshal(out, &result), string(out))
	assert.Equal(t, models.ExecutionRunStatusCompleted, result.Status)

	var status services.RobotPlanStatus
	out = run(t, dir, "robot-plan", "status", plan.ID)
	require.NoError(t, json.Unmarshal(out, &status), string(out))
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, result.ExecutionRunID, status.ExecutionRunID)
}
